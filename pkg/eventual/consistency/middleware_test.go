package consistency_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventual/pkg/eventual/consistency"
	"github.com/randalmurphal/eventual/pkg/eventual/event"
	"github.com/randalmurphal/eventual/pkg/eventual/uow"
)

func (h *harness) router(routes func(r chi.Router)) http.Handler {
	open := func(context.Context) (uow.Session, error) { return h.session, nil }
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(consistency.Middleware(h.orch, open))
	routes(r)
	return r
}

func serve(handler http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	h := newHarness()
	h.on("OrderPlaced", func(context.Context, event.Event) error { return nil })

	handler := h.router(func(r chi.Router) {
		r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
			_ = h.mediator.Publish(r.Context(), event.NewDomain("OrderPlaced", 1))
			_ = h.mediator.Publish(r.Context(), event.NewIntegration("OrderShipped", 1))
			w.Header().Set("Location", "/orders/1")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":1}`))
		})
	})

	rec := serve(handler, http.MethodPost, "/orders")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/orders/1", rec.Header().Get("Location"))
	assert.JSONEq(t, `{"id":1}`, rec.Body.String())
	assert.Equal(t, []string{"dispatch:OrderPlaced", "commit", "publish:OrderShipped"}, h.tl.all())
}

func TestMiddleware_ImplicitOK(t *testing.T) {
	h := newHarness()
	handler := h.router(func(r chi.Router) {
		r.Get("/ping", func(http.ResponseWriter, *http.Request) {})
	})
	assert.Equal(t, http.StatusOK, serve(handler, http.MethodGet, "/ping").Code)
}

func TestMiddleware_ServerErrorRollsBack(t *testing.T) {
	h := newHarness()
	handler := h.router(func(r chi.Router) {
		r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
			_ = h.mediator.Publish(r.Context(), event.NewIntegration("OrderShipped", 1))
			http.Error(w, "upstream down", http.StatusBadGateway)
		})
	})

	rec := serve(handler, http.MethodPost, "/orders")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream down")
	assert.Equal(t, []string{"rollback"}, h.tl.all())
}

func TestMiddleware_FailSignalKeepsClientError(t *testing.T) {
	h := newHarness()
	handler := h.router(func(r chi.Router) {
		r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
			uow.Fail(r.Context(), errors.New("validation"))
			http.Error(w, "quantity must be positive", http.StatusUnprocessableEntity)
		})
	})

	rec := serve(handler, http.MethodPost, "/orders")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []string{"rollback"}, h.tl.all())
}

func TestMiddleware_FailSignalHidesSuccess(t *testing.T) {
	h := newHarness()
	handler := h.router(func(r chi.Router) {
		r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
			uow.Fail(r.Context(), nil)
			w.WriteHeader(http.StatusCreated)
		})
	})

	assert.Equal(t, http.StatusInternalServerError, serve(handler, http.MethodPost, "/orders").Code)
}

func TestMiddleware_CommitFailureBecomes500(t *testing.T) {
	h := newHarness()
	h.session.commitErr = errors.New("constraint violation")
	handler := h.router(func(r chi.Router) {
		r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("created"))
		})
	})

	rec := serve(handler, http.MethodPost, "/orders")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "created")
	assert.Equal(t, []string{"commit-failed", "rollback"}, h.tl.all())
}

func TestMiddleware_PanicReachesRecoverer(t *testing.T) {
	h := newHarness()
	handler := h.router(func(r chi.Router) {
		r.Post("/orders", func(http.ResponseWriter, *http.Request) { panic("nil map") })
	})

	rec := serve(handler, http.MethodPost, "/orders")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, []string{"rollback"}, h.tl.all())
}

func TestMiddleware_OpenFailure(t *testing.T) {
	h := newHarness()
	open := func(context.Context) (uow.Session, error) { return nil, errors.New("pool exhausted") }
	called := false
	handler := consistency.Middleware(h.orch, open)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	rec := serve(handler, http.MethodGet, "/")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, called)
}
