package consistency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/randalmurphal/eventual/pkg/eventual/uow"
)

// StatusError is the failure recorded when a handler answers with a 5xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("handler responded %d", e.Code)
}

// Middleware wraps each request in an interactive unit of work opened with open.
//
// The handler writes into a buffer. The buffered response is released only
// after the run finishes, so a client never sees success for work that was
// rolled back. The run aborts when the handler panics, responds with a 5xx
// status, or calls uow.Fail; in that case the handler's own error response
// is released, or a bare 500 if it did not write one. If the domain flush or the
// commit fails, the client gets a 500 instead of the handler's response.
// Panics are re-raised after the rollback for an outer recoverer.
func Middleware(o *Orchestrator, open uow.Opener) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := open(r.Context())
			if err != nil {
				o.logger.Error("open unit of work", slog.String("error", err.Error()))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}

			buf := newBufferedResponse(w)
			res, err := o.Run(r.Context(), session, func(ctx context.Context) error {
				next.ServeHTTP(buf, r.WithContext(ctx))
				if buf.status >= http.StatusInternalServerError {
					return &StatusError{Code: buf.status}
				}
				return nil
			})

			switch {
			case err == nil:
				buf.release()
			case res.FailedIn == StateRunning && buf.status >= http.StatusBadRequest:
				buf.release()
			default:
				var se *StatusError
				if !errors.As(err, &se) {
					o.logger.Error("unit of work failed",
						slog.String("path", r.URL.Path),
						slog.String("state", res.FailedIn.String()),
						slog.String("error", err.Error()))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		})
	}
}

// bufferedResponse holds status, headers and body until release.
type bufferedResponse struct {
	target      http.ResponseWriter
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newBufferedResponse(target http.ResponseWriter) *bufferedResponse {
	return &bufferedResponse{target: target, header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.status = code
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) release() {
	dst := b.target.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	status := b.status
	if !b.wroteHeader {
		status = http.StatusOK
	}
	b.target.WriteHeader(status)
	_, _ = b.target.Write(b.body.Bytes())
}
