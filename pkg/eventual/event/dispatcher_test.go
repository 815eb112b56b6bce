package event_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	everrors "github.com/randalmurphal/eventual/pkg/eventual/errors"
	"github.com/randalmurphal/eventual/pkg/eventual/event"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(name string, err error) event.Handler {
	return event.Named(name, event.HandlerFunc(func(context.Context, event.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		return err
	}))
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestDispatcher_Order(t *testing.T) {
	rec := &recorder{}
	d := event.NewDispatcher(event.DefaultDispatcherConfig)

	d.RegisterPost(rec.handler("commit", nil))
	d.Register(rec.handler("audit", nil))
	d.Register(event.For("OrderPlaced", rec.handler("reserve", nil)))
	d.Register(event.For("OrderPlaced", rec.handler("notify", nil)))
	d.Register(event.For("OrderCancelled", rec.handler("refund", nil)))

	require.NoError(t, d.Dispatch(context.Background(), event.NewDomain("OrderPlaced", 1)))
	assert.Equal(t, []string{"reserve", "notify", "audit", "commit"}, rec.got())
}

func TestDispatcher_StopsAtFirstFailure(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	var reported string
	d := event.NewDispatcher(event.DispatcherConfig{
		OnError: func(_ event.Event, handler string, _ error) { reported = handler },
	})

	d.Register(event.For("OrderPlaced", rec.handler("first", boom)))
	d.Register(event.For("OrderPlaced", rec.handler("second", nil)))
	d.RegisterPost(rec.handler("commit", nil))

	evt := event.NewDomain("OrderPlaced", 1)
	err := d.Dispatch(context.Background(), evt)

	var hf *everrors.HandlerFailure
	require.ErrorAs(t, err, &hf)
	assert.Equal(t, "first", hf.Handler)
	assert.Equal(t, evt.ID(), hf.EventID)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first"}, rec.got(), "later handlers and post handlers must not run")
	assert.Equal(t, "first", reported)
}

func TestDispatcher_NoHandlers(t *testing.T) {
	d := event.NewDispatcher(event.DefaultDispatcherConfig)
	assert.NoError(t, d.Dispatch(context.Background(), event.NewDomain("Nobody", 0)))
	assert.False(t, d.HasHandlers("Nobody"))
	assert.ErrorIs(t, d.Dispatch(context.Background(), nil), everrors.ErrNilEvent)
}

func TestDispatcher_Middleware(t *testing.T) {
	d := event.NewDispatcher(event.DefaultDispatcherConfig)
	var logged []string
	d.Use(event.LoggingMiddleware(func(eventType, handler string, _ time.Duration, err error) {
		logged = append(logged, eventType+":"+handler)
	}))
	d.Use(event.RecoveryMiddleware())

	d.Register(event.For("Explode", event.Named("bomb", event.HandlerFunc(func(context.Context, event.Event) error {
		panic("kaboom")
	}))))

	err := d.Dispatch(context.Background(), event.NewDomain("Explode", 0))
	var perr *event.PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "kaboom", perr.Value)
	assert.Equal(t, []string{"Explode:bomb"}, logged)
	assert.True(t, d.HasHandlers("Explode"))
}

func TestDispatcher_MaxDepth(t *testing.T) {
	d := event.NewDispatcher(event.DispatcherConfig{MaxDepth: 3})
	calls := 0
	d.Register(event.For("Ping", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		calls++
		return d.Dispatch(ctx, event.NewDomain("Ping", 0))
	})))

	err := d.Dispatch(context.Background(), event.NewDomain("Ping", 0))
	assert.ErrorIs(t, err, event.ErrMaxDepth)
	assert.Equal(t, 3, calls)
}

func TestDispatcher_HandlerTimeout(t *testing.T) {
	d := event.NewDispatcher(event.DefaultDispatcherConfig)
	d.Register(event.For("Slow", event.HandlerFunc(func(ctx context.Context, _ event.Event) error {
		<-ctx.Done()
		return ctx.Err()
	})), event.WithHandlerTimeout(10*time.Millisecond))

	err := d.Dispatch(context.Background(), event.NewDomain("Slow", 0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_CancelledContext(t *testing.T) {
	d := event.NewDispatcher(event.DefaultDispatcherConfig)
	called := false
	d.Register(event.HandlerFunc(func(context.Context, event.Event) error {
		called = true
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Dispatch(ctx, event.NewDomain("X", 0)), context.Canceled)
	assert.False(t, called)
}
