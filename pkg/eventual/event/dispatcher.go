package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	everrors "github.com/randalmurphal/eventual/pkg/eventual/errors"
)

// DispatcherConfig configures dispatcher behavior.
type DispatcherConfig struct {
	// MaxDepth bounds nested synchronous dispatch. Default: 32.
	MaxDepth int

	// OnError is called when a handler fails.
	OnError func(evt Event, handler string, err error)

	// OnSuccess is called after each successful handler.
	OnSuccess func(evt Event, handler string, duration time.Duration)
}

// DefaultDispatcherConfig provides reasonable defaults.
var DefaultDispatcherConfig = DispatcherConfig{MaxDepth: 32}

type handlerEntry struct {
	handler Handler
	name    string
	timeout time.Duration
}

// Dispatcher delivers an event to its handlers in-process.
type Dispatcher struct {
	config DispatcherConfig

	mu         sync.RWMutex
	handlers   map[string][]handlerEntry
	wildcards  []handlerEntry
	post       []handlerEntry
	middleware []MiddlewareFunc
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.MaxDepth <= 0 {
		config.MaxDepth = DefaultDispatcherConfig.MaxDepth
	}
	return &Dispatcher{
		config:   config,
		handlers: make(map[string][]handlerEntry),
	}
}

// HandlerOption configures a registered handler.
type HandlerOption func(*handlerEntry)

// WithHandlerTimeout bounds a single handler invocation.
func WithHandlerTimeout(d time.Duration) HandlerOption {
	return func(e *handlerEntry) { e.timeout = d }
}

// Use adds middleware that applies to subsequently registered handlers.
func (d *Dispatcher) Use(middleware MiddlewareFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middleware = append(d.middleware, middleware)
}

// Register adds a handler for the event types it handles.
func (d *Dispatcher) Register(handler Handler, opts ...HandlerOption) {
	entry := d.entry(handler, opts)

	d.mu.Lock()
	defer d.mu.Unlock()

	types := handler.Handles()
	if len(types) == 0 {
		d.wildcards = append(d.wildcards, entry)
		return
	}
	for _, t := range types {
		d.handlers[t] = append(d.handlers[t], entry)
	}
}

// RegisterPost adds a handler that runs after every other handler of every
// event. Post handlers ignore Handles().
func (d *Dispatcher) RegisterPost(handler Handler, opts ...HandlerOption) {
	entry := d.entry(handler, opts)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.post = append(d.post, entry)
}

func (d *Dispatcher) entry(handler Handler, opts []HandlerOption) handlerEntry {
	entry := handlerEntry{handler: handler, name: HandlerName(handler)}
	for _, opt := range opts {
		opt(&entry)
	}
	d.mu.RLock()
	entry.handler = ChainMiddleware(entry.handler, d.middleware...)
	d.mu.RUnlock()
	return entry
}

// HasHandlers reports whether any type-specific or catch-all handler would
// receive eventType. Post handlers are not counted.
func (d *Dispatcher) HasHandlers(eventType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[eventType]) > 0 || len(d.wildcards) > 0
}

// Dispatch runs the handlers for evt in order: type-specific, catch-all, post.
// It stops at the first failure and returns it as a *errors.HandlerFailure.
// An event nobody handles is not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) error {
	if evt == nil {
		return everrors.ErrNilEvent
	}

	depth := dispatchDepth(ctx)
	if depth >= d.config.MaxDepth {
		return &EventError{Event: evt, Message: fmt.Sprintf("depth %d", depth), Err: ErrMaxDepth}
	}
	ctx = withDispatchDepth(ctx, depth+1)

	d.mu.RLock()
	entries := make([]handlerEntry, 0, len(d.handlers[evt.Type()])+len(d.wildcards)+len(d.post))
	entries = append(entries, d.handlers[evt.Type()]...)
	entries = append(entries, d.wildcards...)
	entries = append(entries, d.post...)
	d.mu.RUnlock()

	for _, entry := range entries {
		if err := d.execute(ctx, evt, entry); err != nil {
			if d.config.OnError != nil {
				d.config.OnError(evt, entry.name, err)
			}
			return &everrors.HandlerFailure{
				EventType: evt.Type(),
				EventID:   evt.ID(),
				Handler:   entry.name,
				Err:       err,
			}
		}
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, evt Event, entry handlerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	if entry.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, entry.timeout)
		defer cancel()
	}

	if err := entry.handler.Handle(ctx, evt); err != nil {
		return err
	}

	if d.config.OnSuccess != nil {
		d.config.OnSuccess(evt, entry.name, time.Since(start))
	}
	return nil
}

type contextKey string

const dispatchDepthKey contextKey = "dispatch_depth"

func dispatchDepth(ctx context.Context) int {
	if v, ok := ctx.Value(dispatchDepthKey).(int); ok {
		return v
	}
	return 0
}

func withDispatchDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, dispatchDepthKey, depth)
}

// LoggingMiddleware reports every handler invocation to logFn.
func LoggingMiddleware(logFn func(eventType, handler string, duration time.Duration, err error)) MiddlewareFunc {
	return func(next Handler) Handler {
		name := HandlerName(next)
		return Named(name, HandlerFunc(func(ctx context.Context, evt Event) error {
			start := time.Now()
			err := next.Handle(ctx, evt)
			logFn(evt.Type(), name, time.Since(start), err)
			return err
		}))
	}
}

// RecoveryMiddleware converts handler panics into *PanicError failures.
func RecoveryMiddleware() MiddlewareFunc {
	return func(next Handler) Handler {
		return Named(HandlerName(next), HandlerFunc(func(ctx context.Context, evt Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Value: r}
				}
			}()
			return next.Handle(ctx, evt)
		}))
	}
}
