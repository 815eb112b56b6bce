// Package consistency runs an interactive unit of work so that in-process
// reactions commit atomically with the state change that caused them, and
// integration events leave the process only after that commit.
//
// A run moves through these states:
//
//	Running -> DomainFlush -> Committing -> IntegrationFlush -> Done
//	   \            \              \
//	    +------------+--------------+--> Aborted (rolled back)
//
// The domain flush repeatedly collects events raised by tracked entities and
// buffered through the mediator, dispatching each in-process, until a full pass
// finds nothing new. Handlers may raise more events while it runs; those are
// picked up by the same loop. The loop is bounded by MaxDrainIterations.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	everrors "github.com/randalmurphal/eventual/pkg/eventual/errors"
	"github.com/randalmurphal/eventual/pkg/eventual/event"
	"github.com/randalmurphal/eventual/pkg/eventual/observability"
	"github.com/randalmurphal/eventual/pkg/eventual/uow"
)

// State is a unit-of-work lifecycle state.
type State int

const (
	StateRunning State = iota
	StateDomainFlush
	StateCommitting
	StateIntegrationFlush
	StateDone
	StateAborted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDomainFlush:
		return "domain_flush"
	case StateCommitting:
		return "committing"
	case StateIntegrationFlush:
		return "integration_flush"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var (
	// ErrDrainLimitExceeded is returned when the domain flush keeps finding new
	// events after MaxDrainIterations dispatches, usually a handler cycle.
	ErrDrainLimitExceeded = errors.New("domain event drain limit exceeded")

	// ErrNoSession is returned when Run is called without a session.
	ErrNoSession = errors.New("unit of work requires a session")
)

// Dispatcher delivers a domain event to in-process handlers without buffering.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt event.Event) error
}

// Publisher sends an integration event to the bus.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Config configures the orchestrator.
type Config struct {
	// MaxDrainIterations bounds the number of domain events dispatched by one
	// flush. Default: 1000.
	MaxDrainIterations int
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{MaxDrainIterations: 1000}

// Result describes a finished run.
type Result struct {
	// State is StateDone or StateAborted.
	State State
	// FailedIn is the state the run was in when it aborted.
	FailedIn State
	// Changed reports what the session commit returned.
	Changed bool

	DomainDispatched int
	Published        int
	// PublishFailures holds one *errors.PostCommitPublishFailure per
	// integration event that could not be published after the commit.
	PublishFailures []error
}

// Orchestrator runs interactive units of work.
type Orchestrator struct {
	dispatcher Dispatcher
	publisher  Publisher
	config     Config
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets the configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.config = cfg }
}

// WithMaxDrainIterations sets Config.MaxDrainIterations.
func WithMaxDrainIterations(n int) Option {
	return func(o *Orchestrator) { o.config.MaxDrainIterations = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithSpanManager sets the span manager.
func WithSpanManager(spans observability.SpanManager) Option {
	return func(o *Orchestrator) { o.spans = spans }
}

// New creates an orchestrator. publisher may be nil; integration events raised
// then fail after commit with errors.ErrNoPublisher.
func New(dispatcher Dispatcher, publisher Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dispatcher: dispatcher,
		publisher:  publisher,
		config:     DefaultConfig,
		logger:     slog.Default(),
		metrics:    observability.NoopMetrics{},
		spans:      observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.config.MaxDrainIterations <= 0 {
		o.config.MaxDrainIterations = DefaultConfig.MaxDrainIterations
	}
	return o
}

// Run executes fn inside a new interactive scope bound to session.
//
// If fn returns an error, marks the scope failed, or panics, or if the domain
// flush or the commit fails, the session is rolled back exactly once, every
// buffered event is discarded and nothing is published. A panic is re-raised
// after the rollback.
//
// Once the commit succeeds the run cannot fail: integration events that cannot
// be published are reported in Result.PublishFailures and logged, and the
// returned error is nil. The integration flush ignores cancellation of ctx.
func (o *Orchestrator) Run(ctx context.Context, session uow.Session, fn func(ctx context.Context) error) (res Result, err error) {
	if session == nil {
		return Result{State: StateAborted}, ErrNoSession
	}

	scope := uow.NewScope(uow.Interactive, session)
	ctx = uow.WithScope(ctx, scope)
	ctx, span := o.spans.StartUnitOfWorkSpan(ctx)
	elapsed := observability.TimedOperation()
	start := time.Now()

	state := StateRunning
	finished := false
	defer func() {
		if !finished {
			// fn panicked.
			o.rollback(ctx, scope)
			observability.LogUnitOfWorkAborted(o.logger, state.String(), fmt.Errorf("panic"))
			o.metrics.RecordUnitOfWork(ctx, StateAborted.String(), time.Since(start))
			o.spans.EndSpanWithError(span, fmt.Errorf("panic during %s", state))
			return
		}
		o.metrics.RecordUnitOfWork(ctx, res.State.String(), time.Since(start))
		o.spans.EndSpanWithError(span, err)
	}()

	abort := func(cause error) (Result, error) {
		finished = true
		o.rollback(ctx, scope)
		observability.LogUnitOfWorkAborted(o.logger, state.String(), cause)
		res.State, res.FailedIn = StateAborted, state
		return res, cause
	}

	if err := fn(ctx); err != nil {
		return abort(err)
	}
	if err := scope.Failure(); err != nil {
		return abort(err)
	}

	state = StateDomainFlush
	n, err := o.flushDomain(ctx, scope)
	res.DomainDispatched = n
	if err != nil {
		return abort(err)
	}

	state = StateCommitting
	if err := ctx.Err(); err != nil {
		return abort(err)
	}
	changed, err := session.Commit(ctx)
	if err != nil {
		return abort(&everrors.CommitFailure{Err: err})
	}
	finished = true
	scope.MarkCommitted()
	res.Changed = changed

	state = StateIntegrationFlush
	o.flushIntegration(context.WithoutCancel(ctx), scope, &res)

	res.State = StateDone
	observability.LogUnitOfWorkCommitted(o.logger, elapsed(), res.DomainDispatched, res.Published, len(res.PublishFailures))
	return res, nil
}

func (o *Orchestrator) rollback(ctx context.Context, scope *uow.Scope) {
	scope.Discard()
	scope.Session().Rollback(context.WithoutCancel(ctx))
}

// flushDomain dispatches domain events until a full pass over the session and
// the buffer finds none. Integration events found on entities are moved to the
// buffer for the post-commit flush.
func (o *Orchestrator) flushDomain(ctx context.Context, scope *uow.Scope) (int, error) {
	buffer := scope.Buffer()
	dispatched := 0

	dispatch := func(evt event.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if dispatched >= o.config.MaxDrainIterations {
			return fmt.Errorf("%w: %d events dispatched, next is %s", ErrDrainLimitExceeded, dispatched, evt.Type())
		}
		dispatched++
		return o.dispatcher.Dispatch(ctx, evt)
	}

	for {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}

		pending, err := scope.Session().PendingDomainEvents(ctx)
		if err != nil {
			return dispatched, fmt.Errorf("collect entity events: %w", err)
		}
		found := len(pending) > 0

		for _, evt := range pending {
			if evt.Kind() == event.KindIntegration {
				buffer.Enqueue(evt)
				continue
			}
			if err := dispatch(evt); err != nil {
				return dispatched, err
			}
		}

		for {
			evt, ok := buffer.NextDomain()
			if !ok {
				break
			}
			found = true
			if err := dispatch(evt); err != nil {
				return dispatched, err
			}
		}

		if !found {
			return dispatched, nil
		}
	}
}

// flushIntegration publishes every buffered integration event in FIFO order.
// Failures are recorded and logged; the flush always continues.
func (o *Orchestrator) flushIntegration(ctx context.Context, scope *uow.Scope, res *Result) {
	buffer := scope.Buffer()
	for {
		evt, ok := buffer.NextIntegration()
		if !ok {
			return
		}

		err := everrors.ErrNoPublisher
		if o.publisher != nil {
			err = o.publisher.Publish(ctx, evt)
		}
		if err != nil {
			failure := &everrors.PostCommitPublishFailure{EventType: evt.Type(), EventID: evt.ID(), Err: err}
			res.PublishFailures = append(res.PublishFailures, failure)
			observability.LogPostCommitPublishFailure(o.logger, evt.Type(), evt.ID(), err)
			continue
		}
		res.Published++
	}
}

// RunBackground runs fn in a background scope bound to session. See
// uow.RunBackground.
func (o *Orchestrator) RunBackground(ctx context.Context, session uow.Session, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := uow.RunBackground(ctx, session, fn)
	state := StateDone
	if err != nil {
		state = StateAborted
		observability.LogUnitOfWorkAborted(o.logger, uow.Background.String(), err)
	}
	o.metrics.RecordUnitOfWork(ctx, state.String(), time.Since(start))
	return err
}
