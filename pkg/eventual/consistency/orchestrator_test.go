package consistency_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventual/pkg/eventual/consistency"
	"github.com/randalmurphal/eventual/pkg/eventual/entity"
	everrors "github.com/randalmurphal/eventual/pkg/eventual/errors"
	"github.com/randalmurphal/eventual/pkg/eventual/event"
	"github.com/randalmurphal/eventual/pkg/eventual/mediator"
	"github.com/randalmurphal/eventual/pkg/eventual/uow"
)

type order struct {
	entity.Base
}

type harness struct {
	tl         *timeline
	session    *fakeSession
	publisher  *fakePublisher
	dispatcher *event.Dispatcher
	mediator   *mediator.Mediator
	orch       *consistency.Orchestrator
}

func newHarness(opts ...consistency.Option) *harness {
	tl := &timeline{}
	h := &harness{
		tl:         tl,
		session:    &fakeSession{tl: tl},
		publisher:  &fakePublisher{tl: tl, fail: map[string]error{}},
		dispatcher: event.NewDispatcher(event.DefaultDispatcherConfig),
	}
	h.mediator = mediator.New(h.dispatcher, h.publisher)
	h.dispatcher.RegisterPost(uow.NewCommitHandler(nil))
	h.orch = consistency.New(h.mediator, h.publisher, opts...)
	return h
}

func (h *harness) on(eventType string, fn func(ctx context.Context, evt event.Event) error) {
	h.dispatcher.Register(event.For(eventType, event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		h.tl.add("dispatch:%s", evt.Type())
		return fn(ctx, evt)
	})))
}

func TestRun_ScenarioA_ReentrantDomainEvents(t *testing.T) {
	h := newHarness()
	h.on("OrderPlaced", func(ctx context.Context, evt event.Event) error {
		return h.mediator.Publish(ctx, event.NewFromParent(evt, event.KindDomain, "InventoryReserved", 1))
	})
	h.on("InventoryReserved", func(context.Context, event.Event) error { return nil })

	res, err := h.orch.Run(context.Background(), h.session, func(ctx context.Context) error {
		return h.mediator.Publish(ctx, event.NewDomain("OrderPlaced", 1))
	})

	require.NoError(t, err)
	assert.Equal(t, consistency.StateDone, res.State)
	assert.Equal(t, 2, res.DomainDispatched)
	assert.Equal(t, []string{"dispatch:OrderPlaced", "dispatch:InventoryReserved", "commit"}, h.tl.all())
}

func TestRun_EntityEventsAreDrained(t *testing.T) {
	h := newHarness()
	o := &order{Base: entity.NewBase()}
	h.on("OrderPlaced", func(context.Context, event.Event) error {
		// A reaction that modifies the entity again raises another event.
		o.Raise(event.NewDomain("OrderAudited", 0))
		return nil
	})
	h.on("OrderAudited", func(context.Context, event.Event) error { return nil })

	_, err := h.orch.Run(context.Background(), h.session, func(ctx context.Context) error {
		h.session.Track(o)
		o.Raise(event.NewDomain("OrderPlaced", 0))
		o.Raise(event.NewIntegration("OrderAccepted", 0))
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{
		"dispatch:OrderPlaced",
		"dispatch:OrderAudited",
		"commit",
		"publish:OrderAccepted",
	}, h.tl.all())
}

func TestRun_ScenarioB_IntegrationAfterCommit(t *testing.T) {
	h := newHarness()

	res, err := h.orch.Run(context.Background(), h.session, func(ctx context.Context) error {
		require.NoError(t, h.mediator.Publish(ctx, event.NewIntegration("OrderShipped", 1)))
		require.NoError(t, h.mediator.Publish(ctx, event.NewIntegration("InvoiceIssued", 1)))
		assert.Empty(t, h.tl.all(), "nothing published while running")
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, []string{"commit", "publish:OrderShipped", "publish:InvoiceIssued"}, h.tl.all())
}

func TestRun_ScenarioE_CommitFailure(t *testing.T) {
	h := newHarness()
	storage := errors.New("database is locked")
	h.session.commitErr = storage

	res, err := h.orch.Run(context.Background(), h.session, func(ctx context.Context) error {
		return h.mediator.Publish(ctx, event.NewIntegration("OrderShipped", 1))
	})

	var cf *everrors.CommitFailure
	require.ErrorAs(t, err, &cf)
	assert.ErrorIs(t, err, storage)
	assert.Equal(t, consistency.StateAborted, res.State)
	assert.Equal(t, consistency.StateCommitting, res.FailedIn)
	assert.Equal(t, []string{"commit-failed", "rollback"}, h.tl.all(), "integration buffer never drained")
}

func TestRun_HandlerFailureDuringFlush(t *testing.T) {
	h := newHarness()
	boom := errors.New("out of stock")
	h.on("OrderPlaced", func(context.Context, event.Event) error { return boom })

	res, err := h.orch.Run(context.Background(), h.session, func(ctx context.Context) error {
		require.NoError(t, h.mediator.Publish(ctx, event.NewIntegration("OrderShipped", 1)))
		return h.mediator.Publish(ctx, event.NewDomain("OrderPlaced", 1))
	})

	var hf *everrors.HandlerFailure
	require.ErrorAs(t, err, &hf)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, consistency.StateDomainFlush, res.FailedIn)
	assert.Zero(t, h.tl.count("commit"))
	assert.Equal(t, 1, h.tl.count("rollback"))
	assert.Zero(t, h.tl.count("publish:OrderShipped"))
}

func TestRun_OperationError(t *testing.T) {
	h := newHarness()
	h.on("OrderPlaced", func(context.Context, event.Event) error { return nil })
	bad := errors.New("bad input")

	res, err := h.orch.Run(context.Background(), h.session, func(ctx context.Context) error {
		_ = h.mediator.Publish(ctx, event.NewDomain("OrderPlaced", 1))
		return bad
	})

	assert.ErrorIs(t, err, bad)
	assert.Equal(t, consistency.StateRunning, res.FailedIn)
	assert.Equal(t, []string{"rollback"}, h.tl.all(), "buffered domain events are discarded, not dispatched")
}

func TestRun_FailSignal(t *testing.T) {
	h := newHarness()
	invalid := errors.New("invalid order")

	_, err := h.orch.Run(context.Background(), h.session, func(ctx context.Context) error {
		_ = h.mediator.Publish(ctx, event.NewIntegration("OrderShipped", 1))
		uow.Fail(ctx, invalid)
		return nil
	})

	assert.ErrorIs(t, err, invalid)
	assert.Equal(t, []string{"rollback"}, h.tl.all())
}

func TestRun_PanicRollsBackAndRepanics(t *testing.T) {
	h := newHarness()

	assert.PanicsWithValue(t, "handler bug", func() {
		_, _ = h.orch.Run(context.Background(), h.session, func(ctx context.Context) error {
			_ = h.mediator.Publish(ctx, event.NewIntegration("OrderShipped", 1))
			panic("handler bug")
		})
	})
	assert.Equal(t, []string{"rollback"}, h.tl.all())
}

func TestRun_PublishFailuresAreIsolated(t *testing.T) {
	h := newHarness()
	h.publisher.fail["B"] = &everrors.TransportError{Op: "publish", Err: errors.New("connection reset")}

	res, err := h.orch.Run(context.Background(), h.session, func(ctx context.Context) error {
		for _, typ := range []string{"A", "B", "C"} {
			_ = h.mediator.Publish(ctx, event.NewIntegration(typ, 0))
		}
		return nil
	})

	require.NoError(t, err, "the commit stands")
	assert.Equal(t, []string{"commit", "publish:A", "publish-failed:B", "publish:C"}, h.tl.all())
	assert.Equal(t, 2, res.Published)
	require.Len(t, res.PublishFailures, 1)
	var pf *everrors.PostCommitPublishFailure
	require.ErrorAs(t, res.PublishFailures[0], &pf)
	assert.Equal(t, "B", pf.EventType)
}

func TestRun_NoPublisher(t *testing.T) {
	tl := &timeline{}
	d := event.NewDispatcher(event.DefaultDispatcherConfig)
	m := mediator.New(d, nil)
	orch := consistency.New(m, nil)

	res, err := orch.Run(context.Background(), &fakeSession{tl: tl}, func(ctx context.Context) error {
		return m.Publish(ctx, event.NewIntegration("OrderShipped", 0))
	})
	require.NoError(t, err)
	require.Len(t, res.PublishFailures, 1)
	assert.ErrorIs(t, res.PublishFailures[0], everrors.ErrNoPublisher)
}

func TestRun_DrainLimit(t *testing.T) {
	h := newHarness(consistency.WithMaxDrainIterations(10))
	h.on("Ping", func(ctx context.Context, evt event.Event) error {
		return h.mediator.Publish(ctx, event.NewDomain("Ping", 0))
	})

	_, err := h.orch.Run(context.Background(), h.session, func(ctx context.Context) error {
		return h.mediator.Publish(ctx, event.NewDomain("Ping", 0))
	})

	assert.ErrorIs(t, err, consistency.ErrDrainLimitExceeded)
	assert.Equal(t, 10, h.tl.count("dispatch:Ping"))
	assert.Zero(t, h.tl.count("commit"))
	assert.Equal(t, 1, h.tl.count("rollback"))
}

func TestRun_EmptyDrainTerminates(t *testing.T) {
	h := newHarness()
	res, err := h.orch.Run(context.Background(), h.session, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, res.DomainDispatched)
	assert.Equal(t, []string{"commit"}, h.tl.all())
}

func TestRun_CancelledDuringFlush(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	h.on("OrderPlaced", func(ctx context.Context, evt event.Event) error {
		cancel()
		return h.mediator.Publish(ctx, event.NewDomain("InventoryReserved", 0))
	})
	h.on("InventoryReserved", func(context.Context, event.Event) error { return nil })

	_, err := h.orch.Run(ctx, h.session, func(ctx context.Context) error {
		return h.mediator.Publish(ctx, event.NewDomain("OrderPlaced", 0))
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.tl.count("dispatch:InventoryReserved"))
	assert.Equal(t, 1, h.tl.count("rollback"))
	assert.Zero(t, h.tl.count("commit"))
}

func TestRun_PostCommitIgnoresCancellation(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancelling := &cancelOnCommit{fakeSession: h.session, cancel: cancel}

	_, err := h.orch.Run(ctx, cancelling, func(ctx context.Context) error {
		return h.mediator.Publish(ctx, event.NewIntegration("OrderShipped", 0))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.tl.count("publish:OrderShipped"))
}

type cancelOnCommit struct {
	*fakeSession
	cancel context.CancelFunc
}

func (s *cancelOnCommit) Commit(ctx context.Context) (bool, error) {
	ok, err := s.fakeSession.Commit(ctx)
	s.cancel()
	return ok, err
}

func TestRun_SessionErrors(t *testing.T) {
	h := newHarness()
	_, err := h.orch.Run(context.Background(), nil, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, consistency.ErrNoSession)

	h.session.pendErr = errors.New("tracker broken")
	_, err = h.orch.Run(context.Background(), h.session, func(context.Context) error { return nil })
	assert.ErrorContains(t, err, "tracker broken")
	assert.Equal(t, 1, h.tl.count("rollback"))
}

func TestRun_ConcurrentUnitsAreIsolated(t *testing.T) {
	h := newHarness()
	h.on("Tick", func(context.Context, event.Event) error { return nil })

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			sess := &fakeSession{tl: &timeline{}}
			res, err := h.orch.Run(context.Background(), sess, func(ctx context.Context) error {
				return h.mediator.Publish(ctx, event.NewDomain("Tick", 0))
			})
			if err == nil && res.DomainDispatched != 1 {
				err = errors.New("unit of work saw another unit's events")
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestRunBackground(t *testing.T) {
	h := newHarness()
	h.on("OrderPlaced", func(ctx context.Context, evt event.Event) error {
		return h.mediator.Publish(ctx, event.NewIntegration("OrderShipped", 0))
	})

	err := h.orch.RunBackground(context.Background(), h.session, func(ctx context.Context) error {
		return h.mediator.Publish(ctx, event.NewDomain("OrderPlaced", 0))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"dispatch:OrderPlaced", "publish:OrderShipped", "commit", "rollback"}, h.tl.all())
}

func TestState_String(t *testing.T) {
	names := map[consistency.State]string{
		consistency.StateRunning:          "running",
		consistency.StateDomainFlush:      "domain_flush",
		consistency.StateCommitting:       "committing",
		consistency.StateIntegrationFlush: "integration_flush",
		consistency.StateDone:             "done",
		consistency.StateAborted:          "aborted",
		consistency.State(42):             "unknown",
	}
	for s, want := range names {
		assert.Equal(t, want, s.String())
	}
}
