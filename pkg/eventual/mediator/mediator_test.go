package mediator_test

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
	"github.com/randalmurphal/eventual/pkg/eventual/mediator"
	"github.com/randalmurphal/eventual/pkg/eventual/uow"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []event.Event
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, evt event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, evt)
	return nil
}

type oddKind struct{ *event.BaseEvent[int] }

func (oddKind) Kind() event.Kind { return event.Kind(5) }

func setup() (*mediator.Mediator, *event.Dispatcher, *fakePublisher, *[]string) {
	d := event.NewDispatcher(event.DefaultDispatcherConfig)
	pub := &fakePublisher{}
	var handled []string
	d.Register(event.HandlerFunc(func(_ context.Context, evt event.Event) error {
		handled = append(handled, evt.Type())
		return nil
	}))
	return mediator.New(d, pub), d, pub, &handled
}

func TestPublish_InteractiveBuffersEverything(t *testing.T) {
	m, _, pub, handled := setup()
	scope := uow.NewScope(uow.Interactive, nil)
	ctx := uow.WithScope(context.Background(), scope)

	require.NoError(t, m.Publish(ctx, event.NewDomain("OrderPlaced", 1)))
	require.NoError(t, m.Publish(ctx, event.NewIntegration("OrderShipped", 1)))

	assert.Empty(t, *handled, "no handler runs before the flush")
	assert.Empty(t, pub.published, "nothing reaches the bus before commit")
	dn, in := scope.Buffer().Len()
	assert.Equal(t, 1, dn)
	assert.Equal(t, 1, in)
}

func TestPublish_InteractiveReturnsPromptly(t *testing.T) {
	d := event.NewDispatcher(event.DefaultDispatcherConfig)
	d.Register(event.HandlerFunc(func(context.Context, event.Event) error {
		time.Sleep(time.Second)
		return nil
	}))
	m := mediator.New(d, nil)
	ctx := uow.WithScope(context.Background(), uow.NewScope(uow.Interactive, nil))

	start := time.Now()
	require.NoError(t, m.Publish(ctx, event.NewDomain("Slow", 0)))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPublish_BackgroundDispatchesDomain(t *testing.T) {
	m, _, pub, handled := setup()
	ctx := uow.WithScope(context.Background(), uow.NewScope(uow.Background, nil))

	require.NoError(t, m.Publish(ctx, event.NewDomain("OrderPlaced", 1)))
	assert.Equal(t, []string{"OrderPlaced"}, *handled)
	assert.Empty(t, pub.published)
}

func TestPublish_BackgroundPublishesIntegration(t *testing.T) {
	m, _, pub, handled := setup()

	evt := event.NewIntegration("OrderShipped", 1)
	require.NoError(t, m.Publish(context.Background(), evt))
	require.Len(t, pub.published, 1)
	assert.Equal(t, evt.ID(), pub.published[0].ID())
	assert.Empty(t, *handled, "integration events never reach local handlers from the sender")
}

func TestPublish_BackgroundErrorsPropagate(t *testing.T) {
	d := event.NewDispatcher(event.DefaultDispatcherConfig)
	boom := errors.New("boom")
	d.Register(event.HandlerFunc(func(context.Context, event.Event) error { return boom }))
	pub := &fakePublisher{err: &everrors.TransportError{Op: "publish", Err: boom}}
	m := mediator.New(d, pub)

	var hf *everrors.HandlerFailure
	assert.ErrorAs(t, m.Publish(context.Background(), event.NewDomain("X", 0)), &hf)

	var te *everrors.TransportError
	assert.ErrorAs(t, m.Publish(context.Background(), event.NewIntegration("Y", 0)), &te)
}

func TestPublish_IllFormed(t *testing.T) {
	m, _, _, _ := setup()
	assert.ErrorIs(t, m.Publish(context.Background(), nil), everrors.ErrNilEvent)
	assert.ErrorIs(t, m.Dispatch(context.Background(), nil), everrors.ErrNilEvent)

	odd := oddKind{event.NewDomain("Odd", 0)}
	assert.ErrorIs(t, m.Publish(context.Background(), odd), everrors.ErrUnknownKind)
}

func TestPublish_NoPublisher(t *testing.T) {
	m := mediator.New(event.NewDispatcher(event.DefaultDispatcherConfig), nil)
	err := m.Publish(context.Background(), event.NewIntegration("OrderShipped", 0))
	assert.ErrorIs(t, err, everrors.ErrNoPublisher)

	pub := &fakePublisher{}
	m.SetPublisher(pub)
	require.NoError(t, m.Publish(context.Background(), event.NewIntegration("OrderShipped", 0)))
	assert.Len(t, pub.published, 1)
}

func TestDispatch_IgnoresBuffering(t *testing.T) {
	m, _, _, handled := setup()
	ctx := uow.WithScope(context.Background(), uow.NewScope(uow.Interactive, nil))

	require.NoError(t, m.Dispatch(ctx, event.NewDomain("OrderPlaced", 1)))
	assert.Equal(t, []string{"OrderPlaced"}, *handled)
}
