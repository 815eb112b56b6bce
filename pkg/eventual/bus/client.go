package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/randalmurphal/eventual/pkg/eventual/config"
	everrors "github.com/randalmurphal/eventual/pkg/eventual/errors"
	"github.com/randalmurphal/eventual/pkg/eventual/event"
	"github.com/randalmurphal/eventual/pkg/eventual/idempotency"
	"github.com/randalmurphal/eventual/pkg/eventual/observability"
	"github.com/randalmurphal/eventual/pkg/eventual/uow"
)

// ErrClientClosed is returned by Publish and Subscribe after Close.
var ErrClientClosed = errors.New("bus client is closed")

// Router delivers a consumed event to in-process handlers without buffering
// or republishing it. The mediator and the event dispatcher satisfy it.
type Router interface {
	Dispatch(ctx context.Context, evt event.Event) error
}

// Client publishes integration events and runs one consumer per subscribed
// event type.
type Client struct {
	ch       Channel
	topology Topology
	retry    everrors.RetryConfig
	prefetch int

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	open    uow.Opener
	guard   idempotency.Guard

	// writeMu serializes wire writes on the shared channel.
	writeMu sync.Mutex

	mu     sync.Mutex
	router Router
	subs   map[string]Queues
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithSettings applies exchange names, service name, retry ladder, publish
// attempts and prefetch from s.
func WithSettings(s config.BusSettings) Option {
	return func(c *Client) {
		c.topology.Service = s.Service
		c.topology.Exchanges = ExchangeNames{
			Primary:    s.PrimaryExchange,
			DeadLetter: s.DeadLetterExchange,
			Retry:      s.RetryExchange,
		}
		if len(s.RetryDelays) > 0 {
			c.topology.Ladder = Ladder{Delays: s.RetryDelays}
		}
		if s.PublishAttempts > 0 {
			c.retry.MaxAttempts = s.PublishAttempts
		}
		c.prefetch = s.Prefetch
	}
}

// WithTopology replaces the topology wholesale.
func WithTopology(t Topology) Option {
	return func(c *Client) { c.topology = t }
}

// WithPublishRetry sets the retry policy for broker writes.
func WithPublishRetry(cfg everrors.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSpanManager sets the span manager.
func WithSpanManager(s observability.SpanManager) Option {
	return func(c *Client) { c.spans = s }
}

// WithOpener opens the unit-of-work session each delivery runs in. Without
// one, deliveries run in a background scope with no session.
func WithOpener(open uow.Opener) Option {
	return func(c *Client) { c.open = open }
}

// WithGuard enables duplicate-delivery detection.
func WithGuard(g idempotency.Guard) Option {
	return func(c *Client) { c.guard = g }
}

// WithRouter sets the in-process router deliveries are handed to.
func WithRouter(r Router) Option {
	return func(c *Client) { c.router = r }
}

// NewClient declares the exchanges on ch and returns a client using it.
func NewClient(ch Channel, opts ...Option) (*Client, error) {
	c := &Client{
		ch: ch,
		topology: Topology{
			Service:   config.DefaultSettings().Bus.Service,
			Exchanges: DefaultExchanges(),
			Ladder:    DefaultLadder(),
		},
		retry: everrors.NewRetryConfig(
			everrors.WithMaxAttempts(3),
			everrors.WithInitialBackoff(100*time.Millisecond),
			everrors.WithMaxBackoff(2*time.Second),
		),
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		subs:    make(map[string]Queues),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.topology.DeclareExchanges(ch); err != nil {
		return nil, transportError("declare topology", err)
	}
	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return nil, transportError("set prefetch", err)
		}
	}
	return c, nil
}

// SetRouter sets the router after construction, for wiring cycles where the
// mediator needs the client as its publisher.
func (c *Client) SetRouter(r Router) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.router = r
}

// Topology returns the client's topology.
func (c *Client) Topology() Topology { return c.topology }

// Publish writes an integration event to the primary exchange under its type
// name as a persistent delivery. It returns once the broker accepted the
// write.
func (c *Client) Publish(ctx context.Context, evt event.Event) (err error) {
	if evt == nil {
		return everrors.ErrNilEvent
	}
	if evt.Kind() != event.KindIntegration {
		return &event.EventError{Event: evt, Message: "publish to bus", Err: everrors.ErrNotIntegrationEvent}
	}
	if c.isClosed() {
		return ErrClientClosed
	}

	exchange := c.topology.Exchanges.Primary
	ctx, span := c.spans.StartPublishSpan(ctx, exchange, evt.Type(), evt.ID())
	defer func() {
		c.spans.EndSpanWithError(span, err)
		c.metrics.RecordPublish(ctx, evt.Type(), err)
		if err != nil {
			observability.LogPublishError(c.logger, exchange, evt.Type(), evt.ID(), err)
		} else {
			observability.LogPublished(c.logger, exchange, evt.Type(), evt.ID())
		}
	}()

	body, err := event.Marshal(evt)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     evt.ID(),
		CorrelationId: evt.CorrelationID(),
		Type:          evt.Type(),
		Timestamp:     evt.Timestamp(),
		Headers:       amqp.Table{},
		Body:          body,
	}
	observability.Inject(ctx, tableCarrier(msg.Headers))

	return c.send(ctx, exchange, evt.Type(), msg)
}

// send writes msg, retrying transient failures. Writes never overlap.
func (c *Client) send(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	res := everrors.WithRetryContext(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if err := c.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
			return struct{}{}, transportError("publish", err)
		}
		return struct{}{}, nil
	})
	return res.Err
}

// Subscribe declares the queues for eventType and starts its consumer.
// Deliveries are decoded with decode and routed in-process in a background
// unit of work. Subscribing the same type again is a no-op.
func (c *Client) Subscribe(ctx context.Context, eventType string, decode event.DecodeFunc) error {
	if decode == nil {
		return fmt.Errorf("subscribe %s: nil decoder", eventType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if _, ok := c.subs[eventType]; ok {
		return nil
	}

	c.writeMu.Lock()
	queues, err := c.topology.DeclareQueues(c.ch, eventType)
	if err != nil {
		c.writeMu.Unlock()
		return transportError("declare queues", err)
	}
	deliveries, err := c.ch.Consume(queues.Main, "", false, false, false, false, nil)
	c.writeMu.Unlock()
	if err != nil {
		return transportError("consume", err)
	}

	c.subs[eventType] = queues
	observability.LogSubscribed(c.logger, eventType, queues.Main, queues.DeadLetter, len(queues.Retry))

	sub := subscription{eventType: eventType, queues: queues, decode: decode}
	c.wg.Add(1)
	go c.consume(ctx, sub, deliveries)
	return nil
}

// Subscriptions returns the subscribed event types and their queues.
func (c *Client) Subscriptions() map[string]Queues {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Queues, len(c.subs))
	for k, v := range c.subs {
		out[k] = v
	}
	return out
}

// Close closes the channel and waits for in-flight deliveries to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ch.Close()
	c.writeMu.Unlock()
	c.wg.Wait()
	if errors.Is(err, amqp.ErrClosed) {
		err = nil
	}
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) currentRouter() Router {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.router
}
