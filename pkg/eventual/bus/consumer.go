package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	everrors "github.com/randalmurphal/eventual/pkg/eventual/errors"
	"github.com/randalmurphal/eventual/pkg/eventual/event"
	"github.com/randalmurphal/eventual/pkg/eventual/observability"
	"github.com/randalmurphal/eventual/pkg/eventual/uow"
)

type subscription struct {
	eventType string
	queues    Queues
	decode    event.DecodeFunc
}

// consume hands every delivery to its own goroutine until the delivery
// channel closes or ctx is done.
func (c *Client) consume(ctx context.Context, sub subscription, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.handleDelivery(ctx, sub, d)
			}()
		}
	}
}

// handleDelivery routes one delivery and settles it. The delivery is always
// acknowledged; failures escalate through the retry ladder.
func (c *Client) handleDelivery(ctx context.Context, sub subscription, d amqp.Delivery) {
	retryCount := RetryCount(d.Headers)
	ctx = observability.Extract(ctx, tableCarrier(d.Headers))
	ctx, span := c.spans.StartConsumeSpan(ctx, sub.queues.Main, sub.eventType, retryCount)

	err := c.process(ctx, sub, d, retryCount)
	c.spans.EndSpanWithError(span, err)

	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Warn("ack delivery",
			slog.String("event_type", sub.eventType),
			slog.String("message_id", d.MessageId),
			slog.String("error", ackErr.Error()))
	}

	if err == nil {
		return
	}
	if errors.Is(err, errDuplicate) {
		c.metrics.RecordDelivery(ctx, sub.eventType, observability.OutcomeDuplicate)
		observability.LogDuplicateDelivery(c.logger, sub.eventType, d.MessageId)
		return
	}
	c.escalate(ctx, sub, d, retryCount, err)
}

var errDuplicate = errors.New("duplicate delivery")

// process runs the delivery's handlers under the idempotency claim.
func (c *Client) process(ctx context.Context, sub subscription, d amqp.Delivery, retryCount int) error {
	claimKey := ""
	if c.guard != nil && d.MessageId != "" {
		key := sub.queues.Main + ":" + d.MessageId
		fresh, err := c.guard.Claim(ctx, key)
		switch {
		case err != nil:
			observability.LogIdempotencyError(c.logger, "claim", key, err)
		case !fresh:
			return errDuplicate
		default:
			claimKey = key
		}
	}

	err := c.route(ctx, sub, d.Body)
	if err != nil && claimKey != "" {
		if relErr := c.guard.Release(context.WithoutCancel(ctx), claimKey); relErr != nil {
			observability.LogIdempotencyError(c.logger, "release", claimKey, relErr)
		}
	}
	if err == nil {
		c.metrics.RecordDelivery(ctx, sub.eventType, observability.OutcomeAcked)
		observability.LogDeliveryProcessed(c.logger, sub.eventType, d.MessageId, retryCount)
	}
	return err
}

// route decodes body and dispatches the event in-process in a background
// unit of work. Post handlers commit the session.
func (c *Client) route(ctx context.Context, sub subscription, body []byte) error {
	evt, err := sub.decode(body)
	if err != nil {
		return err
	}
	router := c.currentRouter()
	if router == nil {
		return fmt.Errorf("route %s: no router configured", sub.eventType)
	}

	var session uow.Session
	if c.open != nil {
		session, err = c.open(ctx)
		if err != nil {
			return fmt.Errorf("open unit of work: %w", err)
		}
	}
	return uow.RunBackground(ctx, session, func(ctx context.Context) error {
		return router.Dispatch(ctx, evt)
	})
}

// escalate republishes a failed delivery to the next retry queue, or to the
// dead-letter exchange once the ladder is exhausted.
func (c *Client) escalate(ctx context.Context, sub subscription, d amqp.Delivery, retryCount int, cause error) {
	decision := c.topology.Ladder.Next(retryCount)

	msg := amqp.Publishing{
		Headers:       escalationHeaders(d.Headers),
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		Type:          d.Type,
		Timestamp:     d.Timestamp,
		Body:          d.Body,
	}

	var exchange, key, outcome string
	switch decision.Action {
	case ActionRetry:
		exchange = c.topology.Exchanges.Retry
		key = RetryRoutingKey(sub.eventType, decision.Position)
		outcome = observability.OutcomeRetried
		msg.Headers[HeaderRetryCount] = int32(decision.RetryCount)
		observability.LogDeliveryRetry(c.logger, sub.eventType, decision.RetryCount, c.topology.Ladder.MaxAttempts(), decision.Delay, cause)
	default:
		exchange = c.topology.Exchanges.DeadLetter
		key = sub.eventType
		outcome = observability.OutcomeDeadLettered
		msg.Headers[HeaderRetryCount] = int32(decision.RetryCount)
		msg.Headers[HeaderFinalError] = finalError(cause)
		observability.LogDeadLettered(c.logger, sub.eventType, decision.RetryCount, cause)
	}
	c.metrics.RecordDelivery(ctx, sub.eventType, outcome)

	if err := c.send(context.WithoutCancel(ctx), exchange, key, msg); err != nil {
		observability.LogEscalationError(c.logger, sub.eventType, exchange, err)
	}
}

func finalError(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return everrors.Categorize(err).String() + " failure"
}
