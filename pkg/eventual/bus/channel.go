package bus

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	everrors "github.com/randalmurphal/eventual/pkg/eventual/errors"
)

// Channel is the subset of AMQP channel operations the client uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// Connection owns a broker connection and the single channel shared by
// publishers and consumers.
type Connection struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to url, retrying with cfg while the broker is unreachable.
func Dial(ctx context.Context, url string, cfg everrors.RetryConfig) (*Connection, error) {
	res := everrors.WithRetryContext(ctx, cfg, func(context.Context) (*Connection, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, &everrors.TransportError{Op: "dial", Err: err}
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, &everrors.TransportError{Op: "open channel", Err: err}
		}
		return &Connection{conn: conn, ch: ch}, nil
	})
	if res.Err != nil {
		return nil, fmt.Errorf("dial broker after %d attempts: %w", res.Attempts, res.Err)
	}
	return res.Value, nil
}

// Channel returns the shared channel.
func (c *Connection) Channel() Channel { return c.ch }

// Close closes the channel and then the connection.
func (c *Connection) Close() error {
	chErr := c.ch.Close()
	if errors.Is(chErr, amqp.ErrClosed) {
		chErr = nil
	}
	connErr := c.conn.Close()
	if errors.Is(connErr, amqp.ErrClosed) {
		connErr = nil
	}
	return errors.Join(chErr, connErr)
}

// transportError classifies a channel failure. A closed channel cannot be
// retried on the same channel.
func transportError(op string, err error) error {
	return &everrors.TransportError{Op: op, Err: err, Permanent: errors.Is(err, amqp.ErrClosed)}
}
