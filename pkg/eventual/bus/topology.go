package bus

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const exchangeKind = "topic"

// ExchangeNames names the three topic exchanges.
type ExchangeNames struct {
	Primary    string
	DeadLetter string
	Retry      string
}

// DefaultExchanges returns the exchange names used when none are configured.
func DefaultExchanges() ExchangeNames {
	return ExchangeNames{
		Primary:    "eventual.events.exchange",
		DeadLetter: "eventual.events.dlx",
		Retry:      "eventual.events.retry",
	}
}

// Queues names every queue declared for one event type.
type Queues struct {
	Main       string
	DeadLetter string
	// Retry holds one queue per ladder step; Retry[0] is position 1.
	Retry []string
}

// Topology derives and declares broker objects. It holds names only.
type Topology struct {
	Service   string
	Exchanges ExchangeNames
	Ladder    Ladder
}

// QueuesFor returns the queue names for eventType.
func (t Topology) QueuesFor(eventType string) Queues {
	main := fmt.Sprintf("%s_%s_queue", t.Service, eventType)
	q := Queues{
		Main:       main,
		DeadLetter: main + ".dead-letter",
		Retry:      make([]string, t.Ladder.MaxAttempts()),
	}
	for i := range q.Retry {
		q.Retry[i] = fmt.Sprintf("%s.retry.%d", main, i+1)
	}
	return q
}

// RetryRoutingKey is the retry exchange routing key for a 1-based ladder position.
func RetryRoutingKey(eventType string, position int) string {
	return fmt.Sprintf("%s.retry.%d", eventType, position)
}

// DeclareExchanges declares the primary, dead-letter and retry exchanges.
func (t Topology) DeclareExchanges(ch Channel) error {
	for _, name := range []string{t.Exchanges.Primary, t.Exchanges.DeadLetter, t.Exchanges.Retry} {
		if err := ch.ExchangeDeclare(name, exchangeKind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	return nil
}

// DeclareQueues declares and binds the main, dead-letter and retry queues for
// eventType. Declarations are idempotent on the broker.
func (t Topology) DeclareQueues(ch Channel, eventType string) (Queues, error) {
	q := t.QueuesFor(eventType)

	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    t.Exchanges.DeadLetter,
		"x-dead-letter-routing-key": eventType,
	}
	if err := declareBound(ch, q.Main, mainArgs, t.Exchanges.Primary, eventType); err != nil {
		return Queues{}, err
	}
	if err := declareBound(ch, q.DeadLetter, nil, t.Exchanges.DeadLetter, eventType); err != nil {
		return Queues{}, err
	}

	for i, name := range q.Retry {
		ttl := t.Ladder.Delays[i].Milliseconds()
		if ttl <= 0 {
			ttl = 1
		}
		args := amqp.Table{
			"x-message-ttl":             ttl,
			"x-dead-letter-exchange":    t.Exchanges.Primary,
			"x-dead-letter-routing-key": eventType,
		}
		if err := declareBound(ch, name, args, t.Exchanges.Retry, RetryRoutingKey(eventType, i+1)); err != nil {
			return Queues{}, err
		}
	}
	return q, nil
}

func declareBound(ch Channel, queue string, args amqp.Table, exchange, key string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", queue, exchange, err)
	}
	return nil
}
