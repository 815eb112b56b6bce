// Package bus publishes integration events to a RabbitMQ topic exchange and
// consumes them with at-least-once semantics.
//
// Every subscribed event type gets a main queue bound to the primary exchange
// under the event type name, a dead-letter queue bound to the dead-letter
// exchange, and one retry queue per step of the retry ladder. Retry queues hold
// a message for their ladder delay and then forward it back to the primary
// exchange, which redelivers it to the main queue.
//
// A failed delivery is always acknowledged first and then escalated: it is
// republished to the next retry queue with an incremented x-retry-count header,
// or, once the ladder is exhausted, to the dead-letter exchange with an
// x-final-error header.
//
// The Client talks to a Channel. *amqp.Channel satisfies it directly, and
// MemoryChannel emulates the subset of broker behavior the client relies on.
package bus
