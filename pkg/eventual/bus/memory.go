package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Published is one message written through MemoryChannel.PublishWithContext.
type Published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

type memBinding struct {
	exchange string
	key      string
	queue    string
}

type memQueue struct {
	name   string
	args   amqp.Table
	ready  []amqp.Delivery
	held   map[uint64]amqp.Delivery
	notify chan struct{}
	// consumed is set once a consumer is attached.
	consumed bool
}

// MemoryChannel is an in-process broker implementing Channel. It supports
// direct, fanout and topic exchanges, manual acknowledgement, and the
// dead-letter arguments the topology uses: x-message-ttl expiry and
// rejections forward to x-dead-letter-exchange under x-dead-letter-routing-key.
type MemoryChannel struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*memQueue
	bindings  []memBinding
	published []Published
	unacked   map[uint64]string
	timers    map[uint64]*time.Timer
	nextTag   uint64
	prefetch  int
	closed    bool
	done      chan struct{}
}

var _ Channel = (*MemoryChannel)(nil)
var _ amqp.Acknowledger = (*MemoryChannel)(nil)

// NewMemoryChannel creates an empty broker.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		exchanges: make(map[string]string),
		queues:    make(map[string]*memQueue),
		unacked:   make(map[uint64]string),
		timers:    make(map[uint64]*time.Timer),
		done:      make(chan struct{}),
	}
}

func (m *MemoryChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return amqp.ErrClosed
	}
	switch kind {
	case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic:
	default:
		return fmt.Errorf("exchange %s: unsupported kind %q", name, kind)
	}
	if existing, ok := m.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("exchange %s: declared as %s, not %s", name, existing, kind)
	}
	m.exchanges[name] = kind
	return nil
}

func (m *MemoryChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{
			name:   name,
			args:   args,
			held:   make(map[uint64]amqp.Delivery),
			notify: make(chan struct{}, 1),
		}
		m.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready) + len(q.held)}, nil
}

func (m *MemoryChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return amqp.ErrClosed
	}
	if _, ok := m.exchanges[exchange]; !ok {
		return fmt.Errorf("bind %s: no exchange %q", name, exchange)
	}
	if _, ok := m.queues[name]; !ok {
		return fmt.Errorf("bind %s: no such queue", name)
	}
	b := memBinding{exchange: exchange, key: key, queue: name}
	for _, existing := range m.bindings {
		if existing == b {
			return nil
		}
	}
	m.bindings = append(m.bindings, b)
	return nil
}

func (m *MemoryChannel) Qos(prefetchCount, _ int, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefetch = prefetchCount
	return nil
}

// PublishWithContext routes msg and records it for Published.
func (m *MemoryChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return amqp.ErrClosed
	}
	if _, ok := m.exchanges[exchange]; !ok {
		return fmt.Errorf("publish: no exchange %q", exchange)
	}
	msg.Headers = copyTable(msg.Headers)
	m.published = append(m.published, Published{Exchange: exchange, Key: key, Msg: msg})
	m.route(exchange, key, msg)
	return nil
}

// Consume attaches the single consumer a queue may have. Deliveries must be
// acknowledged through the Delivery's Ack, Nack or Reject.
func (m *MemoryChannel) Consume(queue, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, amqp.ErrClosed
	}
	if autoAck {
		return nil, fmt.Errorf("consume %s: auto-ack is not supported", queue)
	}
	q, ok := m.queues[queue]
	if !ok {
		return nil, fmt.Errorf("consume: no queue %q", queue)
	}
	if q.consumed {
		return nil, fmt.Errorf("consume %s: queue already has a consumer", queue)
	}
	q.consumed = true

	out := make(chan amqp.Delivery)
	go m.pump(q, consumer, out)
	return out, nil
}

// Close stops consumers and pending expiries.
func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return amqp.ErrClosed
	}
	m.closed = true
	close(m.done)
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	return nil
}

// Ack implements amqp.Acknowledger.
func (m *MemoryChannel) Ack(tag uint64, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, err := m.settle(tag)
	return err
}

// Nack implements amqp.Acknowledger.
func (m *MemoryChannel) Nack(tag uint64, _ bool, requeue bool) error {
	return m.reject(tag, requeue)
}

// Reject implements amqp.Acknowledger.
func (m *MemoryChannel) Reject(tag uint64, requeue bool) error {
	return m.reject(tag, requeue)
}

// Published returns every message published so far, in order.
func (m *MemoryChannel) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.published...)
}

// PublishedTo returns the messages published to exchange.
func (m *MemoryChannel) PublishedTo(exchange string) []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Published
	for _, p := range m.published {
		if p.Exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

// Messages returns the messages held by queue, whether ready, in flight or
// waiting to expire.
func (m *MemoryChannel) Messages(queue string) []amqp.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return nil
	}
	out := append([]amqp.Delivery(nil), q.ready...)
	for _, d := range q.held {
		out = append(out, d)
	}
	return out
}

// Unacked returns the number of delivered but unsettled messages.
func (m *MemoryChannel) Unacked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.unacked)
}

// Queue returns the declared arguments of queue.
func (m *MemoryChannel) Queue(name string) (amqp.Table, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, false
	}
	return q.args, true
}

// Bound reports whether queue is bound to exchange under key.
func (m *MemoryChannel) Bound(queue, exchange, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bindings {
		if b == (memBinding{exchange: exchange, key: key, queue: queue}) {
			return true
		}
	}
	return false
}

func (m *MemoryChannel) route(exchange, key string, msg amqp.Publishing) {
	kind := m.exchanges[exchange]
	for _, b := range m.bindings {
		if b.exchange != exchange {
			continue
		}
		var match bool
		switch kind {
		case amqp.ExchangeFanout:
			match = true
		case amqp.ExchangeDirect:
			match = b.key == key
		default:
			match = topicMatch(b.key, key)
		}
		if match {
			m.enqueue(m.queues[b.queue], exchange, key, msg)
		}
	}
}

func (m *MemoryChannel) enqueue(q *memQueue, exchange, key string, msg amqp.Publishing) {
	m.nextTag++
	d := amqp.Delivery{
		Acknowledger:  m,
		Headers:       copyTable(msg.Headers),
		ContentType:   msg.ContentType,
		DeliveryMode:  msg.DeliveryMode,
		CorrelationId: msg.CorrelationId,
		MessageId:     msg.MessageId,
		Timestamp:     msg.Timestamp,
		Type:          msg.Type,
		DeliveryTag:   m.nextTag,
		Exchange:      exchange,
		RoutingKey:    key,
		Body:          msg.Body,
	}

	if ttl, ok := ttlOf(q.args); ok {
		tag := d.DeliveryTag
		q.held[tag] = d
		m.timers[tag] = time.AfterFunc(ttl, func() { m.expire(q, tag) })
		return
	}

	q.ready = append(q.ready, d)
	q.wake()
}

func (q *memQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (m *MemoryChannel) expire(q *memQueue, tag uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	delete(m.timers, tag)
	d, ok := q.held[tag]
	if !ok {
		return
	}
	delete(q.held, tag)
	m.deadLetter(q, d)
}

// deadLetter forwards d per the queue's dead-letter arguments, or drops it.
func (m *MemoryChannel) deadLetter(q *memQueue, d amqp.Delivery) {
	exchange, _ := q.args["x-dead-letter-exchange"].(string)
	if _, ok := m.exchanges[exchange]; !ok {
		return
	}
	key := d.RoutingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok && k != "" {
		key = k
	}
	m.route(exchange, key, amqp.Publishing{
		Headers:       d.Headers,
		ContentType:   d.ContentType,
		DeliveryMode:  d.DeliveryMode,
		CorrelationId: d.CorrelationId,
		MessageId:     d.MessageId,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		Body:          d.Body,
	})
}

// settle removes an unacked delivery and wakes its queue's consumer.
func (m *MemoryChannel) settle(tag uint64) (*memQueue, amqp.Delivery, error) {
	if m.closed {
		return nil, amqp.Delivery{}, amqp.ErrClosed
	}
	name, ok := m.unacked[tag]
	if !ok {
		return nil, amqp.Delivery{}, fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(m.unacked, tag)
	q := m.queues[name]
	d := q.held[tag]
	delete(q.held, tag)
	q.wake()
	return q, d, nil
}

func (m *MemoryChannel) reject(tag uint64, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, d, err := m.settle(tag)
	if err != nil {
		return err
	}
	if requeue {
		d.Redelivered = true
		q.ready = append([]amqp.Delivery{d}, q.ready...)
		return nil
	}
	m.deadLetter(q, d)
	return nil
}

// next pops the next ready delivery of q and marks it unacked.
func (m *MemoryChannel) next(q *memQueue, consumer string) (amqp.Delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(q.ready) == 0 || (m.prefetch > 0 && m.inFlight(q) >= m.prefetch) {
		return amqp.Delivery{}, false
	}
	d := q.ready[0]
	q.ready = q.ready[1:]
	d.ConsumerTag = consumer
	q.held[d.DeliveryTag] = d
	m.unacked[d.DeliveryTag] = q.name
	return d, true
}

func (m *MemoryChannel) inFlight(q *memQueue) int {
	n := 0
	for _, name := range m.unacked {
		if name == q.name {
			n++
		}
	}
	return n
}

func (m *MemoryChannel) pump(q *memQueue, consumer string, out chan<- amqp.Delivery) {
	defer close(out)
	for {
		d, ok := m.next(q, consumer)
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-m.done:
				return
			}
		}
		select {
		case out <- d:
		case <-m.done:
			return
		}
	}
}

func ttlOf(args amqp.Table) (time.Duration, bool) {
	switch v := args["x-message-ttl"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case int32:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	default:
		return 0, false
	}
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// topicMatch matches an AMQP topic binding pattern against a routing key.
// "*" matches one word and "#" matches zero or more.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}
