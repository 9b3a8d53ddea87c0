package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeBroker имитирует RabbitMQ: подключения, каналы, публикации и очереди.
type fakeBroker struct {
	mu sync.Mutex

	dialErrs    []error
	failAllDial error
	publishErrs []error
	nack        bool
	gate        chan struct{}

	dials     int
	conns     []*fakeConn
	published []published
	declared  map[string]int
	confirms  int
	inFlight  int
	maxFlight int
	consumers chan *fakeChannel
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		declared:  make(map[string]int),
		consumers: make(chan *fakeChannel, 8),
	}
}

func (b *fakeBroker) dial(string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failAllDial != nil {
		return nil, b.failAllDial
	}
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	conn := &fakeConn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) publishedMessages() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

func (b *fakeBroker) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

type fakeConn struct {
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.shutdown(nil)
	return nil
}

// drop имитирует обрыв соединения брокером.
func (c *fakeConn) drop() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})
}

func (c *fakeConn) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, n := range c.notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
}

type fakeChannel struct {
	conn *fakeConn

	mu         sync.Mutex
	closed     bool
	confirm    bool
	qos        int
	queue      string
	deliveries chan amqp.Delivery
}

func (ch *fakeChannel) Confirm(bool) error {
	ch.mu.Lock()
	ch.confirm = true
	ch.mu.Unlock()

	b := ch.conn.broker
	b.mu.Lock()
	b.confirms++
	b.mu.Unlock()
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if durable {
		b.declared[name]++
	}
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.qos = prefetchCount
	return nil
}

// Consume отдаёт собственный поток доставок канала; тест получает канал через broker.consumers.
func (ch *fakeChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	ch.queue = queue
	ch.deliveries = make(chan amqp.Delivery, 16)
	deliveries := ch.deliveries
	ch.mu.Unlock()

	ch.conn.broker.consumers <- ch
	return deliveries, nil
}

func (ch *fakeChannel) prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.qos
}

func (ch *fakeChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error) {
	b := ch.conn.broker

	b.mu.Lock()
	b.inFlight++
	b.maxFlight = max(b.maxFlight, b.inFlight)
	gate := b.gate
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-gate:
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.publishErrs) > 0 {
		err := b.publishErrs[0]
		b.publishErrs = b.publishErrs[1:]
		if err != nil {
			return false, err
		}
	}
	b.published = append(b.published, published{exchange: exchange, key: key, msg: msg})
	return !b.nack, nil
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	return nil
}

// fakeAck записывает подтверждения доставок.
type fakeAck struct {
	mu       sync.Mutex
	acks     []uint64
	rejects  []uint64
	nacks    []uint64
	requeued []bool
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	a.requeued = append(a.requeued, requeue)
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects = append(a.rejects, tag)
	if requeue {
		a.requeued = append(a.requeued, requeue)
	}
	return nil
}

func (a *fakeAck) settled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks) + len(a.rejects) + len(a.nacks)
}
