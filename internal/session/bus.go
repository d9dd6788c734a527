package session

import (
	"context"
	"fmt"
	"sync"

	list "github.com/bahlo/generic-list-go"
	"github.com/sirupsen/logrus"
	"github.com/srg/espsense/internal/groutine"
	"github.com/srg/espsense/internal/protocol"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type eventKind int

const (
	eventStateChanged eventKind = iota
	eventSensorReading
	eventCommandAcked
	eventError
)

type event struct {
	kind    eventKind
	state   State
	reading protocol.SensorReading
	cmd     protocol.Command
	err     error
}

// Bus fans session events out to subscribers.
//
// Every subscriber owns an unbounded FIFO mailbox drained by its own goroutine,
// so Publish never blocks on a slow observer and each observer sees events in
// publish order. Subscribers are notified in subscription order.
type Bus struct {
	logger *logrus.Logger

	mu     sync.Mutex
	subs   *orderedmap.OrderedMap[uint64, *mailbox]
	nextID uint64
	closed bool
	group  groutine.Group
}

// NewBus creates an empty bus.
func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		logger: logger,
		subs:   orderedmap.New[uint64, *mailbox](),
	}
}

// Subscribe registers an observer and returns the function that unsubscribes it.
// Unsubscribing stops delivery immediately; queued events are discarded.
func (b *Bus) Subscribe(o Observer) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.Warn("Subscribe called on a closed event bus")
		return func() {}
	}

	b.nextID++
	id := b.nextID
	m := &mailbox{
		observer: o,
		queue:    list.New[event](),
		signal:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		logger:   b.logger,
	}
	b.subs.Set(id, m)
	b.group.Go(context.Background(), fmt.Sprintf("event-bus-subscriber-%d", id), m.run)

	b.logger.WithField("subscriber", id).Debug("Observer subscribed")

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.subs.Delete(id)
			b.mu.Unlock()
			close(m.stop)
			b.logger.WithField("subscriber", id).Debug("Observer unsubscribed")
		})
	}
}

// Len returns the number of active subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs.Len()
}

// publish enqueues e for every subscriber. It never blocks on observers.
func (b *Bus) publish(e event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for pair := b.subs.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.push(e)
	}
}

// Close delivers every queued event, stops all subscriber goroutines and waits for them.
// It must not be called from an observer callback.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for pair := b.subs.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.drainAndStop()
	}
	b.subs = orderedmap.New[uint64, *mailbox]()
	b.mu.Unlock()

	b.group.Wait()
}

// mailbox is the per-subscriber queue
type mailbox struct {
	observer Observer
	logger   *logrus.Logger

	mu      sync.Mutex
	queue   *list.List[event]
	closing bool

	signal chan struct{}
	stop   chan struct{}
}

func (m *mailbox) push(e event) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.queue.PushBack(e)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drainAndStop() {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// next pops the oldest event. done is true once the mailbox is closing and empty.
func (m *mailbox) next() (e event, ok bool, done bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if front := m.queue.Front(); front != nil {
		return m.queue.Remove(front), true, false
	}
	return event{}, false, m.closing
}

func (m *mailbox) run(ctx context.Context) {
	for {
		select {
		case <-m.stop:
			return
		default:
		}

		e, ok, done := m.next()
		if done {
			return
		}
		if !ok {
			select {
			case <-m.signal:
			case <-m.stop:
				return
			}
			continue
		}
		m.deliver(ctx, e)
	}
}

func (m *mailbox) deliver(ctx context.Context, e event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"goroutine": groutine.GetName(ctx),
				"panic":     r,
			}).Error("Observer panicked while handling event")
		}
	}()

	switch e.kind {
	case eventStateChanged:
		m.observer.OnStateChanged(e.state)
	case eventSensorReading:
		m.observer.OnSensorReading(e.reading)
	case eventCommandAcked:
		m.observer.OnCommandAcked(e.cmd)
	case eventError:
		m.observer.OnError(e.err)
	}
}
