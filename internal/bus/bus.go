// Package bus is a process-local typed publish/subscribe hub. Each
// subscriber owns an independent bounded queue; Publish never blocks the
// producer — an overflowing queue drops its oldest entry and counts it.
package bus

import (
	"sync"

	"github.com/battery-hawk/corewatch/internal/metrics"
)

// Topic names one of the event channels enumerated in the orchestrator's
// contract.
type Topic string

const (
	TopicDeviceDiscovered  Topic = "device.discovered"
	TopicDeviceReading     Topic = "device.reading"
	TopicDeviceStatus      Topic = "device.status"
	TopicDeviceConnection  Topic = "device.connection"
	TopicVehicleAssociated Topic = "vehicle.associated"
	TopicVehicleSummary    Topic = "vehicle.summary"
	TopicSystemShutdown    Topic = "system.shutdown"
	TopicPollSkipped       Topic = "scheduler.poll_skipped"
	TopicPollCancelled     Topic = "scheduler.poll_cancelled"
)

const defaultQueueCap = 256

// Event is one published message: Topic plus an opaque, topic-specific
// payload.
type Event struct {
	Topic   Topic
	Payload any
}

// Handler receives events delivered to one subscription, in publish
// order for that subscriber.
type Handler func(Event)

// subscriber is a bounded, mutex-guarded queue drained by one
// dispatcher goroutine. A plain buffered channel can't express
// drop-oldest-on-overflow directly (a full channel either blocks the
// sender or the item is simply not sent), so the queue is a slice: when
// it is full, enqueue drops the front (oldest) element, and the
// dispatcher pops from the front.
type subscriber struct {
	id      uint64
	topic   Topic
	handler Handler

	mu       sync.Mutex
	queue    []Event
	cap      int
	notify   chan struct{}
	overflow uint64

	closeOnce sync.Once
	done      chan struct{}
}

func newSubscriber(id uint64, topic Topic, handler Handler, cap int) *subscriber {
	if cap <= 0 {
		cap = defaultQueueCap
	}
	s := &subscriber{
		id:      id,
		topic:   topic,
		handler: handler,
		cap:     cap,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.dispatch()
	return s
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if len(s.queue) >= s.cap {
		s.queue = s.queue[1:]
		s.overflow++
		metrics.BusOverflowTotal.Inc()
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) dispatch() {
	for {
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.handler(ev)
		}
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *subscriber) overflowCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflow
}

func (s *subscriber) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Subscription is a handle returned by Subscribe; pass it to Unsubscribe.
type Subscription struct {
	topic Topic
	id    uint64
}

// Stats summarizes one subscriber's queue health.
type Stats struct {
	Topic      Topic
	QueueDepth int
	Overflow   uint64
}

// Bus is the multi-producer/multi-subscriber hub. The zero value is not
// usable; construct with New.
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[Topic]map[uint64]*subscriber
	defaultCap int
}

// New builds an empty Bus. defaultQueueCap overrides the default
// per-subscriber queue depth (256) when > 0.
func New(defaultQueueCap int) *Bus {
	if defaultQueueCap <= 0 {
		defaultQueueCap = 256
	}
	return &Bus{subs: make(map[Topic]map[uint64]*subscriber), defaultCap: defaultQueueCap}
}

// Subscribe registers handler for topic and returns a Subscription usable
// with Unsubscribe.
func (b *Bus) Subscribe(topic Topic, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	s := newSubscriber(id, topic, handler, b.defaultCap)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}
	b.subs[topic][id] = s
	return Subscription{topic: topic, id: id}
}

// Unsubscribe removes sub. It is idempotent: unsubscribing twice, or an
// unknown subscription, is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subs[sub.topic]
	if !ok {
		return
	}
	if s, ok := m[sub.id]; ok {
		s.close()
		delete(m, sub.id)
	}
}

// Publish fans ev out to every subscriber of ev.Topic. It never blocks:
// a full subscriber queue drops its oldest entry instead.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs[ev.Topic]))
	for _, s := range b.subs[ev.Topic] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
}

// Stats reports queue depth and overflow count per subscriber of topic.
func (b *Bus) Stats(topic Topic) []Stats {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	out := make([]Stats, 0, len(subs))
	for _, s := range subs {
		out = append(out, Stats{Topic: topic, QueueDepth: s.queueLen(), Overflow: s.overflowCount()})
	}
	return out
}

// TotalOverflow sums the overflow counter across every subscriber of
// every topic — exposed through the core's health surface.
func (b *Bus) TotalOverflow() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total uint64
	for _, m := range b.subs {
		for _, s := range m {
			total += s.overflowCount()
		}
	}
	return total
}
