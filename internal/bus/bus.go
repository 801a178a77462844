// Package bus provides in-process event fan-out plus an optional external
// backplane mirror.
//
// Topics are task ids; the wildcard topic "*" receives every event.
// Delivery is best-effort: within one task id events reach each subscriber
// in emission order, but a subscriber that cannot keep up is dropped, never
// blocked. Publishers (dispatcher, tailer, scheduler, reconciler) must not
// stall on slow consumers.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"crawlplane/internal/logging"
	"crawlplane/internal/model"
)

// Wildcard subscribes to events for every task.
const Wildcard = "*"

// Backplane mirrors events to an external transport so several gateway
// instances can fan out regardless of which one owns a task.
type Backplane interface {
	// Publish mirrors one event outward. Must not block on a slow broker.
	Publish(ctx context.Context, ev model.Event) error
	// Run consumes mirrored events from other instances and hands them to
	// deliver until ctx is done.
	Run(ctx context.Context, deliver func(model.Event)) error
	// Close releases the transport.
	Close() error
}

type subscriber struct {
	id    int
	topic string
	ch    chan model.Event
}

// Bus is the in-process event hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*subscriber
	nextID int
	closed bool

	backplane Backplane
	logger    *slog.Logger
}

// Option configures the bus.
type Option func(*Bus)

// WithBackplane mirrors every locally published event onto bp.
func WithBackplane(bp Backplane) Option {
	return func(b *Bus) { b.backplane = bp }
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]map[int]*subscriber),
		logger: logging.Default(logger).With("component", "bus"),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscription is one subscriber's event feed. Close it when done; the
// bus also closes C when the subscriber falls behind.
type Subscription struct {
	C    <-chan model.Event
	bus  *Bus
	sub  *subscriber
	once sync.Once
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.sub)
	})
}

// Subscribe registers for events on the given topic (a task id, or
// Wildcard for all tasks). buf is the subscriber's channel capacity; a
// subscriber whose buffer overflows is dropped.
func (b *Bus) Subscribe(topic string, buf int) *Subscription {
	if buf < 1 {
		buf = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{id: b.nextID, topic: topic, ch: make(chan model.Event, buf)}
	if b.closed {
		close(sub.ch)
		return &Subscription{C: sub.ch, bus: b, sub: sub}
	}
	byID, ok := b.subs[topic]
	if !ok {
		byID = make(map[int]*subscriber)
		b.subs[topic] = byID
	}
	byID[sub.id] = sub
	return &Subscription{C: sub.ch, bus: b, sub: sub}
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byID, ok := b.subs[sub.topic]
	if !ok {
		return
	}
	if _, ok := byID[sub.id]; !ok {
		return
	}
	delete(byID, sub.id)
	if len(byID) == 0 {
		delete(b.subs, sub.topic)
	}
	close(sub.ch)
}

// Publish delivers an event to local subscribers and mirrors it to the
// backplane when one is configured.
func (b *Bus) Publish(ctx context.Context, ev model.Event) {
	b.deliver(ev)
	if b.backplane != nil {
		if err := b.backplane.Publish(ctx, ev); err != nil {
			b.logger.Warn("backplane publish failed", "kind", ev.Kind, "task_id", ev.TaskID, "error", err)
		}
	}
}

// DeliverRemote injects an event received from the backplane into local
// subscribers only. It never re-mirrors, so events cannot loop.
func (b *Bus) DeliverRemote(ev model.Event) {
	b.deliver(ev)
}

func (b *Bus) deliver(ev model.Event) {
	b.mu.RLock()
	var dropped []*subscriber
	for _, topic := range []string{ev.TaskID, Wildcard} {
		if topic == "" {
			continue
		}
		for _, sub := range b.subs[topic] {
			select {
			case sub.ch <- ev:
			default:
				dropped = append(dropped, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range dropped {
		b.logger.Warn("dropping slow subscriber", "topic", sub.topic)
		b.remove(sub)
	}
}

// Close detaches all subscribers and closes the backplane.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	for _, byID := range b.subs {
		for _, sub := range byID {
			close(sub.ch)
		}
	}
	b.subs = make(map[string]map[int]*subscriber)
	b.mu.Unlock()

	if b.backplane != nil {
		return b.backplane.Close()
	}
	return nil
}
