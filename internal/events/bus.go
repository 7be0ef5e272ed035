package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var busPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "paymeter",
	Subsystem: "events",
	Name:      "published_total",
	Help:      "Events published to the in-process bus by kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(busPublished)
}

// Handler receives a published event. Handlers must not block for long;
// slow consumers should buffer internally.
type Handler func(ctx context.Context, ev Event)

// TopicAll subscribes a handler to every event regardless of topic.
const TopicAll = "*"

// Bus is an in-memory pub/sub bus. Subscribers register for a topic
// ("merchant:<id>", "user:<id>", or TopicAll); Publish delivers each event
// to every matching handler exactly once.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
	logger   *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string]map[int]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a topic and returns an unsubscribe func.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	b.handlers[topic][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
		if len(b.handlers[topic]) == 0 {
			delete(b.handlers, topic)
		}
	}
}

// Publish delivers ev to all handlers subscribed to any of its topics or to
// TopicAll. Handlers run asynchronously; a panicking handler is logged and
// never takes the publisher down.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	busPublished.WithLabelValues(string(ev.Kind)).Inc()

	for id, h := range b.match(ev) {
		go b.safeCall(ctx, ev, id, h)
	}
}

// PublishSync is like Publish but waits for all handlers to return.
// Used in tests and shutdown paths that need deterministic delivery.
func (b *Bus) PublishSync(ctx context.Context, ev Event) {
	busPublished.WithLabelValues(string(ev.Kind)).Inc()

	var wg sync.WaitGroup
	for id, h := range b.match(ev) {
		wg.Add(1)
		go func(id int, h Handler) {
			defer wg.Done()
			b.safeCall(ctx, ev, id, h)
		}(id, h)
	}
	wg.Wait()
}

// match collects the handlers for ev, deduplicated by registration ID so a
// handler subscribed to TopicAll fires once even when both topics match.
func (b *Bus) match(ev Event) map[int]Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[int]Handler)
	for _, topic := range ev.Topics() {
		for id, h := range b.handlers[topic] {
			out[id] = h
		}
	}
	for id, h := range b.handlers[TopicAll] {
		out[id] = h
	}
	return out
}

func (b *Bus) safeCall(ctx context.Context, ev Event, id int, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_id", ev.ID,
				"kind", ev.Kind,
				"handler", id,
				"panic", r,
			)
		}
	}()
	h(ctx, ev)
}
