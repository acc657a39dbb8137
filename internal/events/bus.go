package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler receives one event.
type Handler func(Event)

// BatchHandler receives every event of one type flushed together.
type BatchHandler func([]Event)

// BatchConfig enables grouping of same-type events. A zero Window disables batching.
type BatchConfig struct {
	Window       time.Duration
	MaxBatchSize int
}

type subscription struct {
	id      uint64
	handler Handler
	batch   BatchHandler
}

// Bus is a synchronous publish/subscribe channel. Without batching, Publish
// delivers to every subscriber before it returns, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]subscription
	nextID   uint64
	logger   *zap.Logger

	batch     BatchConfig
	batchMu   sync.Mutex
	pending   map[Type][]Event
	typeOrder []Type
	timer     *time.Timer
	closed    bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBatching groups same-type events published within cfg.Window into one
// flush, bounded by cfg.MaxBatchSize.
func WithBatching(cfg BatchConfig) Option {
	return func(b *Bus) {
		if cfg.Window > 0 {
			if cfg.MaxBatchSize <= 0 {
				cfg.MaxBatchSize = 50
			}
			b.batch = cfg
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[Type][]subscription),
		pending:  make(map[Type][]Event),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for t, or for every type when t is Wildcard. The returned
// function removes the subscription.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	return b.add(t, subscription{handler: h})
}

// SubscribeBatch registers h to receive grouped events of type t. Without
// batching configured, every batch holds exactly one event.
func (b *Bus) SubscribeBatch(t Type, h BatchHandler) func() {
	return b.add(t, subscription{batch: h})
}

func (b *Bus) add(t Type, s subscription) func() {
	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.handlers[t] = append(b.handlers[t], s)
	count := len(b.handlers[t])
	b.mu.Unlock()

	b.logger.Debug("Event handler subscribed",
		zap.String("event_type", string(t)),
		zap.Int("total_handlers", count),
	)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(t, s.id) })
	}
}

func (b *Bus) remove(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[t]
	for i, s := range subs {
		if s.id == id {
			b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[t]) == 0 {
		delete(b.handlers, t)
	}
}

// Publish dispatches e. With batching configured, e is queued and delivered on
// the next flush.
func (b *Bus) Publish(e Event) {
	if b.batch.Window <= 0 {
		b.dispatch(e.Type, []Event{e})
		return
	}

	b.batchMu.Lock()
	if b.closed {
		b.batchMu.Unlock()
		b.dispatch(e.Type, []Event{e})
		return
	}
	if _, ok := b.pending[e.Type]; !ok {
		b.typeOrder = append(b.typeOrder, e.Type)
	}
	b.pending[e.Type] = append(b.pending[e.Type], e)

	var full []Event
	if len(b.pending[e.Type]) >= b.batch.MaxBatchSize {
		full = b.pending[e.Type]
		delete(b.pending, e.Type)
		b.typeOrder = removeType(b.typeOrder, e.Type)
	}
	if b.timer == nil && len(b.typeOrder) > 0 {
		b.timer = time.AfterFunc(b.batch.Window, b.Flush)
	}
	b.batchMu.Unlock()

	if full != nil {
		b.dispatch(e.Type, full)
	}
}

// Emit is shorthand for Publish(New(ns, payload)).
func (b *Bus) Emit(ns Namespace, payload Payload) {
	b.Publish(New(ns, payload))
}

// Flush delivers every queued batch now, oldest type first.
func (b *Bus) Flush() {
	b.batchMu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	order := b.typeOrder
	pending := b.pending
	b.typeOrder = nil
	b.pending = make(map[Type][]Event)
	b.batchMu.Unlock()

	for _, t := range order {
		b.dispatch(t, pending[t])
	}
}

// Close flushes queued events; later publishes are delivered immediately.
func (b *Bus) Close() {
	b.batchMu.Lock()
	b.closed = true
	b.batchMu.Unlock()
	b.Flush()
}

// HandlerCount returns the number of subscribers registered for t.
func (b *Bus) HandlerCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}

func (b *Bus) dispatch(t Type, batch []Event) {
	if len(batch) == 0 {
		return
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.handlers[t])+len(b.handlers[Wildcard]))
	subs = append(subs, b.handlers[t]...)
	subs = append(subs, b.handlers[Wildcard]...)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.batch != nil {
			b.safeCall(t, func() { s.batch(batch) })
			continue
		}
		for _, e := range batch {
			e := e
			b.safeCall(t, func() { s.handler(e) })
		}
	}
}

// safeCall keeps one failing subscriber from breaking delivery to the rest.
func (b *Bus) safeCall(t Type, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event_type", string(t)),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

func removeType(types []Type, t Type) []Type {
	for i, x := range types {
		if x == t {
			return append(types[:i], types[i+1:]...)
		}
	}
	return types
}
