// Package events is the in-process outbound boundary between the compliance
// path and its observers. Publish never blocks; a full queue drops the event.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultQueueSize = 256
	defaultWorkers   = 2

	// AnyType subscribes a handler to every event type.
	AnyType = "*"
)

type Event struct {
	ID         string
	Type       string
	ResourceID string
	ActorID    string
	At         string
	Data       any
}

type Handler func(ctx context.Context, evt Event) error

// BusOption customizes Bus construction.
type BusOption func(*Bus)

func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func WithWorkers(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.workers = n
		}
	}
}

func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// Bus fans events out to subscribers from a bounded queue drained by a fixed
// set of workers. Handler errors and panics are logged and never reach the
// publisher.
type Bus struct {
	queueSize int
	workers   int
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[string][]Handler
	queue    chan Event
	closed   bool
	wg       sync.WaitGroup
	dropped  atomic.Int64
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		queueSize: defaultQueueSize,
		workers:   defaultWorkers,
		logger:    slog.Default(),
		now:       time.Now,
		handlers:  map[string][]Handler{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.queue = make(chan Event, b.queueSize)
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.work()
	}
	return b
}

// Subscribe registers h for eventType, or for everything with AnyType.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish enqueues evt and reports whether it was accepted. It returns false
// when the queue is full or the bus is closed.
func (b *Bus) Publish(evt Event) bool {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At == "" {
		evt.At = b.now().UTC().Format(time.RFC3339)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.drop(evt, "bus closed")
		return false
	}
	select {
	case b.queue <- evt:
		return true
	default:
		b.drop(evt, "queue full")
		return false
	}
}

// Dropped counts events rejected by Publish.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits until queued ones are handled.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) drop(evt Event, reason string) {
	b.dropped.Add(1)
	b.logger.Warn("event dropped", "reason", reason, "type", evt.Type, "resource_id", evt.ResourceID, "limit", b.queueSize)
}

func (b *Bus) work() {
	defer b.wg.Done()
	for evt := range b.queue {
		for _, h := range b.subscribers(evt.Type) {
			b.dispatch(h, evt)
		}
	}
}

func (b *Bus) subscribers(eventType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, 0, len(b.handlers[eventType])+len(b.handlers[AnyType]))
	out = append(out, b.handlers[eventType]...)
	if eventType != AnyType {
		out = append(out, b.handlers[AnyType]...)
	}
	return out
}

func (b *Bus) dispatch(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", evt.Type, "event_id", evt.ID, "panic", fmt.Sprint(r))
		}
	}()
	if err := h(context.Background(), evt); err != nil {
		b.logger.Error("event handler failed", "type", evt.Type, "event_id", evt.ID, "err", err)
	}
}
