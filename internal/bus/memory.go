package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/notegrade/notegrade/internal/pkg/errors"
	"github.com/notegrade/notegrade/internal/pkg/logger"
)

// MemoryBus is an in-process event bus. Handlers run on their own goroutines.
type MemoryBus struct {
	mu         sync.RWMutex
	handlers   map[string][]Handler
	pending    map[string]chan Event
	closed     bool
	timeout    time.Duration
	inflightWg sync.WaitGroup
	log        *logger.Logger
}

// NewMemoryBus creates a new in-memory event bus. A nil logger discards.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Discard()
	}
	return &MemoryBus{
		handlers: make(map[string][]Handler),
		pending:  make(map[string]chan Event),
		timeout:  30 * time.Second,
		log:      log.WithComponent("bus"),
	}
}

// Publish fans event out to the topic's subscribers. Events on a response
// topic are also delivered to the Request waiting on their correlation ID.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	if strings.HasSuffix(topic, ".response") && event.CorrelationID != "" {
		if ch, ok := b.pending[event.CorrelationID]; ok {
			select {
			case ch <- event:
			default:
			}
		}
	}

	handlers := b.handlers[topic]
	for _, handler := range handlers {
		b.inflightWg.Add(1)
		go func(h Handler) {
			defer b.inflightWg.Done()
			if err := h(context.WithoutCancel(ctx), event); err != nil {
				b.log.Warn("Event handler failed", "topic", topic, "event_id", event.ID, "error", err)
			}
		}(handler)
	}

	return nil
}

// Subscribe registers a handler for events on a topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

// Request sends a request and waits for a response.
func (b *MemoryBus) Request(ctx context.Context, topic string, req Event) (Event, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = req.ID
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}, errors.New(errors.CodeUnavailable, "bus is closed")
	}
	responseChan := make(chan Event, 1)
	b.pending[req.CorrelationID] = responseChan
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.CorrelationID)
		b.mu.Unlock()
	}()

	if err := b.Publish(ctx, topic, req); err != nil {
		return Event{}, err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Event{}, errors.Wrap(errors.CodeTimeout, "request timeout", ctx.Err())
	case <-timer.C:
		return Event{}, errors.New(errors.CodeTimeout, "request timeout")
	case resp := <-responseChan:
		return resp, nil
	}
}

// Close closes the bus, waiting for in-flight handlers to complete.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if !b.DrainTimeout(10 * time.Second) {
		b.log.Warn("Event drain timeout reached, some handlers may not have completed")
	}

	b.mu.Lock()
	b.handlers = nil
	b.pending = nil
	b.mu.Unlock()

	return nil
}

// DrainTimeout waits for in-flight handlers to complete with custom timeout.
func (b *MemoryBus) DrainTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.inflightWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
