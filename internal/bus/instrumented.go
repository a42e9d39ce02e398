package bus

import (
	"context"
	"fmt"
	"time"
)

// MetricsRecorder records bus traffic. Implemented by the metrics package.
type MetricsRecorder interface {
	RecordBusPublish(topic, kind string, latency time.Duration, err error)
}

// InstrumentedBus records latency and outcome of every publish and request,
// labelled by topic and event kind.
type InstrumentedBus struct {
	inner   Bus
	metrics MetricsRecorder
}

// NewInstrumentedBus wraps inner. A nil recorder disables recording.
func NewInstrumentedBus(inner Bus, metrics MetricsRecorder) *InstrumentedBus {
	return &InstrumentedBus{inner: inner, metrics: metrics}
}

// Publish delegates to the inner bus and records the publish.
func (b *InstrumentedBus) Publish(ctx context.Context, topic string, event Event) error {
	start := time.Now()
	err := b.inner.Publish(ctx, topic, event)
	b.observe(topic, event.Type, start, err)
	return err
}

// Subscribe delegates to the inner bus.
func (b *InstrumentedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.inner.Subscribe(ctx, topic, handler)
}

// Request records the full round trip under the request topic. A reply
// carrying EvaluationFailed or a similarity error counts as an error.
func (b *InstrumentedBus) Request(ctx context.Context, topic string, req Event) (Event, error) {
	start := time.Now()
	resp, err := b.inner.Request(ctx, topic, req)
	outcome := err
	if outcome == nil {
		outcome = failedReply(resp)
	}
	b.observe(topic, req.Type, start, outcome)
	return resp, err
}

// Close closes the underlying bus.
func (b *InstrumentedBus) Close() error {
	return b.inner.Close()
}

func (b *InstrumentedBus) observe(topic string, kind EventKind, start time.Time, err error) {
	if b.metrics == nil {
		return
	}
	b.metrics.RecordBusPublish(topic, string(kind), time.Since(start), err)
}

// failedReply returns the failure a reply reports, if any.
func failedReply(resp Event) error {
	p, err := Decode(resp)
	if err != nil {
		return err
	}
	switch v := p.(type) {
	case EvaluationFailed:
		return fmt.Errorf("%s: %s", v.Code, v.Message)
	case SimilarityComputed:
		if v.Error != "" {
			return fmt.Errorf("similarity: %s", v.Error)
		}
	}
	return nil
}
