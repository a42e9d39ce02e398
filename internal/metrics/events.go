package metrics

import (
	"context"

	"github.com/notegrade/notegrade/internal/bus"
)

// EventSubscriber counts evaluation events seen on the bus. With a shared
// Kafka bus this gives each instance a view of traffic it did not produce.
type EventSubscriber struct {
	metrics *Metrics
	bus     bus.Bus
}

// NewEventSubscriber creates a new event subscriber.
func NewEventSubscriber(metrics *Metrics, eventBus bus.Bus) *EventSubscriber {
	return &EventSubscriber{
		metrics: metrics,
		bus:     eventBus,
	}
}

// SubscribeToEvents subscribes to every evaluation topic.
func (es *EventSubscriber) SubscribeToEvents(ctx context.Context) error {
	for _, topic := range []string{
		bus.TopicEvaluationRequested,
		bus.TopicEvaluationCompleted,
		bus.TopicBucketChanged,
		bus.TopicQualityAlert,
	} {
		if err := es.bus.Subscribe(ctx, topic, es.handle); err != nil {
			return err
		}
	}
	return nil
}

func (es *EventSubscriber) handle(ctx context.Context, event bus.Event) error {
	p, err := bus.Decode(event)
	if err != nil {
		es.metrics.BusEventsReceived.WithLabelValues("invalid").Inc()
		return err
	}

	es.metrics.BusEventsReceived.WithLabelValues(string(p.Kind())).Inc()

	switch v := p.(type) {
	case bus.EvaluationCompleted:
		if v.AlreadyEvaluated {
			es.metrics.BusEventsReceived.WithLabelValues("evaluation.duplicate").Inc()
		}
	case bus.EvaluationRequested, bus.EvaluationFailed, bus.BucketChanged, bus.QualityAlert,
		bus.SimilarityRequested, bus.SimilarityComputed:
	}
	return nil
}
