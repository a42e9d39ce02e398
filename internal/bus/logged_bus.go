package bus

import (
	"context"

	"github.com/notegrade/notegrade/internal/pkg/logger"
)

// LoggedBus records bus traffic in an EventLogger before delivering it. An
// event is written to the log even when the inner bus then fails to deliver
// it, so an evaluation request accepted by the process can be replayed.
type LoggedBus struct {
	inner  Bus
	events *EventLogger
	log    *logger.Logger
}

// NewLoggedBus wraps inner. Closing the LoggedBus closes events as well.
func NewLoggedBus(inner Bus, events *EventLogger, log *logger.Logger) *LoggedBus {
	if log == nil {
		log = logger.Default()
	}
	return &LoggedBus{inner: inner, events: events, log: log.WithComponent("event-log")}
}

// Publish records the event and delegates to the inner bus.
func (b *LoggedBus) Publish(ctx context.Context, topic string, event Event) error {
	b.record(ctx, topic, event)
	return b.inner.Publish(ctx, topic, event)
}

// Subscribe delegates to the inner bus. Delivered events were recorded by
// their publisher.
func (b *LoggedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.inner.Subscribe(ctx, topic, handler)
}

// Request records the request and, once it arrives, the reply on the
// response topic.
func (b *LoggedBus) Request(ctx context.Context, topic string, req Event) (Event, error) {
	b.record(ctx, topic, req)

	resp, err := b.inner.Request(ctx, topic, req)
	if err != nil {
		b.log.WithContext(ctx).Debug("Request got no reply",
			"topic", topic, "event_id", req.ID, "error", err)
		return resp, err
	}
	b.record(ctx, ResponseTopic(topic), resp)
	return resp, nil
}

// Close closes the event log, then the inner bus.
func (b *LoggedBus) Close() error {
	if err := b.events.Close(); err != nil {
		b.log.Warn("Failed to close event log", "error", err)
	}
	return b.inner.Close()
}

// record reports write failures to the process log and carries on.
func (b *LoggedBus) record(ctx context.Context, topic string, event Event) {
	if err := b.events.Log(topic, event); err != nil {
		log := b.log.WithContext(ctx)
		if speaker := speakerOf(event); speaker != "" {
			log = log.WithSpeaker(speaker)
		}
		log.Warn("Failed to record event",
			"topic", topic, "kind", event.Type, "event_id", event.ID, "error", err)
	}
}
