// Package bus carries evaluation events between services. Event payloads are
// a closed set of variants, one per EventKind; see events.go.
package bus

import (
	"context"
	"encoding/json"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Request publishes req and waits for the event published on
	// topic+".response" with the same correlation ID.
	Request(ctx context.Context, topic string, req Event) (Event, error)

	// Close closes the bus and releases resources.
	Close() error
}

// Event is the envelope every bus message travels in.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the payload kind.
	Type EventKind `json:"type"`

	// Source is the service that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created, in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// CorrelationID links a request to its response.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload is the JSON encoding of the variant named by Type.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Topics.
const (
	TopicEvaluationRequested = "evaluation.requested"
	TopicEvaluationCompleted = "evaluation.completed"
	TopicBucketChanged       = "bucket.changed"
	TopicQualityAlert        = "quality.alert"
	TopicSimilarityRequested = "similarity.requested"
)

// ResponseTopic returns the reply topic for a request topic.
func ResponseTopic(topic string) string {
	return topic + ".response"
}
