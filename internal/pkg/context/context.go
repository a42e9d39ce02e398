// Package context carries request-scoped identifiers through context.Context.
package context

import (
	"context"
)

type contextKey string

const (
	// RequestIDKey is the context key for the request ID.
	RequestIDKey contextKey = "request_id"

	// SpeakerIDKey is the context key for the speaker being evaluated.
	SpeakerIDKey contextKey = "speaker_id"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithSpeakerID adds a speaker ID to the context.
func WithSpeakerID(ctx context.Context, speakerID string) context.Context {
	return context.WithValue(ctx, SpeakerIDKey, speakerID)
}

// GetSpeakerID retrieves the speaker ID from context.
func GetSpeakerID(ctx context.Context) string {
	if id, ok := ctx.Value(SpeakerIDKey).(string); ok {
		return id
	}
	return ""
}
