package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/notegrade/notegrade/internal/pkg/errors"
)

// LoggedEvent is one line of the event log. SpeakerID is copied out of the
// payload when it names one so the log can be filtered without decoding.
type LoggedEvent struct {
	Event     Event     `json:"event"`
	Topic     string    `json:"topic"`
	SpeakerID string    `json:"speaker_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter selects logged events. Zero fields match everything; a
// positive Limit caps the number returned.
type EventFilter struct {
	Since     time.Time
	Topic     string
	SpeakerID string
	Limit     int
}

func (f EventFilter) match(le LoggedEvent) bool {
	if !le.Timestamp.After(f.Since) {
		return false
	}
	if f.Topic != "" && le.Topic != f.Topic {
		return false
	}
	return f.SpeakerID == "" || le.SpeakerID == f.SpeakerID
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// EventLogger appends bus traffic to a JSON-lines file. The file is the
// audit trail of evaluations and the source for replay.
type EventLogger struct {
	path    string
	mu      sync.Mutex
	file    *os.File
	enabled bool
	enc     *json.Encoder
}

// NewEventLogger opens (or creates) the log at path. A disabled logger
// accepts writes and drops them.
func NewEventLogger(path string, enabled bool) (*EventLogger, error) {
	l := &EventLogger{path: path, enabled: enabled}
	if !enabled {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l.file = file
	l.enc = json.NewEncoder(file)
	return l, nil
}

// Log appends event under topic and syncs the file, so an acknowledged
// evaluation request survives a crash.
func (l *EventLogger) Log(topic string, event Event) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New(errors.CodeInternal, "event log is closed")
	}

	le := LoggedEvent{
		Event:     event,
		Topic:     topic,
		SpeakerID: speakerOf(event),
		Timestamp: time.Now(),
	}
	if err := l.enc.Encode(le); err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	return nil
}

// Events returns the logged events matching f, oldest first. Malformed
// lines are skipped.
func (l *EventLogger) Events(f EventFilter) ([]LoggedEvent, error) {
	if !l.enabled {
		return nil, errors.New(errors.CodeUnavailable, "event logging is disabled")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []LoggedEvent{}, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	// Evaluation and similarity events can carry both draft texts.
	const maxLine = 1 << 20
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64<<10), maxLine)

	events := []LoggedEvent{}
	for scanner.Scan() {
		var le LoggedEvent
		if err := json.Unmarshal(scanner.Bytes(), &le); err != nil {
			continue
		}
		if !f.match(le) {
			continue
		}
		events = append(events, le)
		if f.Limit > 0 && len(events) >= f.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}
	return events, nil
}

// Replay hands every event matching f to handle, one at a time and in log
// order. Each call returns before the next event is delivered, so events for
// one speaker are processed in the order they were logged. A handler error
// is counted and replay continues; only ctx stops it early.
func (l *EventLogger) Replay(ctx context.Context, f EventFilter, handle Handler) (ReplayStats, error) {
	var stats ReplayStats

	events, err := l.Events(f)
	if err != nil {
		return stats, fmt.Errorf("failed to read events: %w", err)
	}

	for _, le := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := handle(ctx, le.Event); err != nil {
			stats.Failed++
			continue
		}
		stats.Delivered++
	}
	return stats, nil
}

// Close closes the log file.
func (l *EventLogger) Close() error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.enc = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// IsEnabled reports whether events are written.
func (l *EventLogger) IsEnabled() bool {
	return l.enabled
}

// speakerOf returns the speaker an event concerns, or "" for similarity
// traffic and undecodable payloads.
func speakerOf(e Event) string {
	p, err := Decode(e)
	if err != nil {
		return ""
	}
	switch v := p.(type) {
	case EvaluationRequested:
		return v.SpeakerID
	case EvaluationCompleted:
		return v.SpeakerID
	case EvaluationFailed:
		return v.SpeakerID
	case BucketChanged:
		return v.SpeakerID
	case QualityAlert:
		return v.SpeakerID
	default:
		return ""
	}
}
