package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/notegrade/notegrade/internal/bucket"
)

// EventKind names a payload variant.
type EventKind string

const (
	KindEvaluationRequested EventKind = "evaluation.requested"
	KindEvaluationCompleted EventKind = "evaluation.completed"
	KindEvaluationFailed    EventKind = "evaluation.failed"
	KindBucketChanged       EventKind = "bucket.changed"
	KindQualityAlert        EventKind = "quality.alert"
	KindSimilarityRequested EventKind = "similarity.requested"
	KindSimilarityComputed  EventKind = "similarity.computed"
)

// Payload is implemented only by the variants in this file.
type Payload interface {
	Kind() EventKind
	isPayload()
}

// EvaluationRequested asks a consumer to evaluate one candidate.
type EvaluationRequested struct {
	SpeakerID        string `json:"speaker_id"`
	ReferenceDraftID string `json:"reference_draft_id"`
	CandidateID      string `json:"candidate_id"`
	SessionID        string `json:"session_id,omitempty"`
}

// EvaluationCompleted reports a stored evaluation.
type EvaluationCompleted struct {
	EvaluationID       string        `json:"evaluation_id"`
	SpeakerID          string        `json:"speaker_id"`
	CandidateID        string        `json:"candidate_id"`
	SessionID          string        `json:"session_id,omitempty"`
	QualityScore       float64       `json:"quality_score"`
	ImprovementScore   float64       `json:"improvement_score"`
	BucketBefore       bucket.Bucket `json:"bucket_before"`
	BucketRecommended  bucket.Bucket `json:"bucket_recommended"`
	BucketChanged      bool          `json:"bucket_changed"`
	CriticalLowQuality bool          `json:"critical_low_quality"`
	AlreadyEvaluated   bool          `json:"already_evaluated,omitempty"`
}

// EvaluationFailed answers an EvaluationRequested that could not be served.
type EvaluationFailed struct {
	SpeakerID   string `json:"speaker_id"`
	CandidateID string `json:"candidate_id"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

// BucketChanged reports a speaker moving between buckets.
type BucketChanged struct {
	SpeakerID         string        `json:"speaker_id"`
	EvaluationID      string        `json:"evaluation_id"`
	From              bucket.Bucket `json:"from"`
	To                bucket.Bucket `json:"to"`
	Direction         string        `json:"direction"`
	BucketChangeCount int           `json:"bucket_change_count"`
}

// QualityAlert reports a critically low quality score.
type QualityAlert struct {
	SpeakerID    string  `json:"speaker_id"`
	EvaluationID string  `json:"evaluation_id"`
	QualityScore float64 `json:"quality_score"`
	Threshold    float64 `json:"threshold"`
}

// SimilarityRequested asks a remote model for the similarity of two texts.
type SimilarityRequested struct {
	TextA string `json:"text_a"`
	TextB string `json:"text_b"`
}

// SimilarityComputed answers SimilarityRequested. Error is set on failure.
type SimilarityComputed struct {
	Score float64 `json:"score"`
	Model string  `json:"model,omitempty"`
	Error string  `json:"error,omitempty"`
}

func (EvaluationRequested) Kind() EventKind { return KindEvaluationRequested }
func (EvaluationCompleted) Kind() EventKind { return KindEvaluationCompleted }
func (EvaluationFailed) Kind() EventKind    { return KindEvaluationFailed }
func (BucketChanged) Kind() EventKind       { return KindBucketChanged }
func (QualityAlert) Kind() EventKind        { return KindQualityAlert }
func (SimilarityRequested) Kind() EventKind { return KindSimilarityRequested }
func (SimilarityComputed) Kind() EventKind  { return KindSimilarityComputed }

func (EvaluationRequested) isPayload() {}
func (EvaluationCompleted) isPayload() {}
func (EvaluationFailed) isPayload()    {}
func (BucketChanged) isPayload()       {}
func (QualityAlert) isPayload()        {}
func (SimilarityRequested) isPayload() {}
func (SimilarityComputed) isPayload()  {}

// NewEvent wraps p in an envelope with a fresh ID.
func NewEvent(source string, p Payload) (Event, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", p.Kind(), err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      p.Kind(),
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Payload:   data,
	}, nil
}

// Reply builds the response to req, carrying its correlation ID.
func Reply(req Event, source string, p Payload) (Event, error) {
	e, err := NewEvent(source, p)
	if err != nil {
		return Event{}, err
	}
	e.CorrelationID = req.CorrelationID
	return e, nil
}

// Decode returns the typed payload of e.
func Decode(e Event) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch e.Type {
	case KindEvaluationRequested:
		p, err = decodeAs[EvaluationRequested](e.Payload)
	case KindEvaluationCompleted:
		p, err = decodeAs[EvaluationCompleted](e.Payload)
	case KindEvaluationFailed:
		p, err = decodeAs[EvaluationFailed](e.Payload)
	case KindBucketChanged:
		p, err = decodeAs[BucketChanged](e.Payload)
	case KindQualityAlert:
		p, err = decodeAs[QualityAlert](e.Payload)
	case KindSimilarityRequested:
		p, err = decodeAs[SimilarityRequested](e.Payload)
	case KindSimilarityComputed:
		p, err = decodeAs[SimilarityComputed](e.Payload)
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return p, nil
}

func decodeAs[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
