package evaluation

import (
	"github.com/notegrade/notegrade/internal/bucket"
	"github.com/notegrade/notegrade/internal/store"
)

// Request identifies one candidate note to evaluate.
type Request struct {
	SpeakerID        string `json:"speaker_id"`
	ReferenceDraftID string `json:"reference_draft_id"`
	CandidateID      string `json:"candidate_id"`
	SessionID        string `json:"session_id,omitempty"`
}

// Result is the outcome of Evaluate.
type Result struct {
	Evaluation    *store.Evaluation    `json:"evaluation"`
	SpeakerMetric *store.SpeakerMetric `json:"speaker_metric"`
	// AlreadyEvaluated is set when the (speaker, candidate) pair had been
	// evaluated before; Evaluation is the stored record, unchanged.
	AlreadyEvaluated bool `json:"already_evaluated"`
}

// Scores are the derived metrics of one reference/candidate pair.
type Scores struct {
	ReferenceWordCount int             `json:"reference_word_count"`
	CandidateWordCount int             `json:"candidate_word_count"`
	SentenceEditRate   float64         `json:"sentence_edit_rate"`
	WordErrorRate      float64         `json:"word_error_rate"`
	SemanticSimilarity float64         `json:"semantic_similarity"`
	QualityScore       float64         `json:"quality_score"`
	ImprovementScore   float64         `json:"improvement_score"`
	ExpansionRatio     float64         `json:"expansion_ratio"`
	WordEdits          store.EditCount `json:"word_edits"`
	BucketRecommended  bucket.Bucket   `json:"bucket_recommended"`
	CriticalLowQuality bool            `json:"critical_low_quality"`
	// Degenerate is set when the reference has no words.
	Degenerate bool `json:"degenerate,omitempty"`
}
