package store

import (
	"slices"
	"time"

	"github.com/notegrade/notegrade/internal/bucket"
)

// Evaluation is one immutable comparison of a candidate note against its
// reference draft. At most one exists per (SpeakerID, CandidateID).
type Evaluation struct {
	ID               string `json:"evaluation_id"`
	SpeakerID        string `json:"speaker_id"`
	ReferenceDraftID string `json:"reference_draft_id"`
	CandidateID      string `json:"candidate_id"`
	SessionID        string `json:"session_id,omitempty"`

	ReferenceText              string  `json:"reference_text"`
	CandidateText              string  `json:"candidate_text"`
	ReferenceWordCount         int     `json:"reference_word_count"`
	CandidateWordCount         int     `json:"candidate_word_count"`
	CandidateReportedWordCount int     `json:"candidate_reported_word_count,omitempty"`
	CandidateConfidence        float64 `json:"candidate_confidence,omitempty"`

	SentenceEditRate   float64   `json:"sentence_edit_rate"`
	WordErrorRate      float64   `json:"word_error_rate"`
	SemanticSimilarity float64   `json:"semantic_similarity"`
	QualityScore       float64   `json:"quality_score"`
	ImprovementScore   float64   `json:"improvement_score"`
	ExpansionRatio     float64   `json:"expansion_ratio"`
	WordEdits          EditCount `json:"word_edits"`

	BucketBefore       bucket.Bucket `json:"bucket_before"`
	BucketRecommended  bucket.Bucket `json:"bucket_recommended"`
	BucketChanged      bool          `json:"bucket_changed"`
	CriticalLowQuality bool          `json:"critical_low_quality"`
	// Degenerate marks a reference without words; ImprovementScore is 0.
	Degenerate bool `json:"degenerate,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// EditCount is the word-level edit breakdown.
type EditCount struct {
	Substitutions int `json:"substitutions"`
	Insertions    int `json:"insertions"`
	Deletions     int `json:"deletions"`
}

// Clone returns a copy of e.
func (e *Evaluation) Clone() *Evaluation {
	c := *e
	return &c
}

// SpeakerMetric is the running aggregate of all evaluations of one speaker.
type SpeakerMetric struct {
	SpeakerID             string        `json:"speaker_id"`
	TotalEvaluations      int           `json:"total_evaluations"`
	AvgQualityScore       float64       `json:"avg_quality_score"`
	AvgImprovementScore   float64       `json:"avg_improvement_score"`
	AvgSemanticSimilarity float64       `json:"avg_semantic_similarity"`
	AvgSentenceEditRate   float64       `json:"avg_sentence_edit_rate"`
	AvgWordErrorRate      float64       `json:"avg_word_error_rate"`
	CurrentBucket         bucket.Bucket `json:"current_bucket"`
	BucketChangeCount     int           `json:"bucket_change_count"`
	// Trend holds the most recent quality scores, oldest first.
	Trend     []float64 `json:"trend"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of m.
func (m *SpeakerMetric) Clone() *SpeakerMetric {
	c := *m
	c.Trend = slices.Clone(m.Trend)
	if c.Trend == nil {
		c.Trend = []float64{}
	}
	return &c
}

// OverallMetrics is the cross-speaker rollup.
type OverallMetrics struct {
	TotalEvaluations    int                   `json:"total_evaluations"`
	TotalSpeakers       int                   `json:"total_speakers"`
	AvgQualityScore     float64               `json:"avg_quality_score"`
	AvgImprovementScore float64               `json:"avg_improvement_score"`
	BucketDistribution  map[bucket.Bucket]int `json:"bucket_distribution"`
}
