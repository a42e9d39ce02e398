package evaluation

import (
	"time"

	"github.com/notegrade/notegrade/internal/store"
)

// DefaultTrendCap is the number of recent quality scores kept per speaker.
const DefaultTrendCap = 20

// Apply folds e into prev and returns the new aggregate. prev may be nil for
// a speaker's first evaluation. prev is not modified.
//
// Averages use the incremental mean new = old + (v - old) / n, which stays
// equal to the arithmetic mean of all folded values.
func Apply(prev *store.SpeakerMetric, e *store.Evaluation, trendCap int, now time.Time) *store.SpeakerMetric {
	if trendCap < 1 {
		trendCap = DefaultTrendCap
	}

	var m *store.SpeakerMetric
	if prev == nil {
		m = &store.SpeakerMetric{
			SpeakerID: e.SpeakerID,
			Trend:     []float64{},
			CreatedAt: now,
		}
	} else {
		m = prev.Clone()
	}

	m.TotalEvaluations++
	n := float64(m.TotalEvaluations)
	m.AvgQualityScore += (e.QualityScore - m.AvgQualityScore) / n
	m.AvgImprovementScore += (e.ImprovementScore - m.AvgImprovementScore) / n
	m.AvgSemanticSimilarity += (e.SemanticSimilarity - m.AvgSemanticSimilarity) / n
	m.AvgSentenceEditRate += (e.SentenceEditRate - m.AvgSentenceEditRate) / n
	m.AvgWordErrorRate += (e.WordErrorRate - m.AvgWordErrorRate) / n

	m.Trend = append(m.Trend, e.QualityScore)
	if over := len(m.Trend) - trendCap; over > 0 {
		m.Trend = append([]float64(nil), m.Trend[over:]...)
	}

	if e.BucketChanged {
		m.BucketChangeCount++
	}
	m.CurrentBucket = e.BucketRecommended
	m.UpdatedAt = now
	return m
}

// Fold rebuilds an aggregate from evaluations in insertion order. It returns
// nil when evals is empty.
func Fold(evals []*store.Evaluation, trendCap int, now time.Time) *store.SpeakerMetric {
	var m *store.SpeakerMetric
	for _, e := range evals {
		m = Apply(m, e, trendCap, now)
	}
	if m != nil && len(evals) > 0 {
		m.CreatedAt = evals[0].CreatedAt
	}
	return m
}
