// Package scoring combines error rates and semantic similarity into quality
// and improvement scores.
package scoring

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidMetric is returned when a score input lies outside [0,1].
	ErrInvalidMetric = errors.New("metric outside [0,1]")

	// ErrDegenerateInput is returned alongside a zero improvement score when
	// the reference text has no words. It is not a fault.
	ErrDegenerateInput = errors.New("reference has no words")
)

// MetricError names the offending input of an ErrInvalidMetric.
type MetricError struct {
	Field string
	Value float64
}

func (e *MetricError) Error() string {
	return fmt.Sprintf("%s = %g: %v", e.Field, e.Value, ErrInvalidMetric)
}

func (e *MetricError) Unwrap() error {
	return ErrInvalidMetric
}

// Weights of the quality score terms. They must be non-negative and sum to 1.
type Weights struct {
	SER      float64 `json:"ser"`
	WER      float64 `json:"wer"`
	Semantic float64 `json:"semantic"`
}

// DefaultWeights returns 0.3 / 0.3 / 0.4.
func DefaultWeights() Weights {
	return Weights{SER: 0.3, WER: 0.3, Semantic: 0.4}
}

const weightTolerance = 1e-6

// Validate checks the weights.
func (w Weights) Validate() error {
	if w.SER < 0 || w.WER < 0 || w.Semantic < 0 {
		return fmt.Errorf("weights must be non-negative, got ser=%g wer=%g semantic=%g", w.SER, w.WER, w.Semantic)
	}
	if sum := w.SER + w.WER + w.Semantic; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("weights must sum to 1, got %g", sum)
	}
	return nil
}

func checkUnit(field string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return &MetricError{Field: field, Value: v}
	}
	return nil
}

// Quality returns w.SER*(1-ser) + w.WER*(1-wer) + w.Semantic*sem.
func Quality(ser, wer, sem float64, w Weights) (float64, error) {
	if err := checkUnit("sentence_edit_rate", ser); err != nil {
		return 0, err
	}
	if err := checkUnit("word_error_rate", wer); err != nil {
		return 0, err
	}
	if err := checkUnit("semantic_similarity", sem); err != nil {
		return 0, err
	}
	q := w.SER*(1-ser) + w.WER*(1-wer) + w.Semantic*sem
	return clampUnit(q), nil
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
