// Package similarity computes the semantic similarity of two drafts.
//
// A Provider maps a pair of texts to a score in [0,1]. Providers are combined
// with Fallback, which tries them in order and returns the first success. A
// score outside [0,1] is never repaired: it fails the call as INVALID_METRIC.
package similarity

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"time"

	"github.com/notegrade/notegrade/internal/metrics"
	"github.com/notegrade/notegrade/internal/pkg/errors"
	"github.com/notegrade/notegrade/internal/pkg/logger"
)

// Provider computes semantic similarity between two texts.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Similarity returns a score in [0,1]; 1 means equivalent.
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// Fallback tries each provider in order and returns the first success.
type Fallback struct {
	providers []Provider
	timeout   time.Duration
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewFallback creates a fallback chain. timeout bounds each provider call;
// zero disables it. m may be nil.
func NewFallback(providers []Provider, timeout time.Duration, m *metrics.Metrics, log *logger.Logger) *Fallback {
	if log == nil {
		log = logger.Discard()
	}
	return &Fallback{
		providers: providers,
		timeout:   timeout,
		metrics:   m,
		log:       log.WithComponent("similarity"),
	}
}

// Name returns the provider names joined by '>'.
func (f *Fallback) Name() string {
	name := ""
	for i, p := range f.providers {
		if i > 0 {
			name += ">"
		}
		name += p.Name()
	}
	return name
}

// Providers returns the chain in order.
func (f *Fallback) Providers() []Provider {
	out := make([]Provider, len(f.providers))
	copy(out, f.providers)
	return out
}

// Similarity returns the first provider's successful score. A provider that
// answers with a score outside [0,1], or NaN, ends the chain with an
// INVALID_METRIC error.
func (f *Fallback) Similarity(ctx context.Context, a, b string) (float64, error) {
	if len(f.providers) == 0 {
		return 0, errors.SimilarityError("no similarity providers configured", nil)
	}

	var errs []error
	for _, p := range f.providers {
		if err := ctx.Err(); err != nil {
			return 0, errors.Wrap(errors.CodeTimeout, "similarity canceled", err)
		}

		score, err := f.call(ctx, p, a, b)
		if err == nil {
			return score, nil
		}
		if errors.IsInvalidMetric(err) {
			f.log.WithContext(ctx).Warn("Similarity provider returned an invalid score", "provider", p.Name(), "score", score)
			return 0, err
		}

		f.log.WithContext(ctx).Warn("Similarity provider failed", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}

	return 0, errors.SimilarityError("all similarity providers failed", stderrors.Join(errs...))
}

func (f *Fallback) call(ctx context.Context, p Provider, a, b string) (float64, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := time.Now()
	score, err := p.Similarity(ctx, a, b)
	if err == nil && !InRange(score) {
		err = errors.InvalidMetricError("semantic_similarity", score).
			WithDetail("provider", p.Name())
	}
	f.metrics.RecordSimilarity(p.Name(), time.Since(start), err)
	return score, err
}

// InRange reports whether v is a valid similarity score.
func InRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Clamp bounds v to [0,1]. NaN maps to 0. Providers use it only where the
// mapping is part of their definition, such as a negative cosine.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
