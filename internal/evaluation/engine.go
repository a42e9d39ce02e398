package evaluation

import (
	"errors"
	"fmt"

	"github.com/notegrade/notegrade/internal/bucket"
	"github.com/notegrade/notegrade/internal/editdist"
	"github.com/notegrade/notegrade/internal/scoring"
	"github.com/notegrade/notegrade/internal/store"
	"github.com/notegrade/notegrade/internal/text"
)

// EngineConfig parameterizes scoring and classification.
type EngineConfig struct {
	Weights            scoring.Weights
	Window             scoring.Window
	Thresholds         bucket.Thresholds
	SentenceMatchRatio float64
}

// DefaultEngineConfig returns the default weights, window and thresholds.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Weights:            scoring.DefaultWeights(),
		Window:             scoring.DefaultWindow(),
		Thresholds:         bucket.DefaultThresholds(),
		SentenceMatchRatio: editdist.DefaultSentenceMatchRatio,
	}
}

// Validate checks every part of the configuration.
func (c EngineConfig) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if err := c.Window.Validate(); err != nil {
		return err
	}
	return c.Thresholds.Validate()
}

// Engine is the pure scoring pipeline: tokenize, align, score, classify.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	cfg        EngineConfig
	comparator *editdist.Comparator
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	return &Engine{cfg: cfg, comparator: editdist.NewComparator(cfg.SentenceMatchRatio)}, nil
}

// Thresholds returns the classifier thresholds.
func (e *Engine) Thresholds() bucket.Thresholds {
	return e.cfg.Thresholds
}

// Score computes every derived metric of candidate against reference.
// semantic must lie in [0,1] or scoring.ErrInvalidMetric is returned. A
// reference without words is not an error: Degenerate is set and the
// improvement score is 0.
func (e *Engine) Score(reference, candidate string, semantic float64) (Scores, error) {
	refWords := text.SplitWords(reference)
	hypWords := text.SplitWords(candidate)

	words := editdist.Align(refWords, hypWords, editdist.Exact[string])
	ser := e.comparator.SentenceEditRate(reference, candidate)
	wer := words.Rate()

	quality, err := scoring.Quality(ser, wer, semantic, e.cfg.Weights)
	if err != nil {
		return Scores{}, err
	}

	s := Scores{
		ReferenceWordCount: len(refWords),
		CandidateWordCount: len(hypWords),
		SentenceEditRate:   ser,
		WordErrorRate:      wer,
		SemanticSimilarity: semantic,
		QualityScore:       quality,
		ExpansionRatio:     scoring.ExpansionRatio(len(refWords), len(hypWords)),
		WordEdits: store.EditCount{
			Substitutions: words.Substitutions,
			Insertions:    words.Insertions,
			Deletions:     words.Deletions,
		},
		BucketRecommended:  e.cfg.Thresholds.Classify(quality),
		CriticalLowQuality: e.cfg.Thresholds.CriticalLowQuality(quality),
	}

	s.ImprovementScore, err = scoring.Improvement(len(refWords), len(hypWords), quality, e.cfg.Window)
	switch {
	case errors.Is(err, scoring.ErrDegenerateInput):
		s.ImprovementScore = 0
		s.Degenerate = true
	case err != nil:
		return Scores{}, err
	}
	return s, nil
}
