package scoring

import (
	"fmt"
	"math"
)

// Decay selects how the expansion factor falls off outside the ideal window.
type Decay string

const (
	DecayLinear      Decay = "linear"
	DecayExponential Decay = "exponential"
)

// Window is the expected growth of a final note over its informal draft.
type Window struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
	// Decay shapes the factor outside [Low, High].
	Decay Decay `json:"decay"`
	// Rate is the exponential decay constant. Ignored for linear decay.
	Rate float64 `json:"rate"`
}

// DefaultWindow returns the 1.5x to 3.0x window with linear decay.
func DefaultWindow() Window {
	return Window{Low: 1.5, High: 3.0, Decay: DecayLinear, Rate: 3}
}

// Validate checks the window.
func (w Window) Validate() error {
	if w.Low <= 0 || w.High < w.Low {
		return fmt.Errorf("expansion window must satisfy 0 < low <= high, got [%g, %g]", w.Low, w.High)
	}
	switch w.Decay {
	case DecayLinear:
	case DecayExponential:
		if w.Rate <= 0 {
			return fmt.Errorf("exponential decay rate must be positive, got %g", w.Rate)
		}
	default:
		return fmt.Errorf("unknown decay %q", w.Decay)
	}
	return nil
}

// Factor returns 1 inside the window and decays toward 0 as ratio departs
// from it. Linear decay reaches 0 at ratio 0 and at 2*High.
func (w Window) Factor(ratio float64) float64 {
	if ratio >= w.Low && ratio <= w.High {
		return 1
	}

	var d float64
	if ratio < w.Low {
		d = (w.Low - ratio) / w.Low
	} else {
		d = (ratio - w.High) / w.High
	}

	switch w.Decay {
	case DecayExponential:
		return math.Exp(-w.Rate * d)
	default:
		return clampUnit(1 - d)
	}
}

// ExpansionRatio is hypWords / max(refWords, 1).
func ExpansionRatio(refWords, hypWords int) float64 {
	return float64(hypWords) / float64(max(refWords, 1))
}

// Improvement returns Factor(expansion ratio) * quality. When refWords is 0
// it returns 0 with ErrDegenerateInput.
func Improvement(refWords, hypWords int, quality float64, w Window) (float64, error) {
	if err := checkUnit("quality_score", quality); err != nil {
		return 0, err
	}
	if refWords < 0 || hypWords < 0 {
		return 0, fmt.Errorf("word counts must be non-negative (ref=%d, hyp=%d): %w", refWords, hypWords, ErrInvalidMetric)
	}
	if refWords == 0 {
		return 0, ErrDegenerateInput
	}
	return clampUnit(w.Factor(ExpansionRatio(refWords, hypWords)) * quality), nil
}
