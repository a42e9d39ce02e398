package scoring

import (
	"errors"
	"math"
	"testing"
)

const eps = 1e-9

func TestQuality(t *testing.T) {
	tests := []struct {
		name          string
		ser, wer, sem float64
		want          float64
	}{
		{"worked example", 0.2, 0.3, 0.9, 0.81},
		{"perfect", 0, 0, 1, 1},
		{"worst", 1, 1, 0, 0},
		{"only similarity", 1, 1, 0.5, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Quality(tt.ser, tt.wer, tt.sem, DefaultWeights())
			if err != nil {
				t.Fatalf("Quality() error = %v", err)
			}
			if math.Abs(got-tt.want) > eps {
				t.Errorf("Quality() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuality_InvalidMetric(t *testing.T) {
	tests := []struct {
		name          string
		ser, wer, sem float64
		field         string
	}{
		{"negative ser", -0.1, 0, 0, "sentence_edit_rate"},
		{"wer above one", 0, 1.2, 0, "word_error_rate"},
		{"similarity NaN", 0, 0, math.NaN(), "semantic_similarity"},
		{"similarity above one", 0, 0, 1.0001, "semantic_similarity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Quality(tt.ser, tt.wer, tt.sem, DefaultWeights())
			if !errors.Is(err, ErrInvalidMetric) {
				t.Fatalf("Quality() error = %v, want ErrInvalidMetric", err)
			}
			var me *MetricError
			if !errors.As(err, &me) || me.Field != tt.field {
				t.Errorf("MetricError field = %v, want %s", err, tt.field)
			}
		})
	}
}

func TestQuality_BoundedAndMonotonic(t *testing.T) {
	w := DefaultWeights()
	steps := []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1}

	for _, sem := range steps {
		for _, fixed := range steps {
			prevSER, prevWER := math.Inf(1), math.Inf(1)
			for _, v := range steps {
				qs, err := Quality(v, fixed, sem, w)
				if err != nil {
					t.Fatalf("Quality() error = %v", err)
				}
				qw, _ := Quality(fixed, v, sem, w)
				for _, q := range []float64{qs, qw} {
					if q < 0 || q > 1 {
						t.Fatalf("Quality() = %v out of [0,1]", q)
					}
				}
				if qs > prevSER+eps || qw > prevWER+eps {
					t.Fatalf("quality increased as error rate grew to %v (sem=%v, fixed=%v)", v, sem, fixed)
				}
				prevSER, prevWER = qs, qw
			}
		}
	}
}

func TestWeights_Validate(t *testing.T) {
	tests := []struct {
		name    string
		w       Weights
		wantErr bool
	}{
		{"default", DefaultWeights(), false},
		{"semantic only", Weights{Semantic: 1}, false},
		{"sum too low", Weights{SER: 0.3, WER: 0.3, Semantic: 0.3}, true},
		{"negative", Weights{SER: -0.2, WER: 0.6, Semantic: 0.6}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.w.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
