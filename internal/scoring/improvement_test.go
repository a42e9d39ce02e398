package scoring

import (
	"errors"
	"math"
	"testing"
)

func TestImprovement(t *testing.T) {
	tests := []struct {
		name     string
		ref, hyp int
		quality  float64
		window   Window
		want     float64
	}{
		{"inside window", 10, 20, 0.8, DefaultWindow(), 0.8},
		{"window low edge", 10, 15, 0.6, DefaultWindow(), 0.6},
		{"window high edge", 10, 30, 0.6, DefaultWindow(), 0.6},
		{"no expansion linear", 10, 10, 0.9, DefaultWindow(), 0.9 * (1.0 / 1.5)},
		{"over expansion linear", 10, 45, 1.0, DefaultWindow(), 0.5},
		{"far over expansion", 10, 100, 1.0, DefaultWindow(), 0},
		{"empty candidate", 10, 0, 1.0, DefaultWindow(), 0},
		{
			name: "exponential below", ref: 10, hyp: 10, quality: 1,
			window: Window{Low: 1.5, High: 3, Decay: DecayExponential, Rate: 3},
			want:   math.Exp(-3 * (0.5 / 1.5)),
		},
		{
			name: "exponential above", ref: 10, hyp: 60, quality: 0.5,
			window: Window{Low: 1.5, High: 3, Decay: DecayExponential, Rate: 3},
			want:   0.5 * math.Exp(-3),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Improvement(tt.ref, tt.hyp, tt.quality, tt.window)
			if err != nil {
				t.Fatalf("Improvement() error = %v", err)
			}
			if math.Abs(got-tt.want) > eps {
				t.Errorf("Improvement() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestImprovement_Degenerate(t *testing.T) {
	got, err := Improvement(0, 25, 0.9, DefaultWindow())
	if !errors.Is(err, ErrDegenerateInput) {
		t.Fatalf("Improvement() error = %v, want ErrDegenerateInput", err)
	}
	if got != 0 {
		t.Errorf("Improvement() = %v, want 0", got)
	}
}

func TestImprovement_Invalid(t *testing.T) {
	if _, err := Improvement(10, 20, 1.5, DefaultWindow()); !errors.Is(err, ErrInvalidMetric) {
		t.Errorf("quality 1.5: error = %v, want ErrInvalidMetric", err)
	}
	if _, err := Improvement(-1, 20, 0.5, DefaultWindow()); !errors.Is(err, ErrInvalidMetric) {
		t.Errorf("negative count: error = %v, want ErrInvalidMetric", err)
	}
}

func TestImprovement_Bounded(t *testing.T) {
	windows := []Window{DefaultWindow(), {Low: 1.5, High: 3, Decay: DecayExponential, Rate: 0.5}}
	for _, w := range windows {
		for ref := 1; ref <= 40; ref += 3 {
			for hyp := 0; hyp <= 200; hyp += 7 {
				for _, q := range []float64{0, 0.33, 0.81, 1} {
					got, err := Improvement(ref, hyp, q, w)
					if err != nil {
						t.Fatalf("Improvement(%d, %d, %v) error = %v", ref, hyp, q, err)
					}
					if got < 0 || got > q+eps {
						t.Fatalf("Improvement(%d, %d, %v) = %v, want within [0, quality]", ref, hyp, q, got)
					}
				}
			}
		}
	}
}

func TestExpansionRatio(t *testing.T) {
	if got := ExpansionRatio(10, 20); got != 2 {
		t.Errorf("ExpansionRatio(10, 20) = %v, want 2", got)
	}
	if got := ExpansionRatio(0, 7); got != 7 {
		t.Errorf("ExpansionRatio(0, 7) = %v, want 7", got)
	}
}

func TestWindow_Validate(t *testing.T) {
	tests := []struct {
		name    string
		w       Window
		wantErr bool
	}{
		{"default", DefaultWindow(), false},
		{"inverted", Window{Low: 3, High: 1.5, Decay: DecayLinear}, true},
		{"zero low", Window{Low: 0, High: 1.5, Decay: DecayLinear}, true},
		{"unknown decay", Window{Low: 1, High: 2, Decay: "cubic"}, true},
		{"exponential without rate", Window{Low: 1, High: 2, Decay: DecayExponential}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.w.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
