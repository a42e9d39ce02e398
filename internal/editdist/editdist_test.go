package editdist

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

func words(s string) []string { return strings.Fields(s) }

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		hyp  string
		want int
	}{
		{"identical", "a b c", "a b c", 0},
		{"both empty", "", "", 0},
		{"empty hyp", "a b c", "", 3},
		{"empty ref", "", "a b", 2},
		{"one substitution", "a b c", "a x c", 1},
		{"one insertion", "a b c", "a b x c", 1},
		{"one deletion", "a b c", "a c", 1},
		{"kitten sitting", "k i t t e n", "s i t t i n g", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, hyp := words(tt.ref), words(tt.hyp)
			if got := Distance(ref, hyp, Exact[string]); got != tt.want {
				t.Errorf("Distance() = %d, want %d", got, tt.want)
			}
			if got := Align(ref, hyp, Exact[string]).Distance; got != tt.want {
				t.Errorf("Align().Distance = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAlign_Breakdown(t *testing.T) {
	ref := words("the patient denies chest pain today")
	hyp := words("the patient reports chest pain")

	got := Align(ref, hyp, Exact[string])
	want := Alignment{
		Distance:      2,
		Matches:       4,
		Substitutions: 1,
		Deletions:     1,
		RefLen:        6,
		HypLen:        5,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Align() mismatch (-want +got):\n%s", diff)
	}
	if got.Substitutions+got.Insertions+got.Deletions != got.Distance {
		t.Error("edit counts do not sum to distance")
	}
}

func TestRate(t *testing.T) {
	tests := []struct {
		name     string
		distance int
		refLen   int
		want     float64
	}{
		{"zero", 0, 5, 0},
		{"fraction", 1, 5, 0.2},
		{"saturated", 5, 5, 1},
		{"clamped insertions", 12, 4, 1},
		{"empty ref guarded", 3, 0, 1},
		{"empty both", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rate(tt.distance, tt.refLen); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Rate(%d, %d) = %v, want %v", tt.distance, tt.refLen, got, tt.want)
			}
		})
	}
}

func TestComparator_Identity(t *testing.T) {
	c := NewComparator(DefaultSentenceMatchRatio)
	texts := []string{
		"",
		"Patient has diabetes and hypertension.",
		"Chief complaint: cough x3 days. No fever! Plan?",
		"no punctuation at all",
	}
	for _, s := range texts {
		if got := c.WordErrorRate(s, s); got != 0 {
			t.Errorf("WordErrorRate(%q, same) = %v, want 0", s, got)
		}
		if got := c.SentenceEditRate(s, s); got != 0 {
			t.Errorf("SentenceEditRate(%q, same) = %v, want 0", s, got)
		}
	}
}

func TestComparator_SpellingFix(t *testing.T) {
	c := NewComparator(DefaultSentenceMatchRatio)
	ref := "Patient has diabetis and hypertension."
	hyp := "Patient has diabetes and hypertension."

	// One substituted word out of five reference words.
	if got := c.WordErrorRate(ref, hyp); math.Abs(got-0.2) > 1e-9 {
		t.Errorf("WordErrorRate() = %v, want 0.2", got)
	}
	if got := c.SentenceEditRate(ref, hyp); got != 0 {
		t.Errorf("SentenceEditRate() = %v, want 0", got)
	}

	strict := NewComparator(1)
	if got := strict.SentenceEditRate(ref, hyp); got != 1 {
		t.Errorf("strict SentenceEditRate() = %v, want 1", got)
	}
}

func TestComparator_EmptyHypothesis(t *testing.T) {
	c := NewComparator(DefaultSentenceMatchRatio)
	ref := "Cough for three days. No fever."
	if got := c.WordErrorRate(ref, ""); got != 1 {
		t.Errorf("WordErrorRate(ref, empty) = %v, want 1", got)
	}
	if got := c.SentenceEditRate(ref, ""); got != 1 {
		t.Errorf("SentenceEditRate(ref, empty) = %v, want 1", got)
	}
}

func TestComparator_SentenceAlignment(t *testing.T) {
	c := NewComparator(DefaultSentenceMatchRatio)
	ref := "Cough for three days. No fever."
	hyp := "Cough for three days. No fever. Advised fluids and rest."

	a := c.SentenceAlignment(ref, hyp)
	if a.Insertions != 1 || a.Matches != 2 || a.Distance != 1 {
		t.Errorf("SentenceAlignment() = %+v, want 2 matches and 1 insertion", a)
	}
	if got := a.Rate(); !cmp.Equal(got, 0.5, cmpopts.EquateApprox(0, 1e-12)) {
		t.Errorf("Rate() = %v, want 0.5", got)
	}
}

func TestComparator_SentencesMatch(t *testing.T) {
	c := NewComparator(0.9)
	tests := []struct {
		a, b string
		want bool
	}{
		{"No fever.", "no   fever.", true},
		{"Patient denies chest pain.", "Patient reports severe chest pain radiating to arm.", false},
		{"Started metformin 500 mg.", "Started metformin 500mg.", true},
	}
	for _, tt := range tests {
		if got := c.SentencesMatch(tt.a, tt.b); got != tt.want {
			t.Errorf("SentencesMatch(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestBoundedDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		k    int
		want int
	}{
		{"identical", "kitten", "kitten", 0, 0},
		{"within bound", "kitten", "sitting", 3, 3},
		{"bound is loose", "kitten", "sitting", 10, 3},
		{"over bound", "kitten", "sitting", 2, 3},
		{"length gap", "a", "abcdef", 2, 3},
		{"empty", "", "abc", 5, 3},
		{"swapped", "sitting", "kitten", 3, 3},
		{"negative bound", "a", "b", -1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BoundedDistance([]rune(tt.a), []rune(tt.b), tt.k); got != tt.want {
				t.Errorf("BoundedDistance(%q, %q, %d) = %d, want %d", tt.a, tt.b, tt.k, got, tt.want)
			}
		})
	}
}

func TestBoundedDistance_AgreesWithDistance(t *testing.T) {
	a := []rune(strings.Repeat("the patient denies chest pain ", 12))
	b := []rune(strings.Repeat("the patient reports chest pains ", 12))
	full := Distance(a, b, Exact[rune])

	if got := BoundedDistance(a, b, full); got != full {
		t.Errorf("BoundedDistance(k=d) = %d, want %d", got, full)
	}
	if got := BoundedDistance(a, b, full+50); got != full {
		t.Errorf("BoundedDistance(k>d) = %d, want %d", got, full)
	}
	if got := BoundedDistance(a, b, full-1); got != full {
		t.Errorf("BoundedDistance(k<d) = %d, want k+1 = %d", got, full)
	}
}

func TestComparator_LongSentenceMatchesLibraryRatio(t *testing.T) {
	// Long enough to take the banded path instead of the full matrix.
	base := strings.Repeat("patient reports mild intermittent chest pain ", 8)
	pairs := []struct{ a, b string }{
		{base, strings.Replace(base, "mild", "mild", 1)},
		{base, strings.Replace(base, "mild", "severe", 2)},
		{base, strings.ReplaceAll(base, "chest", "abdominal")},
		{base, base + "radiating to the left arm and jaw with diaphoresis"},
	}
	for _, ratio := range []float64{0.8, 0.9, 0.95} {
		c := NewComparator(ratio)
		for _, p := range pairs {
			na, nb := []rune(strings.TrimSpace(p.a)), []rune(strings.TrimSpace(p.b))
			if (len(na)+1)*(len(nb)+1) <= maxMatrixCells {
				t.Fatalf("pair is too short for the banded path: %d x %d", len(na), len(nb))
			}
			want := levenshtein.RatioForStrings(na, nb, charOptions) >= ratio
			if got := c.SentencesMatch(p.a, p.b); got != want {
				t.Errorf("ratio %v: SentencesMatch() = %v, want %v (len %d/%d)", ratio, got, want, len(na), len(nb))
			}
		}
	}
}

func TestAlign_LinearMemory(t *testing.T) {
	ref := make([]string, 8000)
	hyp := make([]string, 8000)
	for i := range ref {
		ref[i] = fmt.Sprintf("w%d", i)
		hyp[i] = ref[i]
		if i%4 == 0 {
			hyp[i] = "x"
		}
	}

	allocs := testing.AllocsPerRun(1, func() {
		a := Align(ref, hyp, Exact[string])
		if a.Substitutions != 2000 || a.Distance != 2000 {
			t.Errorf("Align() = %+v, want 2000 substitutions", a)
		}
	})
	// Two rows, not one row per reference token.
	if allocs > 4 {
		t.Errorf("Align() made %v allocations, want a constant number", allocs)
	}
}
