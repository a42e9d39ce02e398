package similarity

import (
	"context"

	"github.com/antzucaro/matchr"

	"github.com/notegrade/notegrade/internal/text"
)

// LexicalProvider approximates semantic similarity from surface text. It blends
// Jaro-Winkler similarity of the normalized strings with the Dice coefficient
// of their word sets. It needs no network and never fails.
type LexicalProvider struct {
	// CharWeight is the share of the score taken by Jaro-Winkler; the rest is
	// word overlap.
	CharWeight float64
}

// NewLexicalProvider returns a provider weighting both signals equally.
func NewLexicalProvider() *LexicalProvider {
	return &LexicalProvider{CharWeight: 0.5}
}

// Name implements Provider.
func (p *LexicalProvider) Name() string { return "lexical" }

// Similarity implements Provider.
func (p *LexicalProvider) Similarity(_ context.Context, a, b string) (float64, error) {
	na, nb := text.NormalizeSentence(a), text.NormalizeSentence(b)
	switch {
	case na == "" && nb == "":
		return 1, nil
	case na == "" || nb == "":
		return 0, nil
	case na == nb:
		return 1, nil
	}

	w := Clamp(p.CharWeight)
	char := matchr.JaroWinkler(na, nb, false)
	words := dice(text.SplitWords(a), text.SplitWords(b))
	return Clamp(w*char + (1-w)*words), nil
}

// dice returns 2|A∩B| / (|A|+|B|) over distinct words.
func dice(a, b []string) float64 {
	setA := make(map[string]struct{}, len(a))
	for _, w := range a {
		setA[w] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, w := range b {
		setB[w] = struct{}{}
	}
	if len(setA)+len(setB) == 0 {
		return 1
	}

	shared := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(setA)+len(setB))
}
