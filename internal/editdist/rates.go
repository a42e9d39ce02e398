package editdist

import (
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/notegrade/notegrade/internal/text"
)

// DefaultSentenceMatchRatio is the character-level similarity at which two
// sentences count as the same sentence.
const DefaultSentenceMatchRatio = 0.9

var charOptions = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

// Comparator computes WER and SER. The zero value is not usable; use
// NewComparator.
type Comparator struct {
	sentenceMatchRatio float64
}

// NewComparator creates a Comparator. Sentences whose normalized forms have a
// character-level Levenshtein ratio of at least matchRatio are treated as
// equal when aligning sentence sequences, so a spelling fix inside a sentence
// is not a sentence edit. A ratio of 1 or more requires exact equality.
func NewComparator(matchRatio float64) *Comparator {
	if matchRatio <= 0 {
		matchRatio = DefaultSentenceMatchRatio
	}
	return &Comparator{sentenceMatchRatio: matchRatio}
}

// maxMatrixCells bounds the full character matrix built by the levenshtein
// package. Longer sentence pairs use the banded two-row distance.
const maxMatrixCells = 1 << 16

// sentence is a sentence prepared for repeated comparison.
type sentence struct {
	norm  string
	runes []rune
}

func prepare(sentences []string) []sentence {
	out := make([]sentence, len(sentences))
	for i, s := range sentences {
		n := text.NormalizeSentence(s)
		out[i] = sentence{norm: n, runes: []rune(n)}
	}
	return out
}

// SentencesMatch reports whether two sentences are equivalent.
func (c *Comparator) SentencesMatch(a, b string) bool {
	p := prepare([]string{a, b})
	return c.match(p[0], p[1])
}

// match computes the same ratio as levenshtein.RatioForStrings,
// (len(a)+len(b)-d)/(len(a)+len(b)), without ever holding more than
// maxMatrixCells cells or two rows.
func (c *Comparator) match(a, b sentence) bool {
	if a.norm == b.norm {
		return true
	}
	if c.sentenceMatchRatio >= 1 {
		return false
	}
	la, lb := len(a.runes), len(b.runes)
	sum := la + lb

	// ratio >= r holds only when d <= (1-r)*sum, and d >= |la-lb|.
	limit := int((1-c.sentenceMatchRatio)*float64(sum) + 1e-9)
	if abs(la-lb) > limit {
		return false
	}
	if (la+1)*(lb+1) <= maxMatrixCells {
		return levenshtein.RatioForStrings(a.runes, b.runes, charOptions) >= c.sentenceMatchRatio
	}
	d := BoundedDistance(a.runes, b.runes, limit)
	if d > limit {
		return false
	}
	return float64(sum-d)/float64(sum) >= c.sentenceMatchRatio
}

// BoundedDistance returns the unit-cost edit distance between a and b when it
// is at most k, and k+1 otherwise. Only cells within k of the diagonal are
// computed, two rows at a time, and it stops as soon as a whole row exceeds k.
func BoundedDistance[T comparable](a, b []T, k int) int {
	if k < 0 {
		k = 0
	}
	over := k + 1
	if len(a) > len(b) {
		a, b = b, a
	}
	if len(b)-len(a) > k {
		return over
	}
	n := len(b)

	prev := make([]int, n+1)
	curr := make([]int, n+1)
	for j := range prev {
		prev[j] = min(j, over)
	}
	for i := 1; i <= len(a); i++ {
		lo, hi := max(1, i-k), min(n, i+k)
		rowMin := over
		if lo == 1 {
			curr[0] = min(i, over)
			rowMin = curr[0]
		} else {
			curr[lo-1] = over
		}
		for j := lo; j <= hi; j++ {
			sub := prev[j-1]
			if a[i-1] != b[j-1] {
				sub++
			}
			v := min(sub, prev[j]+1, curr[j-1]+1, over)
			curr[j] = v
			rowMin = min(rowMin, v)
		}
		if hi < n {
			curr[hi+1] = over
		}
		if rowMin > k {
			return over
		}
		prev, curr = curr, prev
	}
	return prev[n]
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// WordErrorRate is the clamped word-level edit rate of hyp against ref.
func (c *Comparator) WordErrorRate(ref, hyp string) float64 {
	return EditRate(text.SplitWords(ref), text.SplitWords(hyp), Exact[string])
}

// SentenceEditRate is the clamped sentence-level edit rate of hyp against ref.
func (c *Comparator) SentenceEditRate(ref, hyp string) float64 {
	return c.SentenceAlignment(ref, hyp).Rate()
}

// WordAlignment returns the word-level edit breakdown.
func (c *Comparator) WordAlignment(ref, hyp string) Alignment {
	return Align(text.SplitWords(ref), text.SplitWords(hyp), Exact[string])
}

// SentenceAlignment returns the sentence-level edit breakdown.
func (c *Comparator) SentenceAlignment(ref, hyp string) Alignment {
	return Align(prepare(text.SplitSentences(ref)), prepare(text.SplitSentences(hyp)), c.match)
}
