// Package editdist computes Levenshtein alignments between token sequences and
// the normalized error rates built on them (WER over words, SER over sentences).
package editdist

// Alignment is the edit breakdown between a reference and a hypothesis.
// Insertions are hypothesis tokens absent from the reference; deletions are
// reference tokens missing from the hypothesis.
type Alignment struct {
	Distance      int `json:"distance"`
	Matches       int `json:"matches"`
	Substitutions int `json:"substitutions"`
	Insertions    int `json:"insertions"`
	Deletions     int `json:"deletions"`
	RefLen        int `json:"ref_len"`
	HypLen        int `json:"hyp_len"`
}

// Rate returns the clamped error rate of the alignment.
func (a Alignment) Rate() float64 {
	return Rate(a.Distance, a.RefLen)
}

// Rate normalizes an edit distance by the reference length and clamps to [0,1].
//
// distance/len(ref) is the conventional WER/SER and exceeds 1 when the
// hypothesis carries many insertions. Scores downstream need a bounded input,
// so the result saturates at 1.
func Rate(distance, refLen int) float64 {
	if distance <= 0 {
		return 0
	}
	r := float64(distance) / float64(max(refLen, 1))
	if r > 1 {
		return 1
	}
	return r
}

// Equal reports whether two tokens are the same for alignment purposes.
type Equal[T any] func(a, b T) bool

// Distance returns the unit-cost edit distance between ref and hyp. It keeps
// two rows only.
func Distance[T any](ref, hyp []T, eq Equal[T]) int {
	if len(ref) == 0 {
		return len(hyp)
	}
	if len(hyp) == 0 {
		return len(ref)
	}
	prev := make([]int, len(hyp)+1)
	curr := make([]int, len(hyp)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ref); i++ {
		curr[0] = i
		for j := 1; j <= len(hyp); j++ {
			sub := prev[j-1]
			if !eq(ref[i-1], hyp[j-1]) {
				sub++
			}
			curr[j] = min(sub, prev[j]+1, curr[j-1]+1)
		}
		prev, curr = curr, prev
	}
	return prev[len(hyp)]
}

// counts is one DP cell of Align: the distance and the edits that reach it.
type counts struct {
	dist, sub, ins, del int
}

// Align computes the distance and the substitution, insertion and deletion
// counts of one minimal alignment. Like Distance it keeps two rows, so memory
// is linear in len(hyp). Ties prefer match/substitution, then deletion, then
// insertion.
func Align[T any](ref, hyp []T, eq Equal[T]) Alignment {
	prev := make([]counts, len(hyp)+1)
	curr := make([]counts, len(hyp)+1)
	for j := range prev {
		prev[j] = counts{dist: j, ins: j}
	}
	for i := 1; i <= len(ref); i++ {
		curr[0] = counts{dist: i, del: i}
		for j := 1; j <= len(hyp); j++ {
			best := prev[j-1]
			if !eq(ref[i-1], hyp[j-1]) {
				best.dist++
				best.sub++
			}
			if up := prev[j]; up.dist+1 < best.dist {
				best = up
				best.dist++
				best.del++
			}
			if left := curr[j-1]; left.dist+1 < best.dist {
				best = left
				best.dist++
				best.ins++
			}
			curr[j] = best
		}
		prev, curr = curr, prev
	}

	c := prev[len(hyp)]
	return Alignment{
		Distance:      c.dist,
		Matches:       len(ref) - c.sub - c.del,
		Substitutions: c.sub,
		Insertions:    c.ins,
		Deletions:     c.del,
		RefLen:        len(ref),
		HypLen:        len(hyp),
	}
}

// EditRate is the clamped error rate of hyp against ref.
func EditRate[T any](ref, hyp []T, eq Equal[T]) float64 {
	return Rate(Distance(ref, hyp, eq), len(ref))
}

// Exact compares comparable tokens with ==.
func Exact[T comparable](a, b T) bool {
	return a == b
}
