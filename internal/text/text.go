// Package text splits draft text into sentences and normalized word tokens.
//
// All functions are pure and safe for concurrent use. Empty input yields an
// empty, non-nil slice.
package text

import (
	"strings"
	"unicode"
)

// SplitSentences segments s on '.', '!' or '?' when followed by whitespace or
// the end of the string. Runs of terminators ("?!", "...") stay with their
// sentence. Segments are trimmed and empty ones dropped.
func SplitSentences(s string) []string {
	sentences := make([]string, 0, 4)
	runes := []rune(s)

	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		j := i
		for j+1 < len(runes) && isTerminal(runes[j+1]) {
			j++
		}
		if j+1 == len(runes) || unicode.IsSpace(runes[j+1]) {
			sentences = appendTrimmed(sentences, string(runes[start:j+1]))
			start = j + 1
		}
		i = j
	}
	if start < len(runes) {
		sentences = appendTrimmed(sentences, string(runes[start:]))
	}
	return sentences
}

func appendTrimmed(out []string, seg string) []string {
	seg = strings.TrimSpace(seg)
	if seg == "" || isOnlyPunct(seg) {
		return out
	}
	return append(out, seg)
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isOnlyPunct(s string) bool {
	for _, r := range s {
		if !unicode.IsPunct(r) {
			return false
		}
	}
	return true
}

// SplitWords lower-cases s, splits on whitespace and strips punctuation
// attached to either end of each token. Inner punctuation ("don't", "b.i.d",
// "5.5") is kept. Tokens that are pure punctuation are dropped.
func SplitWords(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.TrimFunc(f, isStrippable)
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

func isStrippable(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// WordCount returns len(SplitWords(s)) without keeping the tokens.
func WordCount(s string) int {
	n := 0
	for _, f := range strings.Fields(s) {
		if strings.TrimFunc(f, isStrippable) != "" {
			n++
		}
	}
	return n
}

// NormalizeSentence folds case and collapses internal whitespace so that two
// renderings of the same sentence compare equal.
func NormalizeSentence(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
