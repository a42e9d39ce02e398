// Package drafts reads the reference and candidate notes that an evaluation
// compares. The notes are produced elsewhere; this package only fetches them.
package drafts

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a draft does not exist.
var ErrNotFound = errors.New("draft not found")

// Candidate is a generated note plus what its producer reported about it.
type Candidate struct {
	ID   string `json:"id" yaml:"id"`
	Text string `json:"text" yaml:"text"`
	// WordCount is the producer's own count. Evaluation recounts.
	WordCount  int     `json:"word_count" yaml:"word_count"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// Reference is the original note a candidate is measured against.
type Reference struct {
	ID   string `json:"id" yaml:"id"`
	Text string `json:"text" yaml:"text"`
}

// Source fetches drafts by ID.
type Source interface {
	ReferenceText(ctx context.Context, id string) (string, error)
	Candidate(ctx context.Context, id string) (Candidate, error)
	Close() error
}
