// Package store persists evaluations and per-speaker aggregates.
//
// Every write goes through Storage.WithinSpeaker, which runs a function
// inside one all-or-nothing unit of work scoped to a single speaker. Units of
// work for the same speaker never interleave; different speakers proceed in
// parallel.
package store

import (
	"context"
)

// Storage is the interface for evaluation persistence.
type Storage interface {
	// WithinSpeaker runs fn in a transaction scoped to speakerID. If fn
	// returns an error, or ctx is done before commit, nothing is written.
	// A lost race is reported as ErrConflict.
	WithinSpeaker(ctx context.Context, speakerID string, fn func(ctx context.Context, tx Tx) error) error

	// GetEvaluation loads an evaluation by ID.
	GetEvaluation(ctx context.Context, id string) (*Evaluation, error)

	// FindEvaluation loads the evaluation for a (speaker, candidate) pair.
	FindEvaluation(ctx context.Context, speakerID, candidateID string) (*Evaluation, error)

	// ListEvaluations returns a speaker's evaluations in insertion order.
	ListEvaluations(ctx context.Context, speakerID string) ([]*Evaluation, error)

	// GetSpeakerMetric loads a speaker's aggregate.
	GetSpeakerMetric(ctx context.Context, speakerID string) (*SpeakerMetric, error)

	// ListSpeakerMetrics returns every speaker aggregate ordered by speaker ID.
	ListSpeakerMetrics(ctx context.Context) ([]*SpeakerMetric, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Tx is a unit of work bound to one speaker.
type Tx interface {
	// SpeakerID is the speaker this transaction is bound to.
	SpeakerID() string

	// FindEvaluation returns the speaker's evaluation of candidateID, or ErrNotFound.
	FindEvaluation(ctx context.Context, candidateID string) (*Evaluation, error)

	// InsertEvaluation stores e. It returns ErrAlreadyExists when the
	// (speaker, candidate) pair is taken.
	InsertEvaluation(ctx context.Context, e *Evaluation) error

	// ListEvaluations returns the speaker's evaluations in insertion order,
	// including any inserted earlier in this transaction.
	ListEvaluations(ctx context.Context) ([]*Evaluation, error)

	// GetSpeakerMetric returns the speaker's aggregate, or ErrNotFound.
	GetSpeakerMetric(ctx context.Context) (*SpeakerMetric, error)

	// SaveSpeakerMetric creates or replaces the speaker's aggregate.
	SaveSpeakerMetric(ctx context.Context, m *SpeakerMetric) error
}
