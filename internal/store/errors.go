package store

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when inserting an evaluation whose
	// (speaker_id, candidate_id) is already stored.
	ErrAlreadyExists = errors.New("evaluation already exists")

	// ErrConflict is returned when a speaker transaction lost a race with a
	// concurrent writer. Retrying may succeed.
	ErrConflict = errors.New("transaction conflict")

	// ErrSpeakerMismatch is returned when a transaction is asked to write a
	// record belonging to another speaker.
	ErrSpeakerMismatch = errors.New("record belongs to another speaker")
)
