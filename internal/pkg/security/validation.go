package security

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Validation limits.
const (
	MaxIDLength = 128

	// MaxTextLength bounds a single draft in bytes. Alignment memory is
	// linear but its time is quadratic in token count.
	MaxTextLength = 32 << 10
)

// ValidationError represents a field validation error.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Constraint, e.Value)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Constraint)
}

var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// ValidateID validates an identifier such as a speaker or draft ID.
func ValidateID(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Constraint: "required"}
	}
	if len(id) > MaxIDLength {
		return &ValidationError{
			Field:      field,
			Value:      len(id),
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxIDLength),
		}
	}
	if !idRegex.MatchString(id) {
		return &ValidationError{
			Field:      field,
			Value:      SanitizeForLogWithLength(id, 32),
			Constraint: "must contain only alphanumerics, '.', '_', ':' or '-' and start with an alphanumeric",
		}
	}
	return nil
}

// ValidateText validates draft text before it is scored.
func ValidateText(field, text string) error {
	if !utf8.ValidString(text) {
		return &ValidationError{Field: field, Constraint: "must be valid UTF-8"}
	}
	if len(text) > MaxTextLength {
		return &ValidationError{
			Field:      field,
			Value:      len(text),
			Constraint: fmt.Sprintf("maximum size is %d bytes", MaxTextLength),
		}
	}
	return nil
}

// ValidateUnit validates a score that must lie in [0,1].
func ValidateUnit(field string, v float64) error {
	if v != v || v < 0 || v > 1 {
		return &ValidationError{Field: field, Value: v, Constraint: "must be within [0,1]"}
	}
	return nil
}

// EvaluationRequestValidator validates the identifiers of an evaluate call.
type EvaluationRequestValidator struct {
	SpeakerID        string
	ReferenceDraftID string
	CandidateID      string
	SessionID        string
}

// Validate returns the first failing field. SessionID is optional.
func (v *EvaluationRequestValidator) Validate() error {
	if err := ValidateID("speaker_id", v.SpeakerID); err != nil {
		return err
	}
	if err := ValidateID("reference_draft_id", v.ReferenceDraftID); err != nil {
		return err
	}
	if err := ValidateID("candidate_id", v.CandidateID); err != nil {
		return err
	}
	if v.SessionID != "" {
		if err := ValidateID("session_id", v.SessionID); err != nil {
			return err
		}
	}
	return nil
}
