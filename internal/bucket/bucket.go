// Package bucket classifies quality scores into speaker performance tiers.
package bucket

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Bucket is a speaker performance tier. A is the best.
type Bucket string

const (
	A Bucket = "A"
	B Bucket = "B"
	C Bucket = "C"
)

// All lists every bucket, best first.
var All = []Bucket{A, B, C}

// Valid reports whether b is one of A, B or C.
func (b Bucket) Valid() bool {
	switch b {
	case A, B, C:
		return true
	}
	return false
}

func (b Bucket) String() string {
	return string(b)
}

// Parse converts a case-insensitive label into a Bucket.
func Parse(s string) (Bucket, error) {
	b := Bucket(strings.ToUpper(strings.TrimSpace(s)))
	if !b.Valid() {
		return "", fmt.Errorf("unknown bucket %q", s)
	}
	return b, nil
}

// UnmarshalJSON rejects labels outside the closed set.
func (b *Bucket) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Thresholds are the lower bounds of tiers A and B, plus the alert level.
type Thresholds struct {
	A        float64 `json:"a"`
	B        float64 `json:"b"`
	Critical float64 `json:"critical"`
}

// DefaultThresholds returns A >= 0.9, B >= 0.7, critical below 0.5.
func DefaultThresholds() Thresholds {
	return Thresholds{A: 0.9, B: 0.7, Critical: 0.5}
}

// Validate checks 0 <= B <= A <= 1 and 0 <= Critical <= 1.
func (t Thresholds) Validate() error {
	if t.B < 0 || t.A > 1 || t.B > t.A {
		return fmt.Errorf("bucket thresholds must satisfy 0 <= b <= a <= 1, got a=%g b=%g", t.A, t.B)
	}
	if t.Critical < 0 || t.Critical > 1 {
		return fmt.Errorf("critical threshold must be within [0,1], got %g", t.Critical)
	}
	return nil
}

// Classify maps a quality score to its bucket.
func (t Thresholds) Classify(quality float64) Bucket {
	switch {
	case quality >= t.A:
		return A
	case quality >= t.B:
		return B
	default:
		return C
	}
}

// CriticalLowQuality reports a score low enough to alert on. It is a flag,
// not a fourth bucket.
func (t Thresholds) CriticalLowQuality(quality float64) bool {
	return quality < t.Critical
}

// Changed reports whether the recommended bucket differs from the prior one.
func Changed(before, recommended Bucket) bool {
	return before != recommended
}

// Rank orders buckets for comparison: A=2, B=1, C=0, invalid=-1.
func (b Bucket) Rank() int {
	switch b {
	case A:
		return 2
	case B:
		return 1
	case C:
		return 0
	}
	return -1
}

// Direction describes a bucket move.
func Direction(before, after Bucket) string {
	switch d := after.Rank() - before.Rank(); {
	case d > 0:
		return "promoted"
	case d < 0:
		return "demoted"
	default:
		return "unchanged"
	}
}
