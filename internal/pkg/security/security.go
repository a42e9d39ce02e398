// Package security provides input validation for evaluation requests and
// sanitization of user text before it reaches logs.
package security

import (
	"strings"
	"unicode"
)

// SanitizeForLog sanitizes a string for safe logging. Note text can carry
// patient details, so only a short escaped prefix is ever logged.
func SanitizeForLog(s string) string {
	return SanitizeForLogWithLength(s, 80)
}

// SanitizeForLogWithLength sanitizes a string for logging with a custom max length.
func SanitizeForLogWithLength(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(min(len(s), maxLen+10))

	count := 0
	for _, r := range s {
		if count >= maxLen {
			b.WriteString("...")
			break
		}

		switch r {
		case '\n':
			b.WriteString("\\n")
			count += 2
		case '\r':
			b.WriteString("\\r")
			count += 2
		case '\t':
			b.WriteString("\\t")
			count += 2
		default:
			if !unicode.IsControl(r) {
				b.WriteRune(r)
				count++
			}
		}
	}

	return b.String()
}
