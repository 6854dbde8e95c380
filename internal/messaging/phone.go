package messaging

import (
	"regexp"
	"strings"
)

var phoneDigitsRe = regexp.MustCompile(`[0-9]+`)

// SanitizePhone reduces a locally-formatted phone number to its digit sequence.
func SanitizePhone(value string) string {
	if value == "" {
		return ""
	}
	digits := phoneDigitsRe.FindAllString(value, -1)
	return strings.Join(digits, "")
}

// NormalizeE164 ensures the value begins with + and only contains digits afterward.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	digits := SanitizePhone(value)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// MaskPhone redacts all but the last four digits of a phone number for display.
// Shorter numbers are fully redacted.
func MaskPhone(value string) string {
	digits := SanitizePhone(value)
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
}
