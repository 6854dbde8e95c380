package claiming

import (
	"strings"
	"time"

	"github.com/clinicore/patient-claiming/internal/messaging"
)

const dobLayout = "2006-01-02"

// NormalizeName case-folds and collapses all interior whitespace to single
// spaces so "Jane  DELA cruz " and "jane dela cruz" compare equal.
func NormalizeName(value string) string {
	fields := strings.Fields(strings.ToLower(value))
	return strings.Join(fields, " ")
}

// NormalizePhone reduces any locally-formatted phone number to its digit
// sequence.
func NormalizePhone(value string) string {
	return messaging.SanitizePhone(value)
}

// ParseDOB parses a calendar date in YYYY-MM-DD form. Dates are compared
// exactly; there is no fuzziness.
func ParseDOB(value string) (time.Time, error) {
	return time.Parse(dobLayout, strings.TrimSpace(value))
}

// FormatDOB renders a date in the canonical YYYY-MM-DD form.
func FormatDOB(value time.Time) string {
	return value.Format(dobLayout)
}
