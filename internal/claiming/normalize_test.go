package claiming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercases", "Jane Dela Cruz", "jane dela cruz"},
		{"collapses interior whitespace", "JANE   DELA\tCRUZ", "jane dela cruz"},
		{"trims edges", "  jane dela cruz  ", "jane dela cruz"},
		{"empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeName(tt.input))
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "09171234567", NormalizePhone("0917 123 4567"))
	assert.Equal(t, "639171234567", NormalizePhone("+63 (917) 123-4567"))
	assert.Equal(t, "", NormalizePhone("no digits"))
}

func TestParseDOB(t *testing.T) {
	dob, err := ParseDOB("1990-05-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(1990, 5, 1, 0, 0, 0, 0, time.UTC), dob)
	assert.Equal(t, "1990-05-01", FormatDOB(dob))

	_, err = ParseDOB("05/01/1990")
	assert.Error(t, err)

	_, err = ParseDOB("")
	assert.Error(t, err)
}
