package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchIterationPattern(t *testing.T) {
	tests := []struct {
		name      string
		pattern   string
		iteration int
		want      bool
	}{
		{"exact match", "1", 1, true},
		{"exact mismatch", "1", 2, false},
		{"range lower bound", "2-4", 2, true},
		{"range upper bound", "2-4", 4, true},
		{"range inside", "2-4", 3, true},
		{"range below", "2-4", 1, false},
		{"range above", "2-4", 5, false},
		{"open-ended at bound", "5+", 5, true},
		{"open-ended above", "5+", 50, true},
		{"open-ended below", "5+", 4, false},
		{"all matches one", "all", 1, true},
		{"all matches many", "all", 99, true},
		{"whitespace tolerated", " 3 ", 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchIterationPattern(tt.pattern, tt.iteration)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchIterationPattern_Invalid(t *testing.T) {
	for _, pattern := range []string{"", "x", "1-", "-3", "a-b", "4-2", "+", "x+"} {
		t.Run(pattern, func(t *testing.T) {
			_, err := MatchIterationPattern(pattern, 1)
			assert.Error(t, err)
		})
	}
}

func TestValidateIterationPattern(t *testing.T) {
	assert.NoError(t, ValidateIterationPattern("all"))
	assert.NoError(t, ValidateIterationPattern("2-4"))
	assert.Error(t, ValidateIterationPattern("nope"))
}
