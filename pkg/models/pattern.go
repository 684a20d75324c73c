package models

import (
	"fmt"
	"strconv"
	"strings"
)

// MatchIterationPattern reports whether an iteration number matches a
// pattern of the form "N" (exact), "N-M" (inclusive range), "N+"
// (open-ended), or "all". Malformed patterns return an error; config
// validation rejects them before any rule is evaluated.
func MatchIterationPattern(pattern string, iteration int) (bool, error) {
	pattern = strings.TrimSpace(pattern)
	switch {
	case pattern == "":
		return false, fmt.Errorf("empty iteration pattern")
	case pattern == "all":
		return true, nil
	case strings.HasSuffix(pattern, "+"):
		n, err := strconv.Atoi(strings.TrimSuffix(pattern, "+"))
		if err != nil {
			return false, fmt.Errorf("invalid open-ended pattern %q: %w", pattern, err)
		}
		return iteration >= n, nil
	case strings.Contains(pattern, "-"):
		lo, hi, ok := strings.Cut(pattern, "-")
		if !ok {
			return false, fmt.Errorf("invalid range pattern %q", pattern)
		}
		n, err := strconv.Atoi(lo)
		if err != nil {
			return false, fmt.Errorf("invalid range pattern %q: %w", pattern, err)
		}
		m, err := strconv.Atoi(hi)
		if err != nil {
			return false, fmt.Errorf("invalid range pattern %q: %w", pattern, err)
		}
		if m < n {
			return false, fmt.Errorf("invalid range pattern %q: upper bound below lower", pattern)
		}
		return iteration >= n && iteration <= m, nil
	default:
		n, err := strconv.Atoi(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid iteration pattern %q: %w", pattern, err)
		}
		return iteration == n, nil
	}
}

// ValidateIterationPattern checks pattern syntax without needing an
// iteration number.
func ValidateIterationPattern(pattern string) error {
	_, err := MatchIterationPattern(pattern, 1)
	return err
}
