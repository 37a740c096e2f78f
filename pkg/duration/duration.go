// Package duration parses durations with day and week units on top of
// time.ParseDuration, for retention-style settings such as "7d" or "2w12h".
//
// Accepted in addition to the standard units:
//   - d, day, days: 24 hours
//   - w, week, weeks: 7 days
//
// Whitespace between a number and its unit is optional, so "7d", "7 days"
// and "168h" are equivalent.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day represents 24 hours.
	Day = 24 * time.Hour
	// Week represents 7 days.
	Week = 7 * Day
)

var extendedUnit = regexp.MustCompile(`(?i)(\d+)\s*(weeks|week|w|days|day|d)`)

// Parse parses s. Day and week terms are rewritten as hours before the
// result is handed to time.ParseDuration.
func Parse(s string) (time.Duration, error) {
	in := strings.TrimSpace(s)
	if in == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	var convErr error
	rewritten := extendedUnit.ReplaceAllStringFunc(in, func(term string) string {
		m := extendedUnit.FindStringSubmatch(term)
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			convErr = err
			return term
		}
		hours := n * 24
		if strings.HasPrefix(strings.ToLower(m[2]), "w") {
			hours *= 7
		}
		return strconv.FormatInt(hours, 10) + "h"
	})
	if convErr != nil {
		return 0, fmt.Errorf("duration: invalid %q: %w", s, convErr)
	}

	d, err := time.ParseDuration(strings.Join(strings.Fields(rewritten), ""))
	if err != nil {
		return 0, fmt.Errorf("duration: invalid %q: %w", s, err)
	}
	return d, nil
}

// Format renders d using whole days when it is an exact number of them.
func Format(d time.Duration) string {
	if d >= Day && d%Day == 0 {
		return fmt.Sprintf("%dd", d/Day)
	}
	return d.String()
}
