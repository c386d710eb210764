package duration

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyRelative is returned for a blank relative time expression.
var ErrEmptyRelative = errors.New("duration: empty relative time expression")

// absoluteLayouts are the timestamp forms ParseRelativeFrom accepts before
// falling back to a duration.
var absoluteLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseRelative resolves a point in time from an expression relative to
// now. See ParseRelativeFrom for the accepted forms.
func ParseRelative(s string) (time.Time, error) {
	return ParseRelativeFrom(s, time.Now())
}

// ParseRelativeFrom resolves a point in time against an anchor. Accepted
// forms:
//   - "2h ago"                  anchor minus two hours
//   - "in 30m"                  anchor plus thirty minutes
//   - "15m"                     bare durations read as past: anchor minus 15m
//   - "2026-08-26T10:00:00Z"    absolute RFC3339 timestamp
//   - "2026-08-26"              absolute date at midnight UTC
//
// Durations use this package's extended units (d, w, mo, y).
func ParseRelativeFrom(s string, anchor time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrEmptyRelative
	}
	lower := strings.ToLower(s)

	switch {
	case strings.HasPrefix(lower, "in "):
		d, err := Parse(strings.TrimSpace(s[len("in "):]))
		if err != nil {
			return time.Time{}, fmt.Errorf("duration: parsing relative expression %q: %w", s, err)
		}
		return anchor.Add(d), nil
	case strings.HasSuffix(lower, " ago"):
		d, err := Parse(strings.TrimSpace(s[:len(s)-len(" ago")]))
		if err != nil {
			return time.Time{}, fmt.Errorf("duration: parsing relative expression %q: %w", s, err)
		}
		return anchor.Add(-d), nil
	}

	for _, layout := range absoluteLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	d, err := Parse(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("duration: %q is neither a timestamp nor a duration", s)
	}
	return anchor.Add(-d), nil
}
