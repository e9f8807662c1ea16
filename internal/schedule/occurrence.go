// Package schedule computes when a compartment's reminder is next due.
//
// The core of it is NextDelay: given a daily anchor time ("HH:MM") and a
// repeat interval, how long until the next firing boundary, counting from an
// injected "now". The function is pure so it can be tested without touching
// the wall clock.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNonPositiveInterval is returned when a schedule's repeat interval is
// zero or negative. Guarded explicitly: dividing elapsed time by a
// non-positive interval would otherwise panic or loop forever.
var ErrNonPositiveInterval = errors.New("schedule: interval must be positive")

// ErrBadClock is returned when a start time is not a valid "HH:MM" string.
var ErrBadClock = errors.New("schedule: invalid clock time")

// ParseClock parses an "HH:MM" string into hour (0–23) and minute (0–59).
func ParseClock(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	return hour, minute, nil
}

// NextDelay returns the time until the next firing of a schedule anchored at
// startTime ("HH:MM", local to now's location) repeating every interval.
//
// If today's anchor is still in the future the delay runs to the anchor
// itself. Otherwise the whole intervals already elapsed since the anchor are
// skipped and the delay runs to the next boundary, so the result is always
// positive and at most interval. now+delay always lands exactly on an
// anchor-congruent boundary.
func NextDelay(startTime string, interval time.Duration, now time.Time) (time.Duration, error) {
	if interval <= 0 {
		return 0, ErrNonPositiveInterval
	}
	hour, minute, err := ParseClock(startTime)
	if err != nil {
		return 0, err
	}

	base := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if base.After(now) {
		return base.Sub(now), nil
	}

	elapsed := now.Sub(base)
	passed := elapsed / interval
	next := base.Add((passed + 1) * interval)
	return next.Sub(now), nil
}

// QuantityFromDose extracts the leading integer of a dosage string
// ("2 pills" → 2). Returns 1 when the string does not start with a number.
func QuantityFromDose(dose string) int {
	s := strings.TrimSpace(dose)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 1
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
