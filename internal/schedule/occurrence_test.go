package schedule_test

import (
	"errors"
	"testing"
	"time"

	"github.com/depremu/capsyd/internal/schedule"
)

// at builds a fixed wall-clock instant on an arbitrary day, so every test is
// independent of the real clock.
func at(hour, minute int) time.Time {
	return time.Date(2026, time.March, 14, hour, minute, 0, 0, time.UTC)
}

// TestNextDelay_AnchorStillAhead verifies that when today's anchor has not
// yet passed, the delay runs to the anchor itself.
func TestNextDelay_AnchorStillAhead(t *testing.T) {
	d, err := schedule.NextDelay("13:41", 4*time.Hour, at(13, 33))
	if err != nil {
		t.Fatalf("NextDelay() error: %v", err)
	}
	if d != 8*time.Minute {
		t.Errorf("expected 8m delay, got %s", d)
	}
}

// TestNextDelay_AnchorPassed verifies that once the anchor has passed, whole
// elapsed intervals are skipped and the delay runs to the next boundary.
func TestNextDelay_AnchorPassed(t *testing.T) {
	// Anchor 13:30, now 14:00, every 4h → next boundary is 17:30.
	d, err := schedule.NextDelay("13:30", 4*time.Hour, at(14, 0))
	if err != nil {
		t.Fatalf("NextDelay() error: %v", err)
	}
	if d != 3*time.Hour+30*time.Minute {
		t.Errorf("expected 3h30m delay, got %s", d)
	}
}

// TestNextDelay_ExactlyOnAnchor verifies that a now landing exactly on the
// anchor yields a full interval, not zero.
func TestNextDelay_ExactlyOnAnchor(t *testing.T) {
	d, err := schedule.NextDelay("13:30", 4*time.Hour, at(13, 30))
	if err != nil {
		t.Fatalf("NextDelay() error: %v", err)
	}
	if d != 4*time.Hour {
		t.Errorf("expected 4h delay, got %s", d)
	}
}

// TestNextDelay_LandsOnBoundary verifies the congruence property: now+delay
// is always the anchor plus a whole number of intervals, and the delay is
// always positive and at most one interval once the anchor has passed.
func TestNextDelay_LandsOnBoundary(t *testing.T) {
	interval := 90 * time.Minute
	anchor := at(6, 15)

	for _, now := range []time.Time{
		at(6, 16), at(7, 0), at(9, 59), at(14, 30), at(23, 45),
	} {
		d, err := schedule.NextDelay("06:15", interval, now)
		if err != nil {
			t.Fatalf("NextDelay(now=%s) error: %v", now, err)
		}
		if d <= 0 || d > interval {
			t.Errorf("now=%s: delay %s out of (0, %s]", now, d, interval)
		}
		if since := now.Add(d).Sub(anchor); since%interval != 0 {
			t.Errorf("now=%s: now+delay is %s past the anchor, not a multiple of %s",
				now, since, interval)
		}
	}
}

// TestNextDelay_Errors verifies the two error sentinels.
func TestNextDelay_Errors(t *testing.T) {
	if _, err := schedule.NextDelay("13:00", 0, at(12, 0)); !errors.Is(err, schedule.ErrNonPositiveInterval) {
		t.Errorf("zero interval: expected ErrNonPositiveInterval, got %v", err)
	}
	if _, err := schedule.NextDelay("13:00", -time.Hour, at(12, 0)); !errors.Is(err, schedule.ErrNonPositiveInterval) {
		t.Errorf("negative interval: expected ErrNonPositiveInterval, got %v", err)
	}
	if _, err := schedule.NextDelay("25:00", time.Hour, at(12, 0)); !errors.Is(err, schedule.ErrBadClock) {
		t.Errorf("hour 25: expected ErrBadClock, got %v", err)
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in           string
		hour, minute int
		wantErr      bool
	}{
		{"00:00", 0, 0, false},
		{"13:41", 13, 41, false},
		{"23:59", 23, 59, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"-1:30", 0, 0, true},
		{"1330", 0, 0, true},
		{"ab:cd", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tt := range tests {
		h, m, err := schedule.ParseClock(tt.in)
		if tt.wantErr {
			if !errors.Is(err, schedule.ErrBadClock) {
				t.Errorf("ParseClock(%q): expected ErrBadClock, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseClock(%q) error: %v", tt.in, err)
			continue
		}
		if h != tt.hour || m != tt.minute {
			t.Errorf("ParseClock(%q) = %d:%d, want %d:%d", tt.in, h, m, tt.hour, tt.minute)
		}
	}
}

func TestQuantityFromDose(t *testing.T) {
	tests := []struct {
		dose string
		want int
	}{
		{"2 pills", 2},
		{"  3 tablets", 3},
		{"10mg", 10},
		{"1", 1},
		{"half a pill", 1},
		{"", 1},
		{"0 pills", 1},
	}
	for _, tt := range tests {
		if got := schedule.QuantityFromDose(tt.dose); got != tt.want {
			t.Errorf("QuantityFromDose(%q) = %d, want %d", tt.dose, got, tt.want)
		}
	}
}
