package core

import (
	"testing"
	"time"
)

func TestStartupTargetScalesWithDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		duration *float64
		want     float64
	}{
		{"no duration", nil, 12},
		{"zero duration", floatPtr(0), 12},
		{"short media hits the floor", floatPtr(100), 8},
		{"long media scales", floatPtr(1000), 20},
		{"very long media hits the cap", floatPtr(10_000), 24},
	}
	for _, tc := range cases {
		if got := startupTargetFor(tc.duration); got != tc.want {
			t.Errorf("%s: startupTargetFor = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestResumeTargetScalesWithDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		duration *float64
		want     float64
	}{
		{"no duration", nil, 6},
		{"short media hits the floor", floatPtr(100), 3},
		{"long media scales", floatPtr(600), 6},
		{"very long media hits the cap", floatPtr(10_000), 10},
	}
	for _, tc := range cases {
		if got := resumeTargetFor(tc.duration); got != tc.want {
			t.Errorf("%s: resumeTargetFor = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEffectiveTargetShrinksNearTheEnd(t *testing.T) {
	t.Parallel()

	dur := floatPtr(100)
	if got := effectiveTarget(8, dur, 10); got != 8 {
		t.Errorf("mid-media target = %v, want 8", got)
	}
	if got := effectiveTarget(8, dur, 98); got != 2 {
		t.Errorf("near-end target = %v, want remaining 2", got)
	}
	if got := effectiveTarget(8, dur, 99.9); got != 0.8 {
		t.Errorf("floor target = %v, want 0.8", got)
	}
	if got := effectiveTarget(8, dur, 150); got != 0 {
		t.Errorf("past-end target = %v, want 0", got)
	}
	if got := effectiveTarget(8, nil, 10); got != 8 {
		t.Errorf("unknown duration target = %v, want 8", got)
	}
}

func TestSoftBufferGraceShrinksNearTheEnd(t *testing.T) {
	t.Parallel()

	dur := floatPtr(100)
	if got := softBufferGrace(dur, 10); got != 900*time.Millisecond {
		t.Errorf("mid-media grace = %v", got)
	}
	if got := softBufferGrace(dur, 90); got != 350*time.Millisecond {
		t.Errorf("≤15 s remaining grace = %v", got)
	}
	if got := softBufferGrace(dur, 97); got != 0 {
		t.Errorf("≤5 s remaining grace = %v", got)
	}
	if got := softBufferGrace(nil, 10); got != 900*time.Millisecond {
		t.Errorf("unknown duration grace = %v", got)
	}
}
