package core

import (
	"math"
	"testing"
	"time"

	"watchtogether/server/internal/protocol"
)

func TestMarkPlaybackClampsAndStamps(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	st := newPlaybackState("conn-a", now)
	if !st.Paused || st.Position != 0 || st.Rate != 1 || st.Reason != protocol.ReasonMediaTransfer {
		t.Fatalf("unexpected initial state: %#v", st)
	}

	later := now.Add(3 * time.Second)
	markPlayback(&st, playbackPatch{Position: floatPtr(-5), Rate: floatPtr(math.NaN())}, protocol.ReasonUser, "conn-b", later)
	if st.Position != 0 {
		t.Errorf("negative position: got %v", st.Position)
	}
	if st.Rate != 1 {
		t.Errorf("NaN rate must fall back to 1, got %v", st.Rate)
	}
	if st.UpdatedAt != later.UnixMilli() || st.UpdatedBy != "conn-b" || st.Reason != protocol.ReasonUser {
		t.Errorf("stamp fields wrong: %#v", st)
	}

	markPlayback(&st, playbackPatch{Position: floatPtr(math.NaN())}, protocol.ReasonUser, "conn-b", later)
	if st.Position != 0 {
		t.Errorf("NaN position must clamp to 0, got %v", st.Position)
	}

	// Nil fields keep current values.
	markPlayback(&st, playbackPatch{Rate: floatPtr(1.5)}, protocol.ReasonUser, "conn-b", later)
	markPlayback(&st, playbackPatch{}, protocol.ReasonBufferLock, "", later)
	if st.Rate != 1.5 {
		t.Errorf("nil patch must not change rate, got %v", st.Rate)
	}
}

func TestDerivePositionProjectsWhilePlaying(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	st := protocol.PlaybackState{Position: 10, Paused: false, Rate: 2, UpdatedAt: now.UnixMilli()}

	if got := derivePosition(st, now.Add(3*time.Second)); got != 16 {
		t.Errorf("playing at 2x for 3 s: got %v, want 16", got)
	}

	st.Paused = true
	if got := derivePosition(st, now.Add(time.Hour)); got != 10 {
		t.Errorf("paused position must hold: got %v", got)
	}

	// A clock that appears to run backwards never rewinds the position.
	st.Paused = false
	if got := derivePosition(st, now.Add(-time.Second)); got != 10 {
		t.Errorf("negative elapsed must clamp: got %v", got)
	}
}
