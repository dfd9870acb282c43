package core

import (
	"math"
	"time"

	"watchtogether/server/internal/protocol"
)

// Playback rate bounds. Out-of-range and NaN rates are clamped, never rejected.
const (
	minRate = 0.5
	maxRate = 2.0
)

// playbackPatch is a partial update to the playback state. Nil fields keep
// the current value.
type playbackPatch struct {
	Position *float64
	Paused   *bool
	Rate     *float64
}

// newPlaybackState is the initial state a room (or a media replacement) arms:
// paused at position zero, normal rate.
func newPlaybackState(by string, now time.Time) protocol.PlaybackState {
	return protocol.PlaybackState{
		Position:  0,
		Paused:    true,
		Rate:      1,
		UpdatedAt: now.UnixMilli(),
		UpdatedBy: by,
		Reason:    protocol.ReasonMediaTransfer,
	}
}

// markPlayback is the only mutator of a room's playback state. It applies the
// patch with clamping, stamps updatedAt/updatedBy and records the reason.
func markPlayback(st *protocol.PlaybackState, patch playbackPatch, reason, by string, now time.Time) {
	if patch.Position != nil {
		st.Position = clampPosition(*patch.Position)
	}
	if patch.Paused != nil {
		st.Paused = *patch.Paused
	}
	if patch.Rate != nil {
		st.Rate = clampRate(*patch.Rate)
	}
	st.UpdatedAt = now.UnixMilli()
	st.UpdatedBy = by
	st.Reason = reason
}

// derivePosition projects the stored position to now: while unpaused the
// position advances at the stored rate since updatedAt; while paused it holds.
func derivePosition(st protocol.PlaybackState, now time.Time) float64 {
	if st.Paused {
		return st.Position
	}
	elapsed := float64(now.UnixMilli()-st.UpdatedAt) / 1000.0
	if elapsed < 0 {
		elapsed = 0
	}
	return clampPosition(st.Position + elapsed*st.Rate)
}

func clampPosition(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	return p
}

func clampRate(r float64) float64 {
	if math.IsNaN(r) {
		return 1
	}
	return math.Min(maxRate, math.Max(minRate, r))
}
