package core

import (
	"math"
	"time"

	"watchtogether/server/internal/protocol"
)

// Buffer-target bounds. Targets scale with the media duration when it is
// known and fall back to fixed values otherwise.
const (
	startupTargetMin     = 8.0
	startupTargetMax     = 24.0
	startupTargetFrac    = 0.02
	startupTargetNoDur   = 12.0
	resumeTargetMin      = 3.0
	resumeTargetMax      = 10.0
	resumeTargetFrac     = 0.01
	resumeTargetNoDur    = 6.0
	effectiveTargetFloor = 0.8
)

// startupTargetFor returns the seconds of buffer a member must hold before
// initial playback: min(24, max(8, duration*0.02)), or 12 without a duration.
func startupTargetFor(duration *float64) float64 {
	if duration == nil || *duration <= 0 {
		return startupTargetNoDur
	}
	return math.Min(startupTargetMax, math.Max(startupTargetMin, *duration*startupTargetFrac))
}

// resumeTargetFor returns the buffer needed to lift a buffer lock:
// min(10, max(3, duration*0.01)), or 6 without a duration.
func resumeTargetFor(duration *float64) float64 {
	if duration == nil || *duration <= 0 {
		return resumeTargetNoDur
	}
	return math.Min(resumeTargetMax, math.Max(resumeTargetMin, *duration*resumeTargetFrac))
}

// effectiveTarget clips target by the remaining duration with a 0.8 s floor.
// Near the end of the media there is nothing left to buffer, so the demand
// shrinks; past the end it is zero. Without a known duration the target is
// used as-is.
func effectiveTarget(target float64, duration *float64, position float64) float64 {
	if duration == nil || *duration <= 0 {
		return target
	}
	remaining := *duration - position
	if remaining <= 0 {
		return 0
	}
	return math.Max(effectiveTargetFloor, math.Min(target, remaining))
}

// softBufferGrace is how long a soft-mode room tolerates one member buffering
// before force-pausing. The grace shrinks near the end of the media.
func softBufferGrace(duration *float64, position float64) time.Duration {
	if duration != nil && *duration > 0 {
		remaining := *duration - position
		switch {
		case remaining <= 5:
			return 0
		case remaining <= 15:
			return 350 * time.Millisecond
		}
	}
	return 900 * time.Millisecond
}

// memberStartupReady evaluates the per-member startup predicate against the
// room's current media and derived position.
func (r *Room) memberStartupReady(m *member, now time.Time) bool {
	return r.memberReady(m, r.startupTarget, now)
}

// memberResumeReady additionally requires the member to not be buffering.
func (r *Room) memberResumeReady(m *member, now time.Time) bool {
	return !m.buffering && r.memberReady(m, r.resumeTarget, now)
}

func (r *Room) memberReady(m *member, target float64, now time.Time) bool {
	if m.mediaMatch != protocol.MatchMatched {
		return false
	}
	if m.canPlayThrough || m.readyState >= 4 {
		return true
	}
	if m.readyState < 3 {
		return false
	}
	var duration *float64
	if r.media != nil {
		duration = r.media.desc.Duration
	}
	need := effectiveTarget(target, duration, derivePosition(r.playback, now))
	return m.bufferAheadSeconds >= need
}

func (r *Room) allStartupReady(now time.Time) bool {
	for _, m := range r.members.all() {
		if !r.memberStartupReady(m, now) {
			return false
		}
	}
	return true
}

func (r *Room) anyBuffering() bool {
	for _, m := range r.members.all() {
		if m.buffering {
			return true
		}
	}
	return false
}

func (r *Room) bufferingConnIDs() []string {
	var out []string
	for _, m := range r.members.all() {
		if m.buffering {
			out = append(out, m.connID)
		}
	}
	return out
}

// shouldPauseForBuffering holds when any member is buffering and either the
// room is strict, a buffering member is starved (readyState < 3), or the
// soft grace for one of them has elapsed.
func (r *Room) shouldPauseForBuffering(now time.Time) bool {
	if !r.anyBuffering() {
		return false
	}
	if r.syncMode == protocol.SyncStrict {
		return true
	}
	var duration *float64
	if r.media != nil {
		duration = r.media.desc.Duration
	}
	grace := softBufferGrace(duration, derivePosition(r.playback, now))
	for _, m := range r.members.all() {
		if !m.buffering {
			continue
		}
		if m.readyState < 3 {
			return true
		}
		if !m.bufferingStartedAt.IsZero() && now.Sub(m.bufferingStartedAt) >= grace {
			return true
		}
	}
	return false
}

// stepGates runs the startup and buffer gates once. It is invoked after every
// telemetry mutation and on the playback heartbeat so that time-driven
// conditions (soft grace expiry) are observed. Broadcast order on the
// startup-gate unpause tick is: disarm, snapshot, then playback envelope.
func (r *Room) stepGates(now time.Time) {
	if r.media == nil || r.members.len() == 0 {
		return
	}

	if r.startupGateActive && r.pendingStartRequested && r.allStartupReady(now) {
		r.startupGateActive = false
		r.pendingStartRequested = false
		hostID := ""
		if h := r.members.host(); h != nil {
			hostID = h.connID
		}
		paused := false
		markPlayback(&r.playback, playbackPatch{Paused: &paused}, protocol.ReasonStartupGate, hostID, now)
		r.touch(now)
		r.broadcastSnapshot("")
		r.broadcastPlayback("")
		return
	}

	if !r.playback.Paused && r.shouldPauseForBuffering(now) {
		pos := derivePosition(r.playback, now)
		paused := true
		markPlayback(&r.playback, playbackPatch{Position: &pos, Paused: &paused}, protocol.ReasonBufferLock, "", now)
		r.resumeAfterBuffer = true
		r.touch(now)
		r.broadcastPlayback("")
		return
	}

	if r.resumeAfterBuffer && r.playback.Paused && !r.anyBuffering() {
		for _, m := range r.members.all() {
			if !r.memberResumeReady(m, now) {
				return
			}
		}
		r.resumeAfterBuffer = false
		paused := false
		markPlayback(&r.playback, playbackPatch{Paused: &paused}, protocol.ReasonBufferLock, "", now)
		r.touch(now)
		r.broadcastPlayback("")
	}
}
