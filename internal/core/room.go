package core

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"watchtogether/server/internal/protocol"
)

// SendTimeout bounds how long a write to one subscriber may block.
const SendTimeout = 50 * time.Millisecond

const (
	playbackHeartbeatEvery = 1500 * time.Millisecond
	snapshotHeartbeatEvery = 4 * time.Second
)

// Errors surfaced to the join/upload callers. Everything else is sanitized
// or dropped silently per the error policy.
var (
	ErrPasswordMismatch = errors.New("password_mismatch")
	ErrRoomFull         = errors.New("room_full")
	ErrRoomClosed       = errors.New("room_closed")
	ErrNotHost          = errors.New("not_host")
	ErrNotMember        = errors.New("not_member")
)

// ReleaseFunc is invoked when a media or subtitle file resource is replaced
// or the room is destroyed. Kind is "media" or "subtitle"; path may be empty
// when the descriptor was fingerprint-only (socket select with no upload).
type ReleaseFunc func(kind, id, path string)

// mediaResource pairs a descriptor with its on-disk location (if any).
type mediaResource struct {
	desc protocol.MediaDescriptor
	path string
}

type subtitleResource struct {
	desc protocol.SubtitleDescriptor
	path string
}

// Room serializes all reads and writes for one co-watching room. Every
// operation posts into a single command loop; timers run in the same loop,
// so no two commands ever observe partial state.
type Room struct {
	ID string

	name       string
	password   string
	maxMembers int
	syncMode   string

	startupGateActive     bool
	pendingStartRequested bool
	resumeAfterBuffer     bool
	startupTarget         float64
	resumeTarget          float64

	members  *memberTable
	media    *mediaResource
	subtitle *subtitleResource
	playback protocol.PlaybackState

	cmds      chan func()
	closed    chan struct{}
	closeOnce sync.Once

	release ReleaseFunc
	now     func() time.Time

	// Read by the registry's cleanup sweep without entering the loop.
	memberCount  atomic.Int32
	lastActiveMs atomic.Int64
}

// RoomOptions configures a new room at creation time.
type RoomOptions struct {
	Name       string
	Password   string
	MaxMembers int
	SyncMode   string
	Release    ReleaseFunc
	Now        func() time.Time
}

// NewRoom creates a room with an idle playback state and starts its command
// loop. MaxMembers is fixed for the life of the room.
func NewRoom(id string, opts RoomOptions) *Room {
	if opts.MaxMembers <= 0 {
		opts.MaxMembers = 6
	}
	if opts.SyncMode != protocol.SyncStrict {
		opts.SyncMode = protocol.SyncSoft
	}
	if opts.Release == nil {
		opts.Release = func(string, string, string) {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Room{
		ID:            id,
		name:          trimClamp(opts.Name, maxRoomNameLength),
		password:      trimClamp(opts.Password, maxPasswordLength),
		maxMembers:    opts.MaxMembers,
		syncMode:      opts.SyncMode,
		startupTarget: startupTargetFor(nil),
		resumeTarget:  resumeTargetFor(nil),
		members:       newMemberTable(),
		playback:      newPlaybackState("", opts.Now()),
		cmds:          make(chan func(), 64),
		closed:        make(chan struct{}),
		release:       opts.Release,
		now:           opts.Now,
	}
	r.lastActiveMs.Store(r.now().UnixMilli())
	go r.loop()
	return r
}

func (r *Room) loop() {
	playbackTick := time.NewTicker(playbackHeartbeatEvery)
	defer playbackTick.Stop()
	snapshotTick := time.NewTicker(snapshotHeartbeatEvery)
	defer snapshotTick.Stop()

	for {
		select {
		case <-r.closed:
			return
		case fn := <-r.cmds:
			fn()
		case <-playbackTick.C:
			r.heartbeatPlayback()
		case <-snapshotTick.C:
			r.heartbeatSnapshot()
		}
	}
}

// exec runs fn inside the command loop and waits for it to finish.
func (r *Room) exec(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case r.cmds <- wrapped:
	case <-r.closed:
		return ErrRoomClosed
	}
	select {
	case <-done:
		return nil
	case <-r.closed:
		return ErrRoomClosed
	}
}

func (r *Room) touch(now time.Time) {
	r.lastActiveMs.Store(now.UnixMilli())
}

// MemberCount is safe to call from any goroutine.
func (r *Room) MemberCount() int { return int(r.memberCount.Load()) }

// LastActive is safe to call from any goroutine.
func (r *Room) LastActive() time.Time {
	return time.UnixMilli(r.lastActiveMs.Load())
}

// Join admits a connection. The send channel stays owned by the transport;
// the room only writes to it and never closes it.
func (r *Room) Join(connID, nickname, password string, send chan protocol.Message) (protocol.RoomSnapshot, error) {
	var (
		snap    protocol.RoomSnapshot
		joinErr error
	)
	err := r.exec(func() {
		now := r.now()
		if r.password != "" && trimClamp(password, maxPasswordLength) != r.password {
			joinErr = ErrPasswordMismatch
			return
		}
		old, already := r.members.get(connID)
		if !already && r.members.len() >= r.maxMembers {
			joinErr = ErrRoomFull
			return
		}

		othersPresent := r.members.len() > 0
		if already && r.members.len() == 1 {
			othersPresent = false
		}
		m := &member{
			connID:      connID,
			nickname:    sanitizeNickname(nickname),
			send:        send,
			connectedAt: now,
			mediaMatch:  protocol.MatchMissing,
		}
		if already {
			// A rejoin on the same connection replaces the record in place,
			// keeping its insertion slot and with it the host role.
			m.connectedAt = old.connectedAt
			r.members.replace(m)
		} else {
			r.members.add(m)
		}
		r.memberCount.Store(int32(r.members.len()))
		r.touch(now)

		// A join into an active room re-arms the startup gate so the newcomer
		// can catch up; if playback was running it resumes once everyone is
		// startup-ready again.
		if othersPresent && r.media != nil {
			wasPlaying := !r.playback.Paused
			r.startupGateActive = true
			if wasPlaying {
				pos := derivePosition(r.playback, now)
				paused := true
				markPlayback(&r.playback, playbackPatch{Position: &pos, Paused: &paused}, protocol.ReasonStartupGate, connID, now)
				r.pendingStartRequested = true
			}
		}

		slog.Info("member joined", "room_id", r.ID, "conn_id", connID, "nickname", m.nickname, "members", r.members.len())
		snap = r.snapshotNow()
		r.broadcastSnapshot(connID)
	})
	if err != nil {
		return protocol.RoomSnapshot{}, err
	}
	return snap, joinErr
}

// Leave removes a member; it reports whether the member existed.
func (r *Room) Leave(connID string) bool {
	removed := false
	_ = r.exec(func() {
		removed = r.removeMember(connID)
	})
	return removed
}

// Disconnect is the transport-failure path; identical to Leave.
func (r *Room) Disconnect(connID string) {
	_ = r.exec(func() {
		r.removeMember(connID)
	})
}

func (r *Room) removeMember(connID string) bool {
	_, ok := r.members.remove(connID)
	if !ok {
		return false
	}
	now := r.now()
	r.memberCount.Store(int32(r.members.len()))
	r.touch(now)

	slog.Info("member left", "room_id", r.ID, "conn_id", connID, "remaining", r.members.len())
	if r.members.len() == 0 {
		// Keep media until idle eviction so a reconnecting host finds it.
		return true
	}
	r.stepGates(now)
	r.broadcastSnapshot("")
	return true
}

// SelectMedia handles room:select-media from the socket. The host replaces
// the room media (fingerprint-only, no file resource); a non-host only
// updates its own match state.
func (r *Room) SelectMedia(connID string, desc protocol.MediaDescriptor) {
	_ = r.exec(func() {
		m, ok := r.members.get(connID)
		if !ok {
			return
		}
		now := r.now()
		if h := r.members.host(); h != nil && h.connID == connID {
			r.replaceMedia(connID, desc, "", now)
			return
		}

		m.selectedSHA256 = desc.SHA256
		m.selectedSize = desc.Size
		m.selectedDuration = desc.Duration
		m.mediaMatch = r.matchFor(m)
		if r.media != nil {
			m.startupReady = r.memberStartupReady(m, now)
		}
		if m.mediaMatch != protocol.MatchMatched {
			// The selecting member hears about every failed match, including
			// a selection made before the host has shared any media.
			errText := "selected file does not match the host's media"
			if r.media == nil {
				errText = "the host has not shared media for this room yet"
			}
			trySend(m.send, protocol.Message{
				Type:   protocol.TypeRoomError,
				RoomID: r.ID,
				Error:  errText,
			})
		}
		r.stepGates(now)
		r.broadcastSnapshot("")
	})
}

// SetMediaUpload installs an uploaded media file as the room media. Host-only;
// the HTTP layer maps ErrNotHost to 403.
func (r *Room) SetMediaUpload(connID string, desc protocol.MediaDescriptor, path string) error {
	var opErr error
	err := r.exec(func() {
		if _, ok := r.members.get(connID); !ok {
			opErr = ErrNotMember
			return
		}
		if h := r.members.host(); h == nil || h.connID != connID {
			opErr = ErrNotHost
			return
		}
		r.replaceMedia(connID, desc, path, r.now())
	})
	if err != nil {
		return err
	}
	return opErr
}

// replaceMedia is the single media mutation point: it releases the previous
// file resource, resets buffer telemetry, recomputes matches and targets,
// arms the startup gate and installs a fresh paused playback state.
func (r *Room) replaceMedia(hostID string, desc protocol.MediaDescriptor, path string, now time.Time) {
	if desc.ID == "" {
		desc.ID = uuid.NewString()
	}
	desc.SelectedAt = now.UnixMilli()

	if r.media != nil {
		r.release("media", r.media.desc.ID, r.media.path)
	}
	r.media = &mediaResource{desc: desc, path: path}

	r.startupTarget = startupTargetFor(desc.Duration)
	r.resumeTarget = resumeTargetFor(desc.Duration)

	for _, m := range r.members.all() {
		m.buffering = false
		m.bufferingStartedAt = time.Time{}
		m.bufferAheadSeconds = 0
		m.readyState = 0
		m.canPlayThrough = false
		m.startupReady = false
		if m.connID == hostID {
			m.selectedSHA256 = desc.SHA256
			m.selectedSize = desc.Size
			m.selectedDuration = desc.Duration
			m.mediaMatch = protocol.MatchMatched
			continue
		}
		if r.matchFor(m) == protocol.MatchMatched {
			m.mediaMatch = protocol.MatchMatched
		} else {
			m.mediaMatch = protocol.MatchMissing
		}
	}

	r.playback = newPlaybackState(hostID, now)
	r.startupGateActive = true
	r.pendingStartRequested = false
	r.resumeAfterBuffer = false
	r.touch(now)

	slog.Info("media replaced", "room_id", r.ID, "media_id", desc.ID, "name", desc.Name, "size", desc.Size)
	r.broadcastSnapshot("")
}

// SetSubtitle installs an uploaded subtitle. Host-only.
func (r *Room) SetSubtitle(connID string, desc protocol.SubtitleDescriptor, path string) error {
	var opErr error
	err := r.exec(func() {
		if _, ok := r.members.get(connID); !ok {
			opErr = ErrNotMember
			return
		}
		if h := r.members.host(); h == nil || h.connID != connID {
			opErr = ErrNotHost
			return
		}
		now := r.now()
		if desc.ID == "" {
			desc.ID = uuid.NewString()
		}
		desc.UploadedAt = now.UnixMilli()
		if r.subtitle != nil {
			r.release("subtitle", r.subtitle.desc.ID, r.subtitle.path)
		}
		r.subtitle = &subtitleResource{desc: desc, path: path}
		r.touch(now)
		slog.Info("subtitle replaced", "room_id", r.ID, "subtitle_id", desc.ID, "format", desc.Format)
		r.broadcastSnapshot("")
	})
	if err != nil {
		return err
	}
	return opErr
}

// matchFor compares a member's selected fingerprint against the room media:
// sha256 and size equal, durations within 0.25 s when both are known.
func (r *Room) matchFor(m *member) string {
	if r.media == nil || m.selectedSHA256 == "" {
		return protocol.MatchMissing
	}
	d := r.media.desc
	if m.selectedSHA256 == d.SHA256 && m.selectedSize == d.Size && durationsAgree(m.selectedDuration, d.Duration) {
		return protocol.MatchMatched
	}
	return protocol.MatchMismatch
}

func durationsAgree(a, b *float64) bool {
	if a == nil || b == nil {
		return true
	}
	diff := *a - *b
	if diff < 0 {
		diff = -diff
	}
	return diff <= 0.25
}

// PlaybackControl applies a client playback command, subject to the startup
// and buffer gates.
func (r *Room) PlaybackControl(connID string, position *float64, paused *bool, rate *float64, reason string) {
	_ = r.exec(func() {
		if r.media == nil {
			return
		}
		if _, ok := r.members.get(connID); !ok {
			return
		}
		now := r.now()
		reason = normalizeReason(reason)
		isUnpause := paused != nil && !*paused

		if r.startupGateActive && isUnpause {
			r.pendingStartRequested = true
			if !r.allStartupReady(now) {
				forcedPaused := true
				markPlayback(&r.playback, playbackPatch{Paused: &forcedPaused}, protocol.ReasonStartupGate, connID, now)
				r.broadcastPlayback("")
				return
			}
			// Everyone is ready; this tick disarms the gate.
			r.stepGates(now)
			return
		}

		if r.syncMode == protocol.SyncStrict && isUnpause && r.anyBuffering() {
			return
		}

		markPlayback(&r.playback, playbackPatch{Position: position, Paused: paused, Rate: rate}, reason, connID, now)
		if reason == protocol.ReasonUser {
			// A deliberate user action overrides any pending auto-resume.
			r.resumeAfterBuffer = false
		}
		r.touch(now)
		r.broadcastPlayback("")
		r.stepGates(now)
	})
}

func normalizeReason(reason string) string {
	switch reason {
	case protocol.ReasonUser, protocol.ReasonBufferLock, protocol.ReasonStartupGate, protocol.ReasonMediaTransfer:
		return reason
	default:
		return protocol.ReasonUser
	}
}

// ReportBuffering records one member's readiness telemetry and steps the gates.
func (r *Room) ReportBuffering(connID string, buffering bool, bufferAhead float64, readyState int, canPlayThrough bool) {
	_ = r.exec(func() {
		m, ok := r.members.get(connID)
		if !ok {
			return
		}
		now := r.now()
		if buffering && !m.buffering {
			m.bufferingStartedAt = now
		}
		if !buffering {
			m.bufferingStartedAt = time.Time{}
		}
		m.buffering = buffering
		m.bufferAheadSeconds = bufferAhead
		m.readyState = readyState
		m.canPlayThrough = canPlayThrough
		m.startupReady = r.memberStartupReady(m, now)
		r.stepGates(now)
	})
}

// SetSyncMode switches soft/strict. Host-only; silently dropped otherwise.
func (r *Room) SetSyncMode(connID, mode string) {
	_ = r.exec(func() {
		if h := r.members.host(); h == nil || h.connID != connID {
			return
		}
		if mode != protocol.SyncSoft && mode != protocol.SyncStrict {
			return
		}
		now := r.now()
		r.syncMode = mode
		if mode == protocol.SyncSoft {
			r.resumeAfterBuffer = false
		} else {
			r.stepGates(now)
		}
		r.touch(now)
		slog.Info("sync mode changed", "room_id", r.ID, "mode", mode)
		r.broadcastSnapshot("")
	})
}

// RequestSnapshot sends the latest snapshot to one member only.
func (r *Room) RequestSnapshot(connID string) {
	_ = r.exec(func() {
		m, ok := r.members.get(connID)
		if !ok {
			return
		}
		snap := r.snapshotNow()
		trySend(m.send, protocol.Message{Type: protocol.TypeSnapshot, RoomID: r.ID, Snapshot: &snap})
	})
}

// RequestPlayback sends the latest playback envelope to one member only.
func (r *Room) RequestPlayback(connID string) {
	_ = r.exec(func() {
		m, ok := r.members.get(connID)
		if !ok {
			return
		}
		env := r.envelopeNow()
		trySend(m.send, protocol.Message{Type: protocol.TypePlaybackState, RoomID: r.ID, Playback: &env})
	})
}

// Snapshot returns the current snapshot; used by the HTTP layer.
func (r *Room) Snapshot() protocol.RoomSnapshot {
	var snap protocol.RoomSnapshot
	_ = r.exec(func() {
		snap = r.snapshotNow()
	})
	return snap
}

// Summary returns the discovery summary for this room.
func (r *Room) Summary() protocol.RoomSummary {
	var sum protocol.RoomSummary
	_ = r.exec(func() {
		sum = protocol.RoomSummary{
			RoomID:           r.ID,
			RoomName:         r.name,
			RequiresPassword: r.password != "",
			MemberCount:      r.members.len(),
			MaxMembers:       r.maxMembers,
			PlaybackState:    r.playbackLabel(),
		}
		if h := r.members.host(); h != nil {
			sum.HostNickname = h.nickname
		}
		if r.media != nil {
			sum.MediaName = r.media.desc.Name
		}
		if r.subtitle != nil {
			sum.SubtitleName = r.subtitle.desc.Name
		}
	})
	return sum
}

// IsHost reports whether connID currently holds the host role.
func (r *Room) IsHost(connID string) bool {
	isHost := false
	_ = r.exec(func() {
		h := r.members.host()
		isHost = h != nil && h.connID == connID
	})
	return isHost
}

// MediaPath resolves a media id to its on-disk path and mime type.
func (r *Room) MediaPath(mediaID string) (path, mimeType string, ok bool) {
	_ = r.exec(func() {
		if r.media != nil && r.media.desc.ID == mediaID && r.media.path != "" {
			path, mimeType, ok = r.media.path, r.media.desc.MimeType, true
		}
	})
	return path, mimeType, ok
}

// SubtitlePath resolves a subtitle id to its on-disk path and format.
func (r *Room) SubtitlePath(subtitleID string) (path, format string, ok bool) {
	_ = r.exec(func() {
		if r.subtitle != nil && r.subtitle.desc.ID == subtitleID && r.subtitle.path != "" {
			path, format, ok = r.subtitle.path, r.subtitle.desc.Format, true
		}
	})
	return path, format, ok
}

// Close destroys the room: subscribers get room:closed, member channels are
// closed and file resources released. Idempotent.
func (r *Room) Close(notify bool) {
	r.closeOnce.Do(func() {
		done := make(chan struct{})
		r.cmds <- func() {
			defer close(done)
			if notify {
				r.broadcast(protocol.Message{Type: protocol.TypeRoomClosed, RoomID: r.ID, Error: "room closed"}, "")
			}
			// Send channels are owned by the transport; members are just dropped.
			r.members = newMemberTable()
			r.memberCount.Store(0)
			if r.media != nil {
				r.release("media", r.media.desc.ID, r.media.path)
				r.media = nil
			}
			if r.subtitle != nil {
				r.release("subtitle", r.subtitle.desc.ID, r.subtitle.path)
				r.subtitle = nil
			}
			close(r.closed)
		}
		<-done
		slog.Info("room closed", "room_id", r.ID)
	})
}

func (r *Room) heartbeatPlayback() {
	if r.members.len() == 0 || r.media == nil {
		return
	}
	r.stepGates(r.now())
	r.broadcastPlayback("")
}

func (r *Room) heartbeatSnapshot() {
	if r.members.len() == 0 {
		return
	}
	r.broadcastSnapshot("")
}

func (r *Room) playbackLabel() string {
	switch {
	case r.media == nil:
		return "idle"
	case r.playback.Paused:
		return "paused"
	default:
		return "playing"
	}
}

func (r *Room) snapshotNow() protocol.RoomSnapshot {
	now := r.now()
	snap := protocol.RoomSnapshot{
		RoomID:           r.ID,
		RoomName:         r.name,
		RequiresPassword: r.password != "",
		SyncMode:         r.syncMode,
		IsPreparing:      r.startupGateActive,
		MaxMembers:       r.maxMembers,
		Members:          make([]protocol.MemberInfo, 0, r.members.len()),
		PlaybackState:    r.playback,
		ServerTime:       now.UnixMilli(),
	}
	if r.media != nil {
		d := r.media.desc
		snap.Media = &d
	}
	if r.subtitle != nil {
		d := r.subtitle.desc
		snap.Subtitle = &d
	}
	for i, m := range r.members.all() {
		snap.Members = append(snap.Members, protocol.MemberInfo{
			ConnID:             m.connID,
			Nickname:           m.nickname,
			IsHost:             i == 0,
			MediaMatch:         m.mediaMatch,
			Buffering:          m.buffering,
			StartupReady:       m.startupReady,
			BufferAheadSeconds: m.bufferAheadSeconds,
			ReadyState:         m.readyState,
			CanPlayThrough:     m.canPlayThrough,
			ConnectedAt:        m.connectedAt.UnixMilli(),
		})
	}
	return snap
}

func (r *Room) envelopeNow() protocol.PlaybackEnvelope {
	return protocol.PlaybackEnvelope{
		RoomID:           r.ID,
		State:            r.playback,
		ServerTime:       r.now().UnixMilli(),
		BufferingMembers: r.bufferingConnIDs(),
	}
}

func (r *Room) broadcastSnapshot(except string) {
	snap := r.snapshotNow()
	r.broadcast(protocol.Message{Type: protocol.TypeSnapshot, RoomID: r.ID, Snapshot: &snap}, except)
}

func (r *Room) broadcastPlayback(except string) {
	env := r.envelopeNow()
	r.broadcast(protocol.Message{Type: protocol.TypePlaybackState, RoomID: r.ID, Playback: &env}, except)
}

func (r *Room) broadcast(msg protocol.Message, except string) {
	for _, m := range r.members.all() {
		if except != "" && m.connID == except {
			continue
		}
		trySend(m.send, msg)
	}
}

func trySend(ch chan protocol.Message, msg protocol.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("trySend timeout", "type", msg.Type)
		return false
	}
}
