package protocol

// ProtocolVersion is carried by discovery announcements and probe responses.
const ProtocolVersion = 1

// Message types used by the websocket protocol.
const (
	TypeJoin            = "room:join"
	TypeJoinResult      = "room:join:result"
	TypeLeave           = "room:leave"
	TypeLeaveResult     = "room:leave:result"
	TypeSelectMedia     = "room:select-media"
	TypeRequestSnapshot = "room:request-snapshot"
	TypeRoomConfig      = "room:config"
	TypePlaybackControl = "playback:control"
	TypeRequestPlayback = "playback:request-state"
	TypeBuffering       = "client:buffering"
	TypeSnapshot        = "room:snapshot"
	TypePlaybackState   = "playback:state"
	TypeRoomError       = "room:error"
	TypeRoomClosed      = "room:closed"
)

// Playback reason values. The canonical reason for a media replacement is
// media_transfer; no other spelling is emitted.
const (
	ReasonUser          = "user"
	ReasonBufferLock    = "buffer_lock"
	ReasonStartupGate   = "startup_gate"
	ReasonMediaTransfer = "media_transfer"
)

// Sync modes.
const (
	SyncSoft   = "soft"
	SyncStrict = "strict"
)

// Media match states for one member against the room's media.
const (
	MatchMissing  = "missing"
	MatchMatched  = "matched"
	MatchMismatch = "mismatch"
)

// Message is the JSON control envelope exchanged over websocket.
// Fields are a union across all message types; omitempty keeps frames small.
type Message struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId,omitempty"`
	RoomName string `json:"roomName,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Password string `json:"password,omitempty"`

	// room:join:result / room:leave:result
	OK     bool   `json:"ok,omitempty"`
	SelfID string `json:"selfId,omitempty"`
	Error  string `json:"error,omitempty"`

	// room:select-media
	Media *MediaDescriptor `json:"media,omitempty"`

	// playback:control — pointer fields distinguish absent from zero.
	Position *float64 `json:"position,omitempty"`
	Paused   *bool    `json:"paused,omitempty"`
	Rate     *float64 `json:"rate,omitempty"`
	Reason   string   `json:"reason,omitempty"`

	// client:buffering
	Buffering          *bool   `json:"buffering,omitempty"`
	BufferAheadSeconds float64 `json:"bufferAheadSeconds,omitempty"`
	ReadyState         int     `json:"readyState,omitempty"`
	CanPlayThrough     bool    `json:"canPlayThrough,omitempty"`
	StartupReady       bool    `json:"startupReady,omitempty"`

	// room:config
	SyncMode string `json:"syncMode,omitempty"`

	// server → client payloads
	Snapshot *RoomSnapshot     `json:"snapshot,omitempty"`
	Playback *PlaybackEnvelope `json:"playback,omitempty"`
	TS       int64             `json:"ts,omitempty"`
}

// PlaybackState is the authoritative playback record for one room.
type PlaybackState struct {
	Position  float64 `json:"position"`
	Paused    bool    `json:"paused"`
	Rate      float64 `json:"rate"`
	UpdatedAt int64   `json:"updatedAt"` // unix ms
	UpdatedBy string  `json:"updatedBy"` // connection id
	Reason    string  `json:"reason"`
}

// PlaybackEnvelope is the transport unit clients reconcile their player from.
type PlaybackEnvelope struct {
	RoomID           string        `json:"roomId"`
	State            PlaybackState `json:"state"`
	ServerTime       int64         `json:"serverTime"` // unix ms
	BufferingMembers []string      `json:"bufferingMembers,omitempty"`
}

// MediaDescriptor identifies one media item by content fingerprint.
// Duration is nil when probing failed or the client did not report one.
type MediaDescriptor struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Size       int64    `json:"size"`
	MimeType   string   `json:"mimeType"`
	Duration   *float64 `json:"duration"` // seconds
	SHA256     string   `json:"sha256"`
	SelectedAt int64    `json:"selectedAt"` // unix ms
}

// SubtitleDescriptor identifies the room's optional subtitle track.
type SubtitleDescriptor struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Format     string  `json:"format"` // "vtt" or "ass"
	Language   *string `json:"language"`
	UploadedAt int64   `json:"uploadedAt"` // unix ms
}

// MemberInfo is one member's public state inside a snapshot.
type MemberInfo struct {
	ConnID             string  `json:"connId"`
	Nickname           string  `json:"nickname"`
	IsHost             bool    `json:"isHost"`
	MediaMatch         string  `json:"mediaMatch"`
	Buffering          bool    `json:"buffering"`
	StartupReady       bool    `json:"startupReady"`
	BufferAheadSeconds float64 `json:"bufferAheadSeconds"`
	ReadyState         int     `json:"readyState"`
	CanPlayThrough     bool    `json:"canPlayThrough"`
	ConnectedAt        int64   `json:"connectedAt"` // unix ms
}

// RoomSnapshot is the full authoritative room state, materialized on demand.
// Members are ordered host first, then by join order.
type RoomSnapshot struct {
	RoomID           string              `json:"roomId"`
	RoomName         string              `json:"roomName"`
	RequiresPassword bool                `json:"requiresPassword"`
	SyncMode         string              `json:"syncMode"`
	IsPreparing      bool                `json:"isPreparing"`
	MaxMembers       int                 `json:"maxMembers"`
	Members          []MemberInfo        `json:"members"`
	Media            *MediaDescriptor    `json:"media"`
	Subtitle         *SubtitleDescriptor `json:"subtitle"`
	PlaybackState    PlaybackState       `json:"playbackState"`
	ServerTime       int64               `json:"serverTime"` // unix ms
}

// AnnouncementType marks a discovery datagram.
const AnnouncementType = "watchtogether:announce"

// Announcement is the JSON datagram a host broadcasts over UDP.
type Announcement struct {
	Type             string `json:"type"`
	ProtocolVersion  int    `json:"protocolVersion"`
	InstanceID       string `json:"instanceId"`
	RoomID           string `json:"roomId"`
	RoomName         string `json:"roomName"`
	HostNickname     string `json:"hostNickname"`
	RequiresPassword bool   `json:"requiresPassword"`
	MemberCount      int    `json:"memberCount"`
	MaxMembers       int    `json:"maxMembers"`
	MediaName        string `json:"mediaName,omitempty"`
	SubtitleName     string `json:"subtitleName,omitempty"`
	PlaybackState    string `json:"playbackState"` // "idle", "paused" or "playing"
	Port             int    `json:"port"`
	AnnouncedAt      int64  `json:"announcedAt"` // unix ms
}

// RoomSummary is the per-room payload of GET /api/discovery.
type RoomSummary struct {
	RoomID           string `json:"roomId"`
	RoomName         string `json:"roomName"`
	HostNickname     string `json:"hostNickname"`
	RequiresPassword bool   `json:"requiresPassword"`
	MemberCount      int    `json:"memberCount"`
	MaxMembers       int    `json:"maxMembers"`
	MediaName        string `json:"mediaName,omitempty"`
	SubtitleName     string `json:"subtitleName,omitempty"`
	PlaybackState    string `json:"playbackState"`
}

// DiscoveryResponse is the body of GET /api/discovery.
type DiscoveryResponse struct {
	ProtocolVersion int           `json:"protocolVersion"`
	InstanceID      string        `json:"instanceId"`
	Rooms           []RoomSummary `json:"rooms"`
}
