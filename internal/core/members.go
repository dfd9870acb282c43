package core

import (
	"fmt"
	"time"

	"watchtogether/server/internal/protocol"
)

// member is the authoritative record for one connection inside a room.
// All access is serialized through the room's command loop.
type member struct {
	connID      string
	nickname    string
	send        chan protocol.Message
	connectedAt time.Time

	// Media selection reported via room:select-media.
	selectedSHA256   string
	selectedSize     int64
	selectedDuration *float64
	mediaMatch       string

	// Buffer telemetry reported via client:buffering.
	buffering          bool
	bufferingStartedAt time.Time
	bufferAheadSeconds float64
	readyState         int
	canPlayThrough     bool
	startupReady       bool
}

// memberTable is an insertion-ordered map keyed by connection id. The head of
// the order is the host; removing the head promotes the oldest remaining
// member, which keeps "exactly one host iff non-empty" structural.
type memberTable struct {
	order []string
	byID  map[string]*member
}

func newMemberTable() *memberTable {
	return &memberTable{byID: make(map[string]*member)}
}

func (t *memberTable) len() int { return len(t.order) }

func (t *memberTable) get(connID string) (*member, bool) {
	m, ok := t.byID[connID]
	return m, ok
}

func (t *memberTable) add(m *member) {
	if _, exists := t.byID[m.connID]; exists {
		return
	}
	t.byID[m.connID] = m
	t.order = append(t.order, m.connID)
}

// replace swaps the record for an existing connection id without touching
// its insertion slot; unknown ids are appended.
func (t *memberTable) replace(m *member) {
	if _, ok := t.byID[m.connID]; !ok {
		t.add(m)
		return
	}
	t.byID[m.connID] = m
}

func (t *memberTable) remove(connID string) (*member, bool) {
	m, ok := t.byID[connID]
	if !ok {
		return nil, false
	}
	delete(t.byID, connID)
	for i, id := range t.order {
		if id == connID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return m, true
}

// host returns the earliest-joined member, or nil for an empty table.
func (t *memberTable) host() *member {
	if len(t.order) == 0 {
		return nil
	}
	return t.byID[t.order[0]]
}

// all returns members in join order.
func (t *memberTable) all() []*member {
	out := make([]*member, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// sanitizeNickname trims and clamps a nickname to 24 characters; an empty
// result falls back to a generated Viewer-XX name.
func sanitizeNickname(nickname string) string {
	nickname = trimClamp(nickname, maxNicknameLength)
	if nickname == "" {
		code := GenerateRoomCode()
		nickname = fmt.Sprintf("Viewer-%s", code[:2])
	}
	return nickname
}
