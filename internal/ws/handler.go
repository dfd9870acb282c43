package ws

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"watchtogether/server/internal/core"
	"watchtogether/server/internal/protocol"
)

const (
	writeTimeout = 5 * time.Second
	// Leave must be acknowledged within this deadline; an unacknowledged
	// leave is treated as success and the disconnect path cleans up.
	leaveDeadline = 400 * time.Millisecond
	sendBuffer    = 64
)

// Handler owns the websocket transport for the room coordinator.
type Handler struct {
	registry *core.Registry
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the room registry.
func NewHandler(registry *core.Registry) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

// session is the per-connection state. The send channel is owned here, not
// by the room: rooms drop the member record on leave but never close the
// channel.
type session struct {
	connID string
	send   chan protocol.Message
	room   *core.Room
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(1 << 20)

	sess := &session{
		connID: uuid.NewString(),
		send:   make(chan protocol.Message, sendBuffer),
	}

	writerDone := make(chan struct{})
	defer close(writerDone)
	go func() {
		for {
			select {
			case out := <-sess.send:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-writerDone:
				return
			}
		}
	}()

	defer func() {
		if sess.room != nil {
			sess.room.Disconnect(sess.connID)
		}
	}()

	for {
		var in protocol.Message
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		h.handleInbound(sess, in)
	}
}

func (h *Handler) handleInbound(sess *session, in protocol.Message) {
	switch in.Type {
	case protocol.TypeJoin:
		h.handleJoin(sess, in)

	case protocol.TypeLeave:
		h.handleLeave(sess)

	case protocol.TypeSelectMedia:
		if room := sess.roomFor(in.RoomID); room != nil && in.Media != nil {
			room.SelectMedia(sess.connID, *in.Media)
		}

	case protocol.TypePlaybackControl:
		if room := sess.roomFor(in.RoomID); room != nil {
			room.PlaybackControl(sess.connID, in.Position, in.Paused, in.Rate, in.Reason)
		}

	case protocol.TypeBuffering:
		if room := sess.roomFor(in.RoomID); room != nil && in.Buffering != nil {
			room.ReportBuffering(sess.connID, *in.Buffering, in.BufferAheadSeconds, in.ReadyState, in.CanPlayThrough)
		}

	case protocol.TypeRoomConfig:
		if room := sess.roomFor(in.RoomID); room != nil {
			room.SetSyncMode(sess.connID, in.SyncMode)
		}

	case protocol.TypeRequestSnapshot:
		if room := sess.roomFor(in.RoomID); room != nil {
			room.RequestSnapshot(sess.connID)
		}

	case protocol.TypeRequestPlayback:
		if room := sess.roomFor(in.RoomID); room != nil {
			room.RequestPlayback(sess.connID)
		}

	default:
		// Unknown commands are dropped, not errors.
		slog.Debug("unsupported message type", "type", in.Type)
	}
}

// roomFor returns the joined room when the command addresses it; commands
// for rooms this connection never joined are silently dropped.
func (s *session) roomFor(roomID string) *core.Room {
	if s.room == nil || s.room.ID != core.NormalizeRoomID(roomID) {
		return nil
	}
	return s.room
}

func (h *Handler) handleJoin(sess *session, in protocol.Message) {
	// Joining a different room implicitly leaves the current one. A re-join
	// of the same room goes straight through so the member keeps its slot.
	if sess.room != nil && sess.room.ID != core.NormalizeRoomID(in.RoomID) {
		sess.room.Leave(sess.connID)
		sess.room = nil
	}

	room, roomID := h.registry.GetOrCreate(in.RoomID, in.RoomName, in.Password)
	snapshot, err := room.Join(sess.connID, in.Nickname, in.Password, sess.send)
	if err != nil {
		sess.trySendLocal(protocol.Message{
			Type:   protocol.TypeJoinResult,
			RoomID: roomID,
			Error:  err.Error(),
		})
		return
	}

	sess.room = room
	sess.trySendLocal(protocol.Message{
		Type:     protocol.TypeJoinResult,
		RoomID:   roomID,
		OK:       true,
		SelfID:   sess.connID,
		Snapshot: &snapshot,
	})
}

func (h *Handler) handleLeave(sess *session) {
	room := sess.room
	sess.room = nil
	if room == nil {
		sess.trySendLocal(protocol.Message{Type: protocol.TypeLeaveResult, OK: true})
		return
	}

	done := make(chan struct{})
	go func() {
		room.Leave(sess.connID)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(leaveDeadline):
		// Treated as success; the disconnect path is the fallback.
		slog.Debug("leave ack deadline hit", "room_id", room.ID, "conn_id", sess.connID)
	}
	sess.trySendLocal(protocol.Message{Type: protocol.TypeLeaveResult, RoomID: room.ID, OK: true})
}

// trySendLocal enqueues a reply for this connection's writer without ever
// blocking the read loop.
func (s *session) trySendLocal(msg protocol.Message) {
	select {
	case s.send <- msg:
	default:
		slog.Debug("session send buffer full", "conn_id", s.connID, "type", msg.Type)
	}
}
