package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"watchtogether/server/internal/protocol"
)

// Entry is one discovered room, from either the broadcast or the probe path.
type Entry struct {
	InstanceID string               `json:"instanceId"`
	Room       protocol.RoomSummary `json:"room"`
	ServerURL  string               `json:"serverUrl"`
	LastSeenAt time.Time            `json:"lastSeenAt"`
}

func entryKey(instanceID, roomID string) string {
	return instanceID + ":" + roomID
}

// Listener collects announcements broadcast by other hosts on the LAN.
// Entries expire after BroadcastTTL without a refresh.
type Listener struct {
	instanceID string
	port       int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]Entry

	conn net.PacketConn
}

// NewListener creates a stopped listener. instanceID is this process's id;
// our own announcements are ignored.
func NewListener(instanceID string, port int) *Listener {
	return &Listener{
		instanceID: instanceID,
		port:       port,
		now:        time.Now,
		entries:    make(map[string]Entry),
	}
}

// Start binds the UDP socket with SO_REUSEADDR (announcer and listener may
// share the port on one machine) and starts the read and sweep loops.
func (l *Listener) Start(ctx context.Context) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var soErr error
			if err := c.Control(func(fd uintptr) {
				soErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return soErr
		},
	}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", l.port))
	if err != nil {
		return fmt.Errorf("bind discovery socket: %w", err)
	}
	l.conn = conn

	go l.readLoop(ctx)
	go l.sweepLoop(ctx)
	slog.Info("discovery listener started", "port", l.port)
	return nil
}

// Stop closes the socket; loops exit shortly after.
func (l *Listener) Stop() {
	if l.conn != nil {
		_ = l.conn.Close()
	}
}

// Entries returns the live (unexpired) broadcast entries.
func (l *Listener) Entries() []Entry {
	cutoff := l.now().Add(-BroadcastTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.LastSeenAt.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func (l *Listener) readLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = l.conn.SetReadDeadline(l.now().Add(2 * time.Second))
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		l.handlePacket(buf[:n], from)
	}
}

func (l *Listener) handlePacket(data []byte, from net.Addr) {
	var ann protocol.Announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		return
	}
	if ann.Type != protocol.AnnouncementType || ann.ProtocolVersion != protocol.ProtocolVersion {
		return
	}
	if ann.InstanceID == "" || ann.InstanceID == l.instanceID {
		return
	}
	if ann.RoomID == "" || ann.Port == 0 {
		return
	}

	udpFrom, ok := from.(*net.UDPAddr)
	if !ok {
		return
	}

	entry := Entry{
		InstanceID: ann.InstanceID,
		Room: protocol.RoomSummary{
			RoomID:           ann.RoomID,
			RoomName:         ann.RoomName,
			HostNickname:     ann.HostNickname,
			RequiresPassword: ann.RequiresPassword,
			MemberCount:      ann.MemberCount,
			MaxMembers:       ann.MaxMembers,
			MediaName:        ann.MediaName,
			SubtitleName:     ann.SubtitleName,
			PlaybackState:    ann.PlaybackState,
		},
		ServerURL:  fmt.Sprintf("http://%s:%d", udpFrom.IP.String(), ann.Port),
		LastSeenAt: l.now(),
	}

	l.mu.Lock()
	l.entries[entryKey(ann.InstanceID, ann.RoomID)] = entry
	l.mu.Unlock()
}

func (l *Listener) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := l.now().Add(-BroadcastTTL)
			l.mu.Lock()
			for key, e := range l.entries {
				if !e.LastSeenAt.After(cutoff) {
					delete(l.entries, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Merge combines broadcast and probe entries, preferring the newer
// LastSeenAt per instance:room key.
func Merge(lists ...[]Entry) []Entry {
	merged := make(map[string]Entry)
	for _, list := range lists {
		for _, e := range list {
			key := entryKey(e.InstanceID, e.Room.RoomID)
			if cur, ok := merged[key]; !ok || e.LastSeenAt.After(cur.LastSeenAt) {
				merged[key] = e
			}
		}
	}
	out := make([]Entry, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	return out
}
