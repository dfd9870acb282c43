package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"watchtogether/server/internal/protocol"
)

// Announcement cadence and visibility window for the broadcast path.
const (
	AnnounceInterval = 1500 * time.Millisecond
	BroadcastTTL     = 4500 * time.Millisecond
)

// Source supplies the announcements to broadcast on each tick, one per
// hosted room.
type Source func() []protocol.Announcement

// Announcer periodically UDP-broadcasts room announcements to every
// interface broadcast address and to 255.255.255.255. Disarmed by default.
type Announcer struct {
	port int
	now  func() time.Time

	mu     sync.Mutex
	source Source
}

// NewAnnouncer creates a disarmed announcer targeting the discovery port.
func NewAnnouncer(port int) *Announcer {
	return &Announcer{port: port, now: time.Now}
}

// Arm installs the announcement source; the next tick starts broadcasting.
func (a *Announcer) Arm(source Source) {
	a.mu.Lock()
	a.source = source
	a.mu.Unlock()
}

// Disarm stops broadcasting after the current tick.
func (a *Announcer) Disarm() {
	a.mu.Lock()
	a.source = nil
	a.mu.Unlock()
}

// Run broadcasts until ctx is done. All send errors are swallowed;
// discovery is best-effort.
func (a *Announcer) Run(ctx context.Context) {
	// ListenPacket (not DialUDP) so SO_BROADCAST sends work on Linux.
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		slog.Warn("discovery announcer socket failed", "err", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(conn)
		}
	}
}

func (a *Announcer) tick(conn net.PacketConn) {
	a.mu.Lock()
	source := a.source
	a.mu.Unlock()
	if source == nil {
		return
	}

	announcements := source()
	if len(announcements) == 0 {
		return
	}

	targets := broadcastTargets(a.port)
	now := a.now().UnixMilli()
	for _, ann := range announcements {
		ann.Type = protocol.AnnouncementType
		ann.ProtocolVersion = protocol.ProtocolVersion
		ann.AnnouncedAt = now
		data, err := json.Marshal(ann)
		if err != nil {
			continue
		}
		for _, dst := range targets {
			_, _ = conn.WriteTo(data, dst)
		}
	}
}

// broadcastTargets returns 255.255.255.255 plus each up broadcast-capable
// interface's directed broadcast address.
func broadcastTargets(port int) []net.Addr {
	targets := []net.Addr{&net.UDPAddr{IP: net.IPv4bcast, Port: port}}

	ifaces, err := net.Interfaces()
	if err != nil {
		return targets
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			broadcast := make(net.IP, 4)
			for i := range broadcast {
				broadcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			targets = append(targets, &net.UDPAddr{IP: broadcast, Port: port})
		}
	}
	return targets
}
