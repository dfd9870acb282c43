package discovery

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"watchtogether/server/internal/protocol"
)

func announcement(instanceID, roomID string) protocol.Announcement {
	return protocol.Announcement{
		Type:            protocol.AnnouncementType,
		ProtocolVersion: protocol.ProtocolVersion,
		InstanceID:      instanceID,
		RoomID:          roomID,
		RoomName:        "Movie Night",
		HostNickname:    "alice",
		MemberCount:     2,
		MaxMembers:      6,
		PlaybackState:   "paused",
		Port:            4000,
	}
}

func packetFrom(t *testing.T, ann protocol.Announcement) ([]byte, net.Addr) {
	t.Helper()
	data, err := json.Marshal(ann)
	if err != nil {
		t.Fatalf("marshal announcement: %v", err)
	}
	return data, &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 43153}
}

func TestListenerRecordsAnnouncementsAndExpiresThem(t *testing.T) {
	t.Parallel()

	l := NewListener("self-instance", 43153)
	base := time.UnixMilli(1_700_000_000_000)
	now := base
	l.now = func() time.Time { return now }

	l.handlePacket(packetFrom(t, announcement("peer-1", "MOVIE1")))

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.InstanceID != "peer-1" || e.Room.RoomID != "MOVIE1" {
		t.Fatalf("unexpected entry: %#v", e)
	}
	if e.ServerURL != "http://192.168.1.50:4000" {
		t.Fatalf("server url must come from the sender ip and announced port: %q", e.ServerURL)
	}

	// Within the TTL the entry stays visible.
	now = base.Add(4 * time.Second)
	if got := l.Entries(); len(got) != 1 {
		t.Fatalf("entry expired too early: %d", len(got))
	}

	// Past 4.5 s without a refresh it is gone.
	now = base.Add(5 * time.Second)
	if got := l.Entries(); len(got) != 0 {
		t.Fatalf("entry must expire after the broadcast ttl, got %d", len(got))
	}
}

func TestListenerIgnoresInvalidAndSelfAnnouncements(t *testing.T) {
	t.Parallel()

	l := NewListener("self-instance", 43153)

	// Own announcements are skipped.
	l.handlePacket(packetFrom(t, announcement("self-instance", "MOVIE1")))

	// Wrong protocol version.
	wrongVersion := announcement("peer-1", "MOVIE1")
	wrongVersion.ProtocolVersion = 99
	l.handlePacket(packetFrom(t, wrongVersion))

	// Wrong type.
	wrongType := announcement("peer-1", "MOVIE1")
	wrongType.Type = "something:else"
	l.handlePacket(packetFrom(t, wrongType))

	// Missing room id or port.
	noRoom := announcement("peer-1", "")
	l.handlePacket(packetFrom(t, noRoom))
	noPort := announcement("peer-1", "MOVIE1")
	noPort.Port = 0
	l.handlePacket(packetFrom(t, noPort))

	// Garbage bytes.
	l.handlePacket([]byte("{not json"), &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50)})

	if got := l.Entries(); len(got) != 0 {
		t.Fatalf("no entry should have been recorded, got %#v", got)
	}
}

func TestListenerRefreshKeepsNewestTimestamp(t *testing.T) {
	t.Parallel()

	l := NewListener("self-instance", 43153)
	base := time.UnixMilli(1_700_000_000_000)
	now := base
	l.now = func() time.Time { return now }

	l.handlePacket(packetFrom(t, announcement("peer-1", "MOVIE1")))
	now = base.Add(3 * time.Second)
	l.handlePacket(packetFrom(t, announcement("peer-1", "MOVIE1")))

	// The refresh re-stamps LastSeenAt, so the entry survives past the
	// original packet's TTL.
	now = base.Add(6 * time.Second)
	if got := l.Entries(); len(got) != 1 {
		t.Fatalf("refreshed entry must survive, got %d", len(got))
	}
}

func TestMergePrefersTheNewerEntry(t *testing.T) {
	t.Parallel()

	older := Entry{
		InstanceID: "peer-1",
		Room:       protocol.RoomSummary{RoomID: "MOVIE1", MemberCount: 1},
		ServerURL:  "http://192.168.1.50:4000",
		LastSeenAt: time.UnixMilli(1_000),
	}
	newer := older
	newer.Room.MemberCount = 3
	newer.LastSeenAt = time.UnixMilli(2_000)

	other := Entry{
		InstanceID: "peer-2",
		Room:       protocol.RoomSummary{RoomID: "OTHER1"},
		ServerURL:  "http://192.168.1.60:4000",
		LastSeenAt: time.UnixMilli(1_500),
	}

	merged := Merge([]Entry{older, other}, []Entry{newer})
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged entries, got %d", len(merged))
	}
	for _, e := range merged {
		if e.InstanceID == "peer-1" && e.Room.MemberCount != 3 {
			t.Fatalf("merge must prefer the newer entry, got %#v", e)
		}
	}
}

func TestSubnetHostsExpandsEligiblePrefixes(t *testing.T) {
	t.Parallel()

	// /24 inside the allowed 20..30 window: 254 hosts.
	hosts := subnetHosts(net.IPv4(192, 168, 1, 17).To4(), net.CIDRMask(24, 32))
	if len(hosts) != 254 {
		t.Fatalf("/24 expansion = %d hosts, want 254", len(hosts))
	}
	if hosts[0] != "192.168.1.1" || hosts[len(hosts)-1] != "192.168.1.254" {
		t.Fatalf("range bounds wrong: %s .. %s", hosts[0], hosts[len(hosts)-1])
	}

	// /30 keeps its tiny range: 2 hosts.
	hosts = subnetHosts(net.IPv4(10, 0, 0, 1).To4(), net.CIDRMask(30, 32))
	if len(hosts) != 2 {
		t.Fatalf("/30 expansion = %d hosts, want 2", len(hosts))
	}

	// /16 is too wide: falls back to the address's /24.
	hosts = subnetHosts(net.IPv4(10, 1, 2, 3).To4(), net.CIDRMask(16, 32))
	if len(hosts) != 254 {
		t.Fatalf("/16 fallback = %d hosts, want 254", len(hosts))
	}
	if hosts[0] != "10.1.2.1" {
		t.Fatalf("/16 fallback must stay inside the /24, got %s", hosts[0])
	}
}

func TestBroadcastTargetsAlwaysIncludeTheLimitedBroadcast(t *testing.T) {
	t.Parallel()

	targets := broadcastTargets(43153)
	if len(targets) == 0 {
		t.Fatal("expected at least one target")
	}
	udp, ok := targets[0].(*net.UDPAddr)
	if !ok || !udp.IP.Equal(net.IPv4bcast) || udp.Port != 43153 {
		t.Fatalf("first target must be 255.255.255.255:43153, got %v", targets[0])
	}
}

// probeTestServer serves one discovery document and counts requests; it
// returns the host and port a prober should scan.
func probeTestServer(t *testing.T, doc protocol.DiscoveryResponse, requests *atomic.Int32) (string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func TestProbeCachesTheScanResult(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	doc := protocol.DiscoveryResponse{
		ProtocolVersion: protocol.ProtocolVersion,
		InstanceID:      "peer-9",
		Rooms:           []protocol.RoomSummary{{RoomID: "MOVIE1", RoomName: "Movie Night"}},
	}
	host, port := probeTestServer(t, doc, &requests)

	p := NewProber("self-instance", port)
	p.hosts = func() []string { return []string{host} }

	entries := p.Probe(context.Background())
	if len(entries) != 1 || entries[0].InstanceID != "peer-9" || entries[0].Room.RoomID != "MOVIE1" {
		t.Fatalf("unexpected probe result: %#v", entries)
	}
	issued := requests.Load()

	// A second probe inside the cache window returns the same map without
	// touching the network.
	again := p.Probe(context.Background())
	if len(again) != 1 || again[0].Room.RoomID != "MOVIE1" {
		t.Fatalf("cached probe result differs: %#v", again)
	}
	if got := requests.Load(); got != issued {
		t.Fatalf("cached probe must not issue requests: %d then %d", issued, got)
	}
}

func TestProbeDropsOurOwnInstance(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	doc := protocol.DiscoveryResponse{
		ProtocolVersion: protocol.ProtocolVersion,
		InstanceID:      "self-instance",
		Rooms:           []protocol.RoomSummary{{RoomID: "MOVIE1"}},
	}
	host, port := probeTestServer(t, doc, &requests)

	p := NewProber("self-instance", port)
	p.hosts = func() []string { return []string{host} }

	if entries := p.Probe(context.Background()); len(entries) != 0 {
		t.Fatalf("own discovery document must be dropped, got %#v", entries)
	}
	if requests.Load() == 0 {
		t.Fatal("the host should have been probed")
	}
}

func TestInPrivateRange(t *testing.T) {
	t.Parallel()

	private := []string{"10.0.0.1", "172.16.5.5", "192.168.1.1", "100.64.0.9", "169.254.1.1", "198.18.0.1"}
	for _, ip := range private {
		if !inPrivateRange(net.ParseIP(ip).To4()) {
			t.Errorf("%s must count as private", ip)
		}
	}
	public := []string{"8.8.8.8", "1.1.1.1", "172.32.0.1"}
	for _, ip := range public {
		if inPrivateRange(net.ParseIP(ip).To4()) {
			t.Errorf("%s must not count as private", ip)
		}
	}
}
