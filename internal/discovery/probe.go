package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"watchtogether/server/internal/protocol"
)

// Probe tuning. Each host gets one short HTTP attempt; a full scan is cached
// so UI-driven refreshes inside the window are free.
const (
	ProbeTimeout     = 300 * time.Millisecond
	ProbeConcurrency = 48
	ProbeCacheTTL    = 6 * time.Second
	successHostTTL   = 10 * time.Minute
	maxSubnetHosts   = 2048
)

const probeResultKey = "probe:result"

// privateNets are the IPv4 ranges worth scanning.
var privateNets = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
	"169.254.0.0/16",
	"198.18.0.0/15",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// Prober scans local subnets for peers answering GET /api/discovery.
// Successful hosts are remembered and tried first on the next scan; a whole
// scan result is cached for ProbeCacheTTL.
type Prober struct {
	instanceID string
	port       int
	client     *http.Client
	cache      *gocache.Cache
	now        func() time.Time
	hosts      func() []string

	mu sync.Mutex // serializes full scans
}

// NewProber creates a prober for the given relay HTTP port.
func NewProber(instanceID string, port int) *Prober {
	p := &Prober{
		instanceID: instanceID,
		port:       port,
		client:     &http.Client{Timeout: ProbeTimeout},
		cache:      gocache.New(ProbeCacheTTL, time.Minute),
		now:        time.Now,
	}
	p.hosts = p.candidateHosts
	return p
}

// Probe scans every eligible interface subnet with bounded concurrency.
// Within ProbeCacheTTL of a successful scan the cached result is returned
// without issuing any HTTP requests. Probing never returns an error; a
// failed scan is an empty list.
func (p *Prober) Probe(ctx context.Context) []Entry {
	if cached, ok := p.cache.Get(probeResultKey); ok {
		return cached.([]Entry)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check: a concurrent caller may have finished the scan while we waited.
	if cached, ok := p.cache.Get(probeResultKey); ok {
		return cached.([]Entry)
	}

	candidates := p.hosts()
	if len(candidates) == 0 {
		return nil
	}

	var (
		entriesMu sync.Mutex
		entries   []Entry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ProbeConcurrency)
	for _, host := range candidates {
		host := host
		g.Go(func() error {
			found := p.probeHost(gctx, host)
			if len(found) == 0 {
				return nil
			}
			p.cache.Set("host:"+host, struct{}{}, successHostTTL)
			entriesMu.Lock()
			entries = append(entries, found...)
			entriesMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.cache.Set(probeResultKey, entries, ProbeCacheTTL)
	slog.Debug("probe finished", "hosts", len(candidates), "entries", len(entries))
	return entries
}

// probeHost fetches one peer's discovery document. Every failure is
// swallowed: an unreachable host is just not a peer.
func (p *Prober) probeHost(ctx context.Context, host string) []Entry {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/api/discovery", host, p.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var doc protocol.DiscoveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil
	}
	if doc.ProtocolVersion != protocol.ProtocolVersion || doc.InstanceID == "" || doc.InstanceID == p.instanceID {
		return nil
	}

	now := p.now()
	serverURL := fmt.Sprintf("http://%s:%d", host, p.port)
	entries := make([]Entry, 0, len(doc.Rooms))
	for _, room := range doc.Rooms {
		if room.RoomID == "" {
			continue
		}
		entries = append(entries, Entry{
			InstanceID: doc.InstanceID,
			Room:       room,
			ServerURL:  serverURL,
			LastSeenAt: now,
		})
	}
	return entries
}

// candidateHosts enumerates the hosts to scan: for each private-range
// interface, the actual subnet when its prefix is /20../30 with at most 2048
// hosts, otherwise the interface's /24. Previously-successful hosts sort
// first.
func (p *Prober) candidateHosts() []string {
	seen := make(map[string]struct{})
	var hosts []string

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
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
			if ip4 == nil || !inPrivateRange(ip4) {
				continue
			}
			for _, h := range subnetHosts(ip4, ipnet.Mask) {
				if h == ip4.String() {
					continue
				}
				if _, dup := seen[h]; dup {
					continue
				}
				seen[h] = struct{}{}
				hosts = append(hosts, h)
			}
		}
	}

	sort.SliceStable(hosts, func(i, j int) bool {
		_, iKnown := p.cache.Get("host:" + hosts[i])
		_, jKnown := p.cache.Get("host:" + hosts[j])
		return iKnown && !jKnown
	})
	return hosts
}

func inPrivateRange(ip net.IP) bool {
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// subnetHosts expands the scan range for one interface address.
func subnetHosts(ip4 net.IP, mask net.IPMask) []string {
	ones, bits := mask.Size()
	if bits != 32 {
		return nil
	}
	if ones < 20 || ones > 30 || (1<<(32-ones))-2 > maxSubnetHosts {
		// Fall back to the address's /24.
		ones = 24
		mask = net.CIDRMask(24, 32)
	}

	base := ip4.Mask(mask)
	count := 1 << (32 - ones)
	hosts := make([]string, 0, count-2)
	start := ipToUint32(base)
	for i := 1; i < count-1; i++ {
		hosts = append(hosts, uint32ToIP(start+uint32(i)).String())
	}
	return hosts
}

func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
