package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"watchtogether/server/internal/protocol"
)

const cleanupEvery = time.Minute

// DestroyFunc runs after a room is destroyed; it owns removing the room's
// on-disk storage and metadata rows.
type DestroyFunc func(roomID string)

// RegistryOptions configures room creation defaults.
type RegistryOptions struct {
	MaxMembers int
	IdleTTL    time.Duration
	Release    ReleaseFunc
	OnDestroy  DestroyFunc
	Now        func() time.Time
}

// Registry maps room id → Room. The mutex guards only insert/lookup/delete;
// it is never held across a room command.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	opts  RegistryOptions
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.MaxMembers <= 0 {
		opts.MaxMembers = 6
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 120 * time.Minute
	}
	if opts.OnDestroy == nil {
		opts.OnDestroy = func(string) {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{rooms: make(map[string]*Room), opts: opts}
}

// GetOrCreate normalizes id (generating a fresh code when the result is
// empty) and returns the existing room or a new one armed with an idle
// playback state. The returned string is the id actually used.
func (g *Registry) GetOrCreate(id, name, password string) (*Room, string) {
	normalized := NormalizeRoomID(id)

	g.mu.Lock()
	defer g.mu.Unlock()

	if normalized == "" {
		for {
			normalized = GenerateRoomCode()
			if _, taken := g.rooms[normalized]; !taken {
				break
			}
		}
	}
	if room, ok := g.rooms[normalized]; ok {
		return room, normalized
	}

	room := NewRoom(normalized, RoomOptions{
		Name:       name,
		Password:   password,
		MaxMembers: g.opts.MaxMembers,
		Release:    g.opts.Release,
		Now:        g.opts.Now,
	})
	g.rooms[normalized] = room
	slog.Info("room created", "room_id", normalized, "name", name, "has_password", password != "")
	return room, normalized
}

// Get looks up a room by raw (un-normalized) id.
func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[NormalizeRoomID(id)]
	return room, ok
}

// Count returns the number of live rooms.
func (g *Registry) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Summaries returns discovery summaries for all non-empty rooms.
func (g *Registry) Summaries() []protocol.RoomSummary {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	out := make([]protocol.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		if room.MemberCount() == 0 {
			continue
		}
		out = append(out, room.Summary())
	}
	return out
}

// RunCleanup destroys rooms that stayed empty past the idle TTL. It blocks
// until ctx is done; call it in its own goroutine.
func (g *Registry) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *Registry) sweep() {
	now := g.opts.Now()

	g.mu.Lock()
	var expired []*Room
	for id, room := range g.rooms {
		if room.MemberCount() == 0 && now.Sub(room.LastActive()) > g.opts.IdleTTL {
			expired = append(expired, room)
			delete(g.rooms, id)
		}
	}
	g.mu.Unlock()

	for _, room := range expired {
		slog.Info("room evicted", "room_id", room.ID, "idle_ttl", g.opts.IdleTTL)
		room.Close(true)
		g.opts.OnDestroy(room.ID)
	}
}

// Close destroys every room; used at shutdown.
func (g *Registry) Close() {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for id, room := range g.rooms {
		rooms = append(rooms, room)
		delete(g.rooms, id)
	}
	g.mu.Unlock()

	for _, room := range rooms {
		room.Close(true)
	}
}
