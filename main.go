package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"watchtogether/server/internal/config"
	"watchtogether/server/internal/core"
	"watchtogether/server/internal/discovery"
	"watchtogether/server/internal/httpapi"
	"watchtogether/server/internal/media"
	"watchtogether/server/internal/protocol"
	"watchtogether/server/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfg := config.FromEnv()

	addr := flag.String("addr", fmt.Sprintf(":%d", cfg.Port), "HTTP listen address")
	storageDir := flag.String("storage-dir", cfg.StorageDir, "Upload storage directory")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	if RunCLI(flag.Args(), filepath.Join(*storageDir, "uploads.db")) {
		return
	}

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "addr", *addr, "storage", *storageDir)

	uploads, err := store.Open(filepath.Join(*storageDir, "uploads.db"))
	if err != nil {
		slog.Error("open upload store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := uploads.Close(); closeErr != nil {
			slog.Error("close upload store", "err", closeErr)
		}
	}()

	storage, err := media.NewStorage(*storageDir)
	if err != nil {
		slog.Error("initialize media storage", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := core.NewRegistry(core.RegistryOptions{
		MaxMembers: cfg.MaxMembers,
		IdleTTL:    cfg.RoomIdleTTL,
		Release: func(kind, id, path string) {
			storage.Remove(path)
			if err := uploads.DeleteUpload(ctx, id); err != nil {
				slog.Warn("delete upload metadata", "kind", kind, "upload_id", id, "err", err)
			}
		},
		OnDestroy: func(roomID string) {
			storage.RemoveRoom(roomID)
			if err := uploads.DeleteRoomUploads(ctx, roomID); err != nil {
				slog.Warn("delete room upload metadata", "room_id", roomID, "err", err)
			}
		},
	})
	defer registry.Close()
	go registry.RunCleanup(ctx)

	instanceID := uuid.NewString()
	slog.Debug("instance identity", "instance_id", instanceID)

	listener := discovery.NewListener(instanceID, cfg.DiscoveryPort)
	if err := listener.Start(ctx); err != nil {
		slog.Warn("discovery listener unavailable", "err", err)
	} else {
		defer listener.Stop()
	}

	// Announce the port we actually listen on; -addr overrides PORT.
	httpPort := advertisePort(*addr, cfg.Port)

	announcer := discovery.NewAnnouncer(cfg.DiscoveryPort)
	announcer.Arm(func() []protocol.Announcement {
		summaries := registry.Summaries()
		anns := make([]protocol.Announcement, 0, len(summaries))
		for _, sum := range summaries {
			anns = append(anns, protocol.Announcement{
				InstanceID:       instanceID,
				RoomID:           sum.RoomID,
				RoomName:         sum.RoomName,
				HostNickname:     sum.HostNickname,
				RequiresPassword: sum.RequiresPassword,
				MemberCount:      sum.MemberCount,
				MaxMembers:       sum.MaxMembers,
				MediaName:        sum.MediaName,
				SubtitleName:     sum.SubtitleName,
				PlaybackState:    sum.PlaybackState,
				Port:             httpPort,
			})
		}
		return anns
	})
	go announcer.Run(ctx)

	server := httpapi.New(httpapi.Options{
		InstanceID:         instanceID,
		Registry:           registry,
		Uploads:            uploads,
		Storage:            storage,
		FFProbePath:        cfg.FFProbePath,
		Listener:           listener,
		LANProber:          discovery.NewProber(instanceID, cfg.Port),
		DirectStreamMaxBPS: cfg.DirectStreamMaxBPS,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	slog.Info("listening", "addr", *addr, "discovery_port", cfg.DiscoveryPort)
	if err := server.Run(ctx, *addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// advertisePort extracts the port from a listen address so discovery
// announcements point at the socket peers can actually reach.
func advertisePort(addr string, fallback int) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fallback
	}
	if p, err := strconv.Atoi(portStr); err == nil && p > 0 {
		return p
	}
	return fallback
}
