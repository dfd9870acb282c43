package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for every tunable. Environment variables override them; a few are
// additionally overridable by flags in main.
const (
	DefaultPort               = 4000
	DefaultDiscoveryPort      = 43153
	DefaultRoomIdleTTL        = 120 * time.Minute
	DefaultStorageDir         = ".watchtogether/uploads"
	DefaultMaxMembers         = 6
	DefaultDirectStreamMaxBPS = 900_000
)

// Config holds process-wide settings resolved once at startup.
type Config struct {
	Port               int
	DiscoveryPort      int
	RoomIdleTTL        time.Duration
	StorageDir         string
	MaxMembers         int
	DirectStreamMaxBPS int64
	FFProbePath        string
}

// FromEnv resolves the configuration from environment variables,
// falling back to defaults for anything unset or unparsable.
func FromEnv() Config {
	return Config{
		Port:               envInt("PORT", DefaultPort),
		DiscoveryPort:      envInt("WATCH_TOGETHER_DISCOVERY_PORT", DefaultDiscoveryPort),
		RoomIdleTTL:        time.Duration(envInt("ROOM_IDLE_TTL_MINUTES", int(DefaultRoomIdleTTL/time.Minute))) * time.Minute,
		StorageDir:         envString("WATCH_TOGETHER_STORAGE_DIR", DefaultStorageDir),
		MaxMembers:         envInt("WATCH_TOGETHER_MAX_MEMBERS", DefaultMaxMembers),
		DirectStreamMaxBPS: int64(envInt("WATCH_TOGETHER_DIRECT_STREAM_MAX_BPS", DefaultDirectStreamMaxBPS)),
		FFProbePath:        envString("FFPROBE_PATH", "ffprobe"),
	}
}

func envString(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
