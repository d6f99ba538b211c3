package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string

	LocalStore  string
	LocalDBPath string

	DefaultRoom string
	PlayerCount int

	ProbeURL      string
	ProbeInterval time.Duration
	StatusPing    time.Duration
	ForceOffline  bool

	SyncDebounce      time.Duration
	SyncRetryMax      int
	SyncRetryInterval time.Duration

	CacheVersion string
	MessagesDir  string
	CORSOrigins  []string
}

const (
	LocalStoreBolt   = "bolt"
	LocalStoreMemory = "memory"
)

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:        ":8080",
		LocalStore:        LocalStoreBolt,
		LocalDBPath:       "data/scorekeeper.db",
		DefaultRoom:       "public",
		PlayerCount:       4,
		ProbeInterval:     5 * time.Second,
		StatusPing:        3 * time.Second,
		SyncDebounce:      time.Second,
		SyncRetryMax:      3,
		SyncRetryInterval: time.Minute,
		CacheVersion:      "v1",
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	if v := strings.ToLower(strings.TrimSpace(os.Getenv("LOCAL_STORE"))); v != "" {
		cfg.LocalStore = v
	}
	if v := strings.TrimSpace(os.Getenv("LOCAL_DB_PATH")); v != "" {
		cfg.LocalDBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_ROOM")); v != "" {
		cfg.DefaultRoom = v
	}
	if v := strings.TrimSpace(os.Getenv("PLAYER_COUNT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 2 {
			return nil, fmt.Errorf("PLAYER_COUNT must be an integer >= 2, got %q", v)
		}
		cfg.PlayerCount = n
	}

	cfg.ProbeURL = strings.TrimSpace(os.Getenv("PROBE_URL"))
	if d, ok := durationEnv("PROBE_INTERVAL"); ok {
		cfg.ProbeInterval = d
	}
	if d, ok := durationEnv("STATUS_PING_INTERVAL"); ok {
		cfg.StatusPing = d
	}
	if v := strings.TrimSpace(os.Getenv("FORCE_OFFLINE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ForceOffline = b
		}
	}

	if d, ok := durationEnv("SYNC_DEBOUNCE"); ok {
		cfg.SyncDebounce = d
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_RETRY_MAX")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SyncRetryMax = n
		}
	}
	if d, ok := durationEnv("SYNC_RETRY_INTERVAL"); ok {
		cfg.SyncRetryInterval = d
	}
	if v := strings.TrimSpace(os.Getenv("CACHE_VERSION")); v != "" {
		cfg.CacheVersion = v
	}
	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))
	cfg.CORSOrigins = splitList(os.Getenv("CORS_ORIGINS"))
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.LocalStore != LocalStoreBolt && cfg.LocalStore != LocalStoreMemory {
		return nil, fmt.Errorf("LOCAL_STORE must be %q or %q", LocalStoreBolt, LocalStoreMemory)
	}
	if cfg.LocalStore == LocalStoreBolt && cfg.LocalDBPath == "" {
		return nil, errors.New("LOCAL_DB_PATH is required for the bolt store")
	}

	return cfg, nil
}

// durationEnv accepts Go durations ("750ms") or bare milliseconds ("750").
func durationEnv(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Millisecond, true
	}
	return 0, false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
