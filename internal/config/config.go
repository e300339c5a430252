// Package config loads application configuration from environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stowaway/service/internal/cache"
	"github.com/stowaway/service/internal/vhost"
)

// Config holds all runtime configuration for the service.
type Config struct {
	Port     string
	AppEnv   string
	LogLevel string

	// Local cache
	LocalDir         string
	CacheSize        int64 // -1 when unset; see ResolveCacheSize
	EvictionInterval time.Duration

	// Transform pool
	PoolSize    int
	PoolTimeout time.Duration
	WorkingSize int

	// Replication
	ReplicationWorkers     int
	ReplicationMaxAttempts int
	ReplicationBackoff     string // "constant" or "exponential"
	RemoteTimeout          time.Duration

	// Outbox: Postgres when DatabaseURL is set, otherwise files under OutboxDir.
	OutboxDir   string
	DatabaseURL string

	VHost     string
	VHostFile string
	UserAgent string
}

// Load reads configuration from a .env file (if present) and environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, reading from environment")
	}

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LocalDir:  getEnv("LOCAL_DIR", filepath.Join(os.TempDir(), "stowaway")),
		CacheSize: -1,

		ReplicationBackoff: getEnv("REPLICATION_BACKOFF", "constant"),
		OutboxDir:          getEnv("OUTBOX_DIR", "outbox"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		VHost:              getEnv("VHOST", "{}"),
		VHostFile:          os.Getenv("VHOST_FILE"),
		UserAgent:          os.Getenv("USER_AGENT"),
	}

	if v := os.Getenv("CACHE_SIZE_BYTES"); v != "" {
		n, err := units.ParseStrictBytes(v)
		if err != nil {
			return nil, errors.Wrapf(err, "CACHE_SIZE_BYTES=%q", v)
		}
		cfg.CacheSize = n
	}

	var err error
	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"RESIZE_POOL_SIZE", 2, &cfg.PoolSize},
		{"WORKING_SIZE", 2048, &cfg.WorkingSize},
		{"REPLICATION_WORKERS", 4, &cfg.ReplicationWorkers},
		{"REPLICATION_MAX_ATTEMPTS", 0, &cfg.ReplicationMaxAttempts},
	}
	for _, i := range ints {
		if *i.dst, err = getInt(i.key, i.fallback); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key      string
		fallback int
		dst      *time.Duration
	}{
		{"CACHE_EVICTION_INTERVAL_SECONDS", 60, &cfg.EvictionInterval},
		{"RESIZE_POOL_TIMEOUT_SECONDS", 30, &cfg.PoolTimeout},
		{"REMOTE_TIMEOUT_SECONDS", 10, &cfg.RemoteTimeout},
	}
	for _, d := range durations {
		n, err := getInt(d.key, d.fallback)
		if err != nil {
			return nil, err
		}
		*d.dst = time.Duration(n) * time.Second
	}

	switch cfg.ReplicationBackoff {
	case "constant", "exponential":
	default:
		return nil, errors.Errorf("REPLICATION_BACKOFF=%q: want constant or exponential", cfg.ReplicationBackoff)
	}
	return cfg, nil
}

// IsProduction returns true when the app is running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Tenants parses VHOST_FILE when set, otherwise VHOST.
func (c *Config) Tenants() (map[string]vhost.TenantConfig, error) {
	if c.VHostFile != "" {
		data, err := os.ReadFile(c.VHostFile)
		if err != nil {
			return nil, errors.Wrap(err, "read VHOST_FILE")
		}
		return vhost.Parse(data)
	}
	return vhost.Parse([]byte(c.VHost))
}

// ResolveCacheSize returns the cache capacity in bytes. An explicit
// CACHE_SIZE_BYTES wins; otherwise tenants replicating to a remote store
// get 80% of the free space under LocalDir and a purely local deployment is
// unbounded (0).
func (c *Config) ResolveCacheSize(anyRemote bool) int64 {
	if c.CacheSize >= 0 {
		return c.CacheSize
	}
	if !anyRemote {
		return 0
	}
	return int64(freeBytes(c.LocalDir) / 10 * 8)
}

var freeBytes = cache.FreeBytes

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.Errorf("%s=%q: want a non-negative integer", key, v)
	}
	return n, nil
}
