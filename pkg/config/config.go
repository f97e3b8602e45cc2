// Package config loads daemon configuration from environment variables,
// optionally overlaid with a YAML deployment profile.
package config

import (
	"os"
	"strconv"
	"time"
)

// Backend names accepted for the storage selections.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendSQL      = "sql"
	BackendRedis    = "redis"
)

// Fold policy names.
const (
	FoldPolicySkip = "skip"
	FoldPolicyFail = "fail"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	JournalBackend string // memory | file | postgres | sqlite
	JournalPath    string // file backend
	DatabaseURL    string // postgres/sqlite backends

	GuardBackend   string // memory | sql | redis
	RedisAddr      string
	GuardRetention time.Duration

	SnapshotBackend     string // memory | sql
	SnapshotEveryEvents int
	SnapshotInterval    time.Duration
	SnapshotKeep        int

	FoldPolicy          string // skip | fail
	AllowNegativeCredit []string

	RateLimitRPS   int
	RateLimitBurst int

	ProfileDir string
	Profile    string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:                envOr("PORT", "8080"),
		LogLevel:            envOr("LOG_LEVEL", "INFO"),
		JournalBackend:      envOr("JOURNAL_BACKEND", BackendMemory),
		JournalPath:         envOr("JOURNAL_PATH", "creditledger.jsonl"),
		DatabaseURL:         envOr("DATABASE_URL", "postgres://creditledger@localhost:5432/creditledger?sslmode=disable"),
		GuardBackend:        envOr("GUARD_BACKEND", BackendMemory),
		RedisAddr:           envOr("REDIS_ADDR", "localhost:6379"),
		GuardRetention:      time.Duration(envInt("GUARD_RETENTION_DAYS", 90)) * 24 * time.Hour,
		SnapshotBackend:     envOr("SNAPSHOT_BACKEND", BackendMemory),
		SnapshotEveryEvents: envInt("SNAPSHOT_EVERY_EVENTS", 1000),
		SnapshotInterval:    time.Duration(envInt("SNAPSHOT_INTERVAL_SECONDS", 0)) * time.Second,
		SnapshotKeep:        envInt("SNAPSHOT_KEEP", 3),
		FoldPolicy:          envOr("FOLD_POLICY", FoldPolicySkip),
		RateLimitRPS:        envInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst:      envInt("RATE_LIMIT_BURST", 100),
		ProfileDir:          envOr("PROFILE_DIR", "profiles"),
		Profile:             os.Getenv("PROFILE"),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
