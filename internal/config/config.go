/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Event bus backend selection.
type BusBackend string

const (
	BusMemory BusBackend = "memory"
	BusRedis  BusBackend = "redis"
	BusNATS   BusBackend = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string

	JWTSigningKey string
	MetricsBind   string

	// Shared session store (Redis)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	InstanceID    string

	// Cross-instance broadcast fan-out
	BusBackend BusBackend
	NATSURL    string

	// Playback clock
	ScheduleAhead time.Duration // forward buffer added when scheduling a start
	SeekCooldown  time.Duration // per (group,user) throttle between seeks
	PlaybackTTL   time.Duration // fast-store playback hash lifetime

	// Queue / request moderation limits
	MaxQueueItems      int
	RequestRatePerMin  int
	MaxPendingRequests int
	MaxHistoryItems    int

	// Presence
	PresenceGrace      time.Duration // disconnect debounce before a device goes offline
	PresenceStaleAfter time.Duration // lastSeen age past which the sweeper force-offlines
	PresenceBroadcasts bool

	// Listener sets
	ListenerBroadcasts         bool
	AutoPauseOnControllerLeave bool

	// Background reconcilers
	CoordinatorInterval   time.Duration
	CoordinatorEndPad     time.Duration // tolerance past track end before auto-advance
	ListenerSweepInterval time.Duration
	PresenceSweepInterval time.Duration

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("HARMONY_ENV", "development"),
		HTTPBind:    getEnv("HARMONY_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("HARMONY_HTTP_PORT", 8080),
		DBBackend:   DatabaseBackend(getEnv("HARMONY_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:       getEnv("HARMONY_DB_DSN", ""),

		JWTSigningKey: getEnv("HARMONY_JWT_SIGNING_KEY", ""),
		MetricsBind:   getEnv("HARMONY_METRICS_BIND", "127.0.0.1:9000"),

		RedisAddr:     getEnv("HARMONY_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("HARMONY_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("HARMONY_REDIS_DB", 0),
		InstanceID:    getEnv("HARMONY_INSTANCE_ID", ""),

		BusBackend: BusBackend(getEnv("HARMONY_BUS_BACKEND", string(BusRedis))),
		NATSURL:    getEnv("HARMONY_NATS_URL", "nats://localhost:4222"),

		ScheduleAhead: getEnvDuration("HARMONY_SCHEDULE_AHEAD_MS", 1200*time.Millisecond),
		SeekCooldown:  getEnvDuration("HARMONY_SEEK_COOLDOWN_MS", 2000*time.Millisecond),
		PlaybackTTL:   time.Duration(getEnvInt("HARMONY_PLAYBACK_TTL_HOURS", 6)) * time.Hour,

		MaxQueueItems:      getEnvInt("HARMONY_MAX_QUEUE_ITEMS", 500),
		RequestRatePerMin:  getEnvInt("HARMONY_REQUEST_RATE_PER_MIN", 4),
		MaxPendingRequests: getEnvInt("HARMONY_MAX_PENDING_REQUESTS", 3),
		MaxHistoryItems:    getEnvInt("HARMONY_MAX_HISTORY_ITEMS", 50),

		PresenceGrace:      getEnvDuration("HARMONY_PRESENCE_GRACE_MS", 20*time.Second),
		PresenceStaleAfter: getEnvDuration("HARMONY_PRESENCE_STALE_MS", 90*time.Second),
		PresenceBroadcasts: getEnvBool("HARMONY_PRESENCE_BROADCASTS", false),

		ListenerBroadcasts:         getEnvBool("HARMONY_LISTENER_BROADCASTS", true),
		AutoPauseOnControllerLeave: getEnvBool("HARMONY_AUTO_PAUSE_ON_CONTROLLER_LEAVE", true),

		CoordinatorInterval:   getEnvDuration("HARMONY_COORDINATOR_INTERVAL_MS", 2*time.Second),
		CoordinatorEndPad:     getEnvDuration("HARMONY_COORDINATOR_END_PAD_MS", 350*time.Millisecond),
		ListenerSweepInterval: getEnvDuration("HARMONY_LISTENER_SWEEP_INTERVAL_MS", 60*time.Second),
		PresenceSweepInterval: getEnvDuration("HARMONY_PRESENCE_SWEEP_INTERVAL_MS", 60*time.Second),

		TracingEnabled:    getEnvBool("HARMONY_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("HARMONY_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("HARMONY_TRACING_SAMPLE_RATE", 1.0),
	}

	// Each instance needs a distinct id: the event buses suppress own-node
	// echoes by comparing it, and two nodes sharing one id would drop each
	// other's broadcasts.
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.BusBackend != BusMemory && cfg.BusBackend != BusRedis && cfg.BusBackend != BusNATS {
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.BusBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("HARMONY_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("HARMONY_JWT_SIGNING_KEY must be provided")
	}

	if strings.EqualFold(cfg.Environment, "production") && len(cfg.JWTSigningKey) < 16 {
		return nil, fmt.Errorf("HARMONY_JWT_SIGNING_KEY must be at least 16 bytes in production")
	}

	if cfg.MaxQueueItems <= 0 {
		return nil, fmt.Errorf("HARMONY_MAX_QUEUE_ITEMS must be positive")
	}

	if cfg.PresenceStaleAfter <= cfg.PresenceGrace {
		return nil, fmt.Errorf("HARMONY_PRESENCE_STALE_MS must exceed HARMONY_PRESENCE_GRACE_MS")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvDuration reads a millisecond count from the environment.
func getEnvDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
