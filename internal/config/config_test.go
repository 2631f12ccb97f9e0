package config

import (
	"testing"
	"time"
)

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	t.Setenv("HARMONY_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("HARMONY_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("HARMONY_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDSN == "" {
		t.Fatal("expected DB DSN to be set")
	}
	if cfg.JWTSigningKey != "supersecret" {
		t.Fatalf("unexpected jwt signing key: %q", cfg.JWTSigningKey)
	}
	if cfg.ScheduleAhead != 1200*time.Millisecond {
		t.Fatalf("unexpected default schedule ahead: %v", cfg.ScheduleAhead)
	}
	if cfg.MaxQueueItems != 500 {
		t.Fatalf("unexpected default max queue items: %d", cfg.MaxQueueItems)
	}
}

func TestLoadParsesMillisecondDurations(t *testing.T) {
	t.Setenv("HARMONY_DB_DSN", "file::memory:?cache=shared")
	t.Setenv("HARMONY_DB_BACKEND", "sqlite")
	t.Setenv("HARMONY_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("HARMONY_SEEK_COOLDOWN_MS", "2500")
	t.Setenv("HARMONY_PRESENCE_GRACE_MS", "5000")
	t.Setenv("HARMONY_PRESENCE_STALE_MS", "30000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SeekCooldown != 2500*time.Millisecond {
		t.Fatalf("unexpected seek cooldown: %v", cfg.SeekCooldown)
	}
	if cfg.PresenceGrace != 5*time.Second {
		t.Fatalf("unexpected presence grace: %v", cfg.PresenceGrace)
	}
}

func TestLoadGeneratesInstanceID(t *testing.T) {
	t.Setenv("HARMONY_DB_DSN", "file::memory:?cache=shared")
	t.Setenv("HARMONY_DB_BACKEND", "sqlite")
	t.Setenv("HARMONY_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("HARMONY_INSTANCE_ID", "")

	first, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if first.InstanceID == "" {
		t.Fatal("expected a generated instance id")
	}

	// Two unconfigured instances must never share an id, or the bus echo
	// suppression drops all cross-instance events.
	second, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if second.InstanceID == first.InstanceID {
		t.Fatalf("expected distinct generated instance ids, both %q", first.InstanceID)
	}

	t.Setenv("HARMONY_INSTANCE_ID", "node-a")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.InstanceID != "node-a" {
		t.Fatalf("expected configured instance id to win, got %q", cfg.InstanceID)
	}
}

func TestLoadRejectsInvertedPresenceWindows(t *testing.T) {
	t.Setenv("HARMONY_DB_DSN", "file::memory:?cache=shared")
	t.Setenv("HARMONY_DB_BACKEND", "sqlite")
	t.Setenv("HARMONY_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("HARMONY_PRESENCE_GRACE_MS", "60000")
	t.Setenv("HARMONY_PRESENCE_STALE_MS", "30000")

	if _, err := Load(); err == nil {
		t.Fatal("expected config load to fail when stale window is inside grace window")
	}
}

func TestLoadRejectsUnknownBusBackend(t *testing.T) {
	t.Setenv("HARMONY_DB_DSN", "file::memory:?cache=shared")
	t.Setenv("HARMONY_DB_BACKEND", "sqlite")
	t.Setenv("HARMONY_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("HARMONY_BUS_BACKEND", "kafka")

	if _, err := Load(); err == nil {
		t.Fatal("expected config load to fail for unknown bus backend")
	}
}
