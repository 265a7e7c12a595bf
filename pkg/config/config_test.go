package config

import (
	"testing"
	"time"
)

func TestLoadGateway_Defaults(t *testing.T) {
	t.Setenv("SERVER_ID", "w-1")
	t.Setenv("QUEUE_ENABLED", "")
	t.Setenv("STUCK_TIMEOUT", "")

	cfg := loadGateway()
	if cfg.ServerID != "w-1" {
		t.Fatalf("want server id w-1, got %q", cfg.ServerID)
	}
	if !cfg.QueueEnabled {
		t.Fatal("queue should be enabled by default")
	}
	if cfg.StuckTimeout != 120*time.Second {
		t.Fatalf("want stuck timeout 120s, got %s", cfg.StuckTimeout)
	}
	if cfg.DedupTTL != 15*time.Minute || cfg.DiscoverMax != 10 {
		t.Fatalf("unexpected dedup defaults: %s/%d", cfg.DedupTTL, cfg.DiscoverMax)
	}
}

func TestLoadGateway_Overrides(t *testing.T) {
	t.Setenv("QUEUE_ENABLED", "false")
	t.Setenv("DEVICE_POLL_INTERVAL", "3s")
	t.Setenv("SERVER_MAX_CAPACITY", "7")
	t.Setenv("ADMIN_TOKEN", "s3cret")

	cfg := loadGateway()
	if cfg.QueueEnabled {
		t.Fatal("queue should be disabled")
	}
	if cfg.DevicePollInterval != 3*time.Second {
		t.Fatalf("want 3s, got %s", cfg.DevicePollInterval)
	}
	if cfg.MaxCapacity != 7 {
		t.Fatalf("want 7, got %d", cfg.MaxCapacity)
	}
	if cfg.AdminToken != "s3cret" {
		t.Fatalf("admin token not loaded: %q", cfg.AdminToken)
	}
}
