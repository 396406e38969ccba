package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("AGENT_TIMEOUT_SECONDS", "")
	t.Setenv("STORAGE_CONTAINER", "")

	cfg := Load()
	if cfg.Addr != ":8000" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.AgentTimeout != 60*time.Second {
		t.Fatalf("expected 60s agent timeout, got %s", cfg.AgentTimeout)
	}
	if cfg.StorageContainer != "images" {
		t.Fatalf("expected images container, got %q", cfg.StorageContainer)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FORM_SYNC_POLL_INTERVAL_MS", "250")
	t.Setenv("STORAGE_USE_SSL", "false")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("FORM_SYNC_BATCH_SIZE", "not-a-number")

	cfg := Load()
	if cfg.SyncPollInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms poll interval, got %s", cfg.SyncPollInterval)
	}
	if cfg.StorageUseSSL {
		t.Fatal("expected SSL disabled")
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("expected 2.5 rps, got %v", cfg.RateLimitRPS)
	}
	if cfg.SyncBatchSize != 25 {
		t.Fatalf("expected fallback batch size, got %d", cfg.SyncBatchSize)
	}
}
