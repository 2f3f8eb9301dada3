package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("MARGINALIA_SELECTION_DEBOUNCE_MS", "")

	cfg := Load()
	if cfg.Addr != ":8787" || cfg.RedisURL != "" || cfg.DefaultPlan != "free" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.SelectionDebounce != 10*time.Millisecond {
		t.Errorf("SelectionDebounce = %v", cfg.SelectionDebounce)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("MARGINALIA_GATE_POLL_SECONDS", "5")
	t.Setenv("MARGINALIA_LIVE_EVENTS_PER_SECOND", "not-a-number")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg := Load()
	if cfg.Addr != ":9000" || cfg.GatePoll != 5*time.Second {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.LiveEventsPerSec != 50 {
		t.Errorf("invalid int should fall back, got %d", cfg.LiveEventsPerSec)
	}
	if !cfg.MinioUseSSL {
		t.Error("MINIO_USE_SSL should parse")
	}
}
