package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Load()

	if cfg.CategoryLimit.Operations != 2 {
		t.Fatalf("expected 2 category operations per window, got %d", cfg.CategoryLimit.Operations)
	}
	if cfg.CategoryLimit.Window != 10*time.Minute {
		t.Fatalf("expected 10m window, got %s", cfg.CategoryLimit.Window)
	}
	if cfg.ZoneLimit.MaxRetries != 3 || cfg.ZoneLimit.BackoffDelay != time.Second {
		t.Fatalf("unexpected zone retry defaults: %+v", cfg.ZoneLimit)
	}
	if cfg.WorkerPollInterval != time.Second {
		t.Fatalf("expected 1s poll interval, got %s", cfg.WorkerPollInterval)
	}
	if cfg.VisibilityTimeout != 30*time.Second {
		t.Fatalf("expected 30s visibility timeout, got %s", cfg.VisibilityTimeout)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Fatalf("expected 5s request timeout, got %s", cfg.RequestTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CATEGORY_RATE_OPERATIONS", "5")
	t.Setenv("CATEGORY_RATE_WINDOW", "30s")
	t.Setenv("ZONE_BACKOFF_DELAY", "250ms")
	t.Setenv("SCHEDULED_BATCH_SIZE", "7")

	cfg := Load()
	if cfg.CategoryLimit.Operations != 5 {
		t.Fatalf("override missed: %d", cfg.CategoryLimit.Operations)
	}
	if cfg.CategoryLimit.Window != 30*time.Second {
		t.Fatalf("override missed: %s", cfg.CategoryLimit.Window)
	}
	if cfg.ZoneLimit.BackoffDelay != 250*time.Millisecond {
		t.Fatalf("override missed: %s", cfg.ZoneLimit.BackoffDelay)
	}
	if cfg.ScheduledBatchSize != 7 {
		t.Fatalf("override missed: %d", cfg.ScheduledBatchSize)
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("CATEGORY_RATE_OPERATIONS", "many")
	t.Setenv("CATEGORY_RATE_WINDOW", "soon")

	cfg := Load()
	if cfg.CategoryLimit.Operations != 2 || cfg.CategoryLimit.Window != 10*time.Minute {
		t.Fatalf("malformed values should fall back to defaults: %+v", cfg.CategoryLimit)
	}
}
