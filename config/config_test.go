package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobConcurrency != 1 {
		t.Errorf("JobConcurrency = %d, want 1", cfg.JobConcurrency)
	}
	if cfg.ScaleUpThreshold != 600 || cfg.ScaleDownThreshold != 300 {
		t.Errorf("autoscale thresholds = %d/%d, want 600/300", cfg.ScaleUpThreshold, cfg.ScaleDownThreshold)
	}
	if cfg.ScaleUpWindow != time.Minute || cfg.ScaleDownWindow != 10*time.Minute {
		t.Errorf("autoscale windows = %v/%v", cfg.ScaleUpWindow, cfg.ScaleDownWindow)
	}
	if cfg.BackoffDivisor != 10 || cfg.MinBackoff != time.Minute {
		t.Errorf("backoff policy = %d/%v", cfg.BackoffDivisor, cfg.MinBackoff)
	}
	if cfg.ScheduleInterval != time.Minute {
		t.Errorf("ScheduleInterval = %v, want 1m", cfg.ScheduleInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JOB_CONCURRENCY", "8")
	t.Setenv("SCALE_UP_THRESHOLD", "900")
	t.Setenv("SCHEDULE_INTERVAL", "5m")
	t.Setenv("IGNORE_FREE_CHAT", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobConcurrency != 8 {
		t.Errorf("JobConcurrency = %d, want 8", cfg.JobConcurrency)
	}
	if cfg.ScaleUpThreshold != 900 {
		t.Errorf("ScaleUpThreshold = %d, want 900", cfg.ScaleUpThreshold)
	}
	if cfg.ScheduleInterval != 5*time.Minute {
		t.Errorf("ScheduleInterval = %v, want 5m", cfg.ScheduleInterval)
	}
	if !cfg.IgnoreFreeChat {
		t.Error("IgnoreFreeChat = false, want true")
	}
}

func TestLoadRejectsBadConcurrency(t *testing.T) {
	t.Setenv("JOB_CONCURRENCY", "0")
	if _, err := Load(); err == nil {
		t.Error("expected error for JOB_CONCURRENCY=0")
	}
}

func TestValidateCatalogReady(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateCatalogReady(); err == nil {
		t.Error("expected error with empty CatalogAPIKey")
	}
	cfg.CatalogAPIKey = "key"
	if err := cfg.ValidateCatalogReady(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
