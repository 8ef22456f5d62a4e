package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPPort != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.HTTPPort)
	}
	if cfg.BreakerFailureThreshold != 5 {
		t.Fatalf("expected breaker threshold 5, got %d", cfg.BreakerFailureThreshold)
	}
	if cfg.JobSoftTimeout != 300*time.Second {
		t.Fatalf("expected 300s soft timeout, got %s", cfg.JobSoftTimeout)
	}
	if cfg.ResultTTL != 7*24*time.Hour {
		t.Fatalf("expected 7d result ttl, got %s", cfg.ResultTTL)
	}
}

func TestTierForFallsBackToFree(t *testing.T) {
	cfg := Load()

	free := cfg.TierFor("free")
	unknown := cfg.TierFor("platinum")
	if unknown != free {
		t.Fatalf("expected unknown tier to fall back to free limits, got %+v", unknown)
	}
	if cfg.TierFor("enterprise").MaxConcurrent <= free.MaxConcurrent {
		t.Fatalf("expected enterprise concurrency above free")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TIER_PRO_RPM", "120")
	t.Setenv("SWEEP_INTERVAL", "30m")

	cfg := Load()
	if cfg.Tiers["pro"].RequestsPerMinute != 120 {
		t.Fatalf("expected pro rpm 120, got %d", cfg.Tiers["pro"].RequestsPerMinute)
	}
	if cfg.SweepInterval != 30*time.Minute {
		t.Fatalf("expected 30m sweep interval, got %s", cfg.SweepInterval)
	}
}
