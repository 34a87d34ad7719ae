package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("unexpected log level: %s", cfg.Log.Level)
	}
	if cfg.Complexity.MinLength != 200 {
		t.Fatalf("unexpected complexity length: %d", cfg.Complexity.MinLength)
	}
	if cfg.Risk.DailyBudget != 50 {
		t.Fatalf("unexpected daily budget: %d", cfg.Risk.DailyBudget)
	}
	if cfg.Confidence.SimilarityThreshold != 0.55 {
		t.Fatalf("unexpected similarity threshold: %f", cfg.Confidence.SimilarityThreshold)
	}
	if cfg.RateLimits["standard"].CallsPerMinute != 30 {
		t.Fatalf("unexpected standard rate: %+v", cfg.RateLimits["standard"])
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "noesis.yaml")
	data := `
log:
  level: debug
chains:
  default:
    providers:
      - name: ollama
        model: llama3
      - name: mock
rate_limits:
  premium:
    calls_per_minute: 120
    calls_per_day: 5000
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("file override missing: %s", cfg.Log.Level)
	}
	chain, ok := cfg.Chains["default"]
	if !ok || len(chain.Providers) != 2 {
		t.Fatalf("chain not loaded: %+v", cfg.Chains)
	}
	if chain.Providers[0].Name != "ollama" || chain.Providers[0].Model != "llama3" {
		t.Fatalf("unexpected provider: %+v", chain.Providers[0])
	}
	if cfg.RateLimits["premium"].CallsPerDay != 5000 {
		t.Fatalf("unexpected premium rate: %+v", cfg.RateLimits["premium"])
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NOESIS_LOG_FORMAT", "json")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Log.Format != "json" {
		t.Fatalf("env override missing: %s", cfg.Log.Format)
	}
}

func TestValidateRejectsEmptyChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	data := `
chains:
  default:
    providers: []
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}
