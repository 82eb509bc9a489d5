package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lvonguyen/guardduty-sentinel/internal/dedup"
	"github.com/lvonguyen/guardduty-sentinel/internal/retry"
	"github.com/lvonguyen/guardduty-sentinel/internal/transform"
)

const minimalYAML = `
source:
  bucket: exports
destination:
  endpoint: https://dce.example.ingest.monitor.azure.com
  rule_id: dcr-123
`

// TestParse_Defaults verifies unspecified fields keep their defaults.
func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Pipeline.BatchSize != 100 || cfg.Retry.Ingestion.MaxRetries != 3 {
		t.Errorf("unexpected defaults: %+v %+v", cfg.Pipeline, cfg.Retry.Ingestion)
	}
	if cfg.Destination.StreamName != "Custom-GuardDutyFindings" {
		t.Errorf("unexpected stream default %q", cfg.Destination.StreamName)
	}
	if cfg.DeadLetter.Backend != "memory" || cfg.Deduplication.Strategy != dedup.StrategyID {
		t.Errorf("unexpected backend/strategy defaults")
	}
	if len(cfg.Retry.Ingestion.RetryableErrors) == 0 {
		t.Error("ingestion retry policy should have default matchers")
	}
	if cfg.TransformConfig().Mode != transform.ModeNormalized {
		t.Error("normalization should default on")
	}
}

// TestParse_Overrides verifies durations and nested sections decode.
func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + `
pipeline:
  batch_size: 25
  batch_interval: 250ms
  enable_normalization: false
retry:
  ingestion:
    max_retries: 5
    retry_backoff_ms: 200
    max_backoff_ms: 1000
    multiplier: 3
    retryable_errors:
      - {type: regex, value: "^5\\d\\d"}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bc := cfg.BatchConfig()
	if bc.BatchSize != 25 || bc.BatchInterval != 250*time.Millisecond {
		t.Errorf("unexpected batch config: %+v", bc)
	}
	if cfg.TransformConfig().Mode != transform.ModeRaw {
		t.Error("expected raw mode")
	}
	ing := cfg.Retry.Ingestion
	if ing.MaxRetries != 5 || len(ing.RetryableErrors) != 1 || ing.RetryableErrors[0].Type != retry.MatchRegex {
		t.Errorf("unexpected ingestion policy: %+v", ing)
	}
}

// TestValidate_CollectsAllErrors verifies every violation is reported.
func TestValidate_CollectsAllErrors(t *testing.T) {
	_, err := Parse([]byte(`
pipeline:
  batch_size: 5000
retry:
  ingestion:
    max_retries: 11
dead_letter:
  backend: kafka
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"batch_size", "max_retries", "source.bucket", "destination.endpoint", "dead_letter.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %s, got %v", want, err)
		}
	}
}

// TestLoad_ExampleConfig verifies the shipped example stays valid.
func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeadLetter.Backend != "redis" || !cfg.Destination.Compress {
		t.Errorf("unexpected example values: %+v %+v", cfg.DeadLetter, cfg.Destination)
	}
	if _, err := retry.NewPolicy(cfg.Retry.Storage); err != nil {
		t.Errorf("storage policy should compile: %v", err)
	}
}

// TestLoad_MissingFile verifies read errors surface.
func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

// TestRedisConfig_Password verifies the password comes from the environment.
func TestRedisConfig_Password(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "s3cret")
	if got := (RedisConfig{PasswordEnv: "TEST_REDIS_PASSWORD"}).Password(); got != "s3cret" {
		t.Errorf("expected password from env, got %q", got)
	}
	if got := (RedisConfig{}).Password(); got != "" {
		t.Errorf("expected empty password, got %q", got)
	}
}

// TestAPIConfig_Token verifies the API token comes from the environment.
func TestAPIConfig_Token(t *testing.T) {
	t.Setenv("TEST_API_TOKEN", "tok")
	if got := (APIConfig{TokenEnv: "TEST_API_TOKEN"}).Token(); got != "tok" {
		t.Errorf("expected token from env, got %q", got)
	}
}
