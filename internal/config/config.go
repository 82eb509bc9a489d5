// Package config provides configuration management for guardduty-sentinel.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/guardduty-sentinel/internal/batch"
	"github.com/lvonguyen/guardduty-sentinel/internal/dedup"
	"github.com/lvonguyen/guardduty-sentinel/internal/events"
	"github.com/lvonguyen/guardduty-sentinel/internal/ingestion"
	"github.com/lvonguyen/guardduty-sentinel/internal/observability"
	"github.com/lvonguyen/guardduty-sentinel/internal/retry"
	"github.com/lvonguyen/guardduty-sentinel/internal/storage"
	"github.com/lvonguyen/guardduty-sentinel/internal/transform"
)

// Config holds all guardduty-sentinel configuration.
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	API           APIConfig            `yaml:"api"`
	Redis         RedisConfig          `yaml:"redis"`
	Pipeline      PipelineConfig       `yaml:"pipeline"`
	Retry         RetryConfig          `yaml:"retry"`
	Deduplication dedup.Config         `yaml:"deduplication"`
	Source        storage.SourceConfig `yaml:"source"`
	Destination   ingestion.Config     `yaml:"destination"`
	DeadLetter    DeadLetterConfig     `yaml:"dead_letter"`
	Events        EventsConfig         `yaml:"events"`
	Monitoring    MonitoringConfig     `yaml:"monitoring"`
	Logging       LoggingConfig        `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// APIConfig holds operator API settings.
type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	TokenEnv  string          `yaml:"token_env"`
	MaxBody   int64           `yaml:"max_body_bytes"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Token resolves the operator API token from the environment.
func (c APIConfig) Token() string {
	if c.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.TokenEnv)
}

// RateLimitConfig holds per-client operator API limits.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password resolves the Redis password from the environment.
func (c RedisConfig) Password() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.PasswordEnv)
}

// PipelineConfig holds batching and orchestration settings.
type PipelineConfig struct {
	BatchSize            int           `yaml:"batch_size"`
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
	BatchInterval        time.Duration `yaml:"batch_interval"`
	ArchiveSize          int           `yaml:"archive_size"`
	AutoProcess          bool          `yaml:"auto_process"`
	MaxObjectsPerRun     int           `yaml:"max_objects_per_run"`
	EnableNormalization  bool          `yaml:"enable_normalization"`
	QueueDepthThreshold  int           `yaml:"queue_depth_threshold"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	TimeReserve          time.Duration `yaml:"time_reserve"`
}

// RetryConfig holds one policy per downstream dependency.
type RetryConfig struct {
	Ingestion retry.PolicyConfig `yaml:"ingestion"`
	Storage   retry.PolicyConfig `yaml:"storage"`
}

// DeadLetterConfig selects the dead-letter backend.
type DeadLetterConfig struct {
	Backend   string `yaml:"backend"` // memory, redis
	Capacity  int    `yaml:"capacity"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EventsConfig holds lifecycle event publishers.
type EventsConfig struct {
	NATS events.NATSConfig `yaml:"nats"`
}

// MonitoringConfig holds health, metrics and tracing settings.
type MonitoringConfig struct {
	HealthCheckPort int     `yaml:"health_check_port"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracingEnabled  bool    `yaml:"tracing_enabled"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	ingestionRetry := retry.DefaultPolicyConfig()
	ingestionRetry.RetryableErrors = []retry.MatcherConfig{
		{Type: retry.MatchCode, Value: ingestion.CodeRateLimited},
		{Type: retry.MatchCode, Value: ingestion.CodeServiceUnavailable},
		{Type: retry.MatchCode, Value: ingestion.CodeNetworkError},
		{Type: retry.MatchCode, Value: ingestion.CodeTimeout},
		{Type: retry.MatchCode, Value: ingestion.CodePartialIngestion},
		{Type: retry.MatchCode, Value: ingestion.CodeIngestionFailed},
	}
	storageRetry := retry.DefaultPolicyConfig()
	storageRetry.MaxRetries = 2
	storageRetry.RetryBackoffMs = 500
	storageRetry.MaxBackoffMs = 5000

	batchDefaults := batch.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		API: APIConfig{
			Enabled:  true,
			TokenEnv: "SENTINEL_API_TOKEN",
			MaxBody:  10 << 20,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerMinute: 60,
				IncludeHeaders:    true,
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Pipeline: PipelineConfig{
			BatchSize:            batchDefaults.BatchSize,
			MaxConcurrentBatches: batchDefaults.MaxConcurrentBatches,
			BatchInterval:        batchDefaults.BatchInterval,
			ArchiveSize:          batchDefaults.ArchiveSize,
			AutoProcess:          false,
			MaxObjectsPerRun:     100,
			EnableNormalization:  true,
			QueueDepthThreshold:  1000,
			PollInterval:         5 * time.Minute,
			TimeReserve:          batchDefaults.TimeReserve,
		},
		Retry: RetryConfig{
			Ingestion: ingestionRetry,
			Storage:   storageRetry,
		},
		Deduplication: dedup.DefaultConfig(),
		Source: storage.SourceConfig{
			Region: "us-east-1",
		},
		Destination: ingestion.DefaultConfig(),
		DeadLetter: DeadLetterConfig{
			Backend:   "memory",
			Capacity:  1000,
			KeyPrefix: "guardduty-sentinel:deadletter",
		},
		Events: EventsConfig{
			NATS: events.DefaultNATSConfig(),
		},
		Monitoring: MonitoringConfig{
			HealthCheckPort: 8081,
			MetricsEnabled:  true,
			SamplingRate:    0.1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Pipeline.BatchSize < 1 || c.Pipeline.BatchSize > 1000 {
		errs = append(errs, fmt.Errorf("pipeline.batch_size must be between 1 and 1000, got %d", c.Pipeline.BatchSize))
	}
	if c.Pipeline.MaxConcurrentBatches < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent_batches must be positive, got %d", c.Pipeline.MaxConcurrentBatches))
	}
	if c.Pipeline.MaxObjectsPerRun < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_objects_per_run must be positive, got %d", c.Pipeline.MaxObjectsPerRun))
	}
	if err := c.Retry.Ingestion.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry.ingestion: %w", err))
	}
	if err := c.Retry.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry.storage: %w", err))
	}

	switch c.Deduplication.Strategy {
	case dedup.StrategyID, dedup.StrategyContentHash, dedup.StrategyTimeWindow:
	default:
		errs = append(errs, fmt.Errorf("deduplication.strategy %q is not one of id, content_hash, time_window", c.Deduplication.Strategy))
	}
	if c.Deduplication.Enabled && c.Deduplication.CacheSize < 1 {
		errs = append(errs, fmt.Errorf("deduplication.cache_size must be positive, got %d", c.Deduplication.CacheSize))
	}
	if c.Deduplication.Strategy == dedup.StrategyTimeWindow && c.Deduplication.TimeWindowMinutes < 1 {
		errs = append(errs, errors.New("deduplication.time_window_minutes is required for the time_window strategy"))
	}

	if c.Source.Bucket == "" {
		errs = append(errs, errors.New("source.bucket is required"))
	}
	if c.Destination.Endpoint == "" {
		errs = append(errs, errors.New("destination.endpoint is required"))
	}
	if c.Destination.RuleID == "" {
		errs = append(errs, errors.New("destination.rule_id is required"))
	}
	if c.Destination.StreamName == "" {
		errs = append(errs, errors.New("destination.stream_name is required"))
	}
	if c.Destination.MaxPayloadBytes < 1 || c.Destination.MaxPayloadBytes > ingestion.MaxPayloadBytes {
		errs = append(errs, fmt.Errorf("destination.max_payload_bytes must be between 1 and %d, got %d", ingestion.MaxPayloadBytes, c.Destination.MaxPayloadBytes))
	}

	switch c.DeadLetter.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("dead_letter.backend %q is not one of memory, redis", c.DeadLetter.Backend))
	}
	if c.Events.NATS.Enabled && c.Events.NATS.URL == "" {
		errs = append(errs, errors.New("events.nats.url is required when NATS is enabled"))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Monitoring.HealthCheckPort < 1 || c.Monitoring.HealthCheckPort > 65535 {
		errs = append(errs, fmt.Errorf("monitoring.health_check_port out of range: %d", c.Monitoring.HealthCheckPort))
	}
	if c.Monitoring.HealthCheckPort == c.Server.Port {
		errs = append(errs, errors.New("monitoring.health_check_port must differ from server.port"))
	}
	if c.Monitoring.SamplingRate < 0 || c.Monitoring.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("monitoring.sampling_rate must be within [0, 1], got %v", c.Monitoring.SamplingRate))
	}

	return errors.Join(errs...)
}

// BatchConfig returns the batch engine settings.
func (c *Config) BatchConfig() batch.Config {
	return batch.Config{
		BatchSize:            c.Pipeline.BatchSize,
		MaxConcurrentBatches: c.Pipeline.MaxConcurrentBatches,
		BatchInterval:        c.Pipeline.BatchInterval,
		ArchiveSize:          c.Pipeline.ArchiveSize,
		AutoProcess:          c.Pipeline.AutoProcess,
		TimeReserve:          c.Pipeline.TimeReserve,
	}
}

// TransformConfig returns the transformer settings.
func (c *Config) TransformConfig() transform.Config {
	mode := transform.ModeRaw
	if c.Pipeline.EnableNormalization {
		mode = transform.ModeNormalized
	}
	return transform.Config{Mode: mode}
}

// TelemetryConfig returns the observability settings.
func (c *Config) TelemetryConfig(version string) observability.Config {
	return observability.Config{
		ServiceName:    "guardduty-sentinel",
		ServiceVersion: version,
		Environment:    os.Getenv("ENVIRONMENT"),
		LogLevel:       c.Logging.Level,
		LogFormat:      c.Logging.Format,
		TracingEnabled: c.Monitoring.TracingEnabled,
		OTLPEndpoint:   c.Monitoring.OTLPEndpoint,
		SamplingRate:   c.Monitoring.SamplingRate,
		MetricsEnabled: c.Monitoring.MetricsEnabled,
	}
}
