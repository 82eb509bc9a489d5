package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/guardduty-sentinel/internal/batch"
	"github.com/lvonguyen/guardduty-sentinel/internal/config"
	"github.com/lvonguyen/guardduty-sentinel/internal/dedup"
	"github.com/lvonguyen/guardduty-sentinel/internal/events"
	"github.com/lvonguyen/guardduty-sentinel/internal/health"
	"github.com/lvonguyen/guardduty-sentinel/internal/ingestion"
	"github.com/lvonguyen/guardduty-sentinel/internal/mitre"
	"github.com/lvonguyen/guardduty-sentinel/internal/observability"
	"github.com/lvonguyen/guardduty-sentinel/internal/processor"
	"github.com/lvonguyen/guardduty-sentinel/internal/retry"
	"github.com/lvonguyen/guardduty-sentinel/internal/storage"
	"github.com/lvonguyen/guardduty-sentinel/internal/transform"
)

// app holds the wired pipeline.
type app struct {
	cfg       *config.Config
	telemetry *observability.Telemetry
	logger    *zap.Logger
	engine    *batch.Engine
	processor *processor.Processor
	monitor   *health.Monitor
	redis     *redis.Client

	closers []func(ctx context.Context) error
}

// newApp loads configuration and wires every component.
func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	tel, err := observability.New(cfg.TelemetryConfig(Version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a := &app{cfg: cfg, telemetry: tel, logger: tel.Logger()}
	a.closers = append(a.closers, tel.Shutdown)

	if err := a.wire(ctx); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger, metrics := a.cfg, a.logger, a.telemetry.Metrics()

	observers := []events.Observer{events.NewLogObserver(logger)}
	if cfg.Events.NATS.Enabled {
		nc, err := events.Connect(cfg.Events.NATS, logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return nc.Drain() })
		observers = append(observers, events.NewNATSObserver(nc, cfg.Events.NATS.SubjectPrefix, logger))
	}

	// Source
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Source.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	source := storage.NewS3Source(s3.NewFromConfig(awsCfg), cfg.Source, logger)

	storagePolicy, err := retry.NewPolicy(cfg.Retry.Storage)
	if err != nil {
		return err
	}
	storageRetry := retry.NewEngine("storage", storagePolicy, logger, retry.WithMetrics(metrics))
	fetcher := storage.NewFetcher(source, logger,
		storage.WithDecrypter(storage.NewKMSDecrypter(kms.NewFromConfig(awsCfg))),
		storage.WithRetry(storageRetry),
	)

	// Destination
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := ingestion.NewClient(cfg.Destination, cred, logger, ingestion.WithMetrics(metrics))
	if err != nil {
		return err
	}

	// Dead letters
	deadLetters, err := a.deadLetterStore(ctx)
	if err != nil {
		return err
	}
	ingestionPolicy, err := retry.NewPolicy(cfg.Retry.Ingestion)
	if err != nil {
		return err
	}
	ingestionRetry := retry.NewEngine("ingestion", ingestionPolicy, logger,
		retry.WithDeadLetterSink(deadLetters),
		retry.WithMetrics(metrics),
	)

	dd, err := dedup.New(cfg.Deduplication, logger, dedup.WithMetrics(metrics))
	if err != nil {
		return err
	}

	a.engine, err = batch.NewEngine(cfg.BatchConfig(), batch.Stages{
		Fetcher:     fetcher,
		Dedup:       dd,
		Transformer: transform.NewTransformer(cfg.TransformConfig(), transform.WithAttackMapper(mitre.NewAttackFramework(logger))),
		Ingester:    client,
		Retry:       ingestionRetry,
	}, logger, batch.WithMetrics(metrics), batch.WithTracer(a.telemetry.Tracer()))
	if err != nil {
		return err
	}

	for _, o := range observers {
		a.engine.AddObserver(o)
		ingestionRetry.AddObserver(o)
		storageRetry.AddObserver(o)
	}

	a.monitor = health.NewMonitor(Version, health.WithLogger(logger), health.WithMetrics(metrics))
	if a.redis != nil {
		a.monitor.AddDependency("redis", func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })
	}

	a.processor, err = processor.New(processor.Config{
		Bucket:              cfg.Source.Bucket,
		Prefix:              cfg.Source.Prefix,
		MaxObjectsPerRun:    cfg.Pipeline.MaxObjectsPerRun,
		QueueDepthThreshold: cfg.Pipeline.QueueDepthThreshold,
		KeyRef:              cfg.Source.KMSKeyArn,
		StartAfter:          cfg.Source.StartAfter,
	}, source, a.engine, client, logger,
		processor.WithDeadLetters(deadLetters),
		processor.WithTracer(a.telemetry.Tracer()),
		processor.WithMonitor(a.monitor),
	)
	return err
}

// deadLetterStore builds the configured backend. The Redis client is shared
// with the API rate limiter.
func (a *app) deadLetterStore(ctx context.Context) (retry.DeadLetterStore, error) {
	cfg := a.cfg
	if cfg.DeadLetter.Backend == "redis" || (cfg.API.Enabled && cfg.API.RateLimit.Enabled) {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		a.closers = append(a.closers, func(context.Context) error { return a.redis.Close() })
		if err := a.redis.Ping(ctx).Err(); err != nil {
			if cfg.DeadLetter.Backend == "redis" {
				return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
			}
			a.logger.Warn("Redis unreachable, rate limiting falls back to local buckets", zap.Error(err))
			a.redis.Close()
			a.redis = nil
			a.closers = a.closers[:len(a.closers)-1]
		}
	}

	if cfg.DeadLetter.Backend == "redis" {
		a.logger.Info("Using redis dead-letter queue", zap.String("addr", cfg.Redis.Addr))
		return retry.NewRedisDeadLetterQueue(a.redis, cfg.DeadLetter.KeyPrefix, cfg.DeadLetter.Capacity), nil
	}
	return retry.NewMemoryDeadLetterQueue(cfg.DeadLetter.Capacity)
}

// validate runs the startup health check.
func (a *app) validate(ctx context.Context) error {
	report := a.processor.Health(ctx)
	if report.Status == health.StatusUnhealthy {
		var errs []error
		for _, c := range report.Components {
			if c.Status == health.StatusUnhealthy {
				errs = append(errs, fmt.Errorf("%s: %s", c.Name, c.Message))
			}
		}
		return fmt.Errorf("startup validation failed: %w", errors.Join(errs...))
	}
	a.monitor.SetReady(true)
	a.logger.Info("Startup validation passed", zap.String("status", string(report.Status)))
	return nil
}

// close releases resources in reverse order.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("Close failed", zap.Error(err))
		}
	}
	a.logger.Sync()
}
