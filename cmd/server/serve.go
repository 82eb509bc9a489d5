package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/guardduty-sentinel/internal/api"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API, health endpoints and the polling loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := exitOnSignal(parent)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	cfg, logger := a.cfg, a.logger

	logger.Info("Starting guardduty-sentinel",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", configPath),
	)

	if err := a.validate(ctx); err != nil {
		// readiness stays false until a later poll sees healthy dependencies
		logger.Warn("Starting unready", zap.Error(err))
	}

	servers := []*http.Server{{
		Addr:        fmt.Sprintf(":%d", cfg.Monitoring.HealthCheckPort),
		Handler:     a.monitor.Routes(a.telemetry.MetricsHandler()),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}}
	if cfg.API.Enabled {
		var opts []api.Option
		if cfg.API.RateLimit.Enabled {
			opts = append(opts, api.WithRateLimiter(api.NewRateLimiter(a.scripter(), api.RateLimitConfig{
				RequestsPerMinute: cfg.API.RateLimit.RequestsPerMinute,
				IncludeHeaders:    cfg.API.RateLimit.IncludeHeaders,
			}, logger)))
		}
		srv := api.NewServer(a.processor, api.Config{
			Token:        cfg.API.Token(),
			MaxBodyBytes: cfg.API.MaxBody,
			Timeout:      cfg.Server.WriteTimeout,
		}, logger, opts...)
		servers = append(servers, &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      srv.Routes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			logger.Info("Server listening", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", s.Addr, err)
			}
		}(s)
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if !cfg.Pipeline.AutoProcess {
			return
		}
		if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Batch engine stopped", zap.Error(err))
		}
	}()

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		a.poll(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errCh:
		logger.Error("Server failed", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Shutdown error", zap.String("addr", s.Addr), zap.Error(err))
		}
	}
	<-pollDone
	<-engineDone
	a.engine.Wait()
	logger.Info("Server stopped")
	a.close(shutdownCtx)
	return runErr
}

// poll processes pending objects every poll interval and re-runs startup
// validation while the process is not ready.
func (a *app) poll(ctx context.Context) {
	interval := a.cfg.Pipeline.PollInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !a.monitor.Ready() {
			if err := a.validate(ctx); err != nil {
				a.logger.Warn("Still unready", zap.Error(err))
				continue
			}
		}

		if a.cfg.Pipeline.AutoProcess {
			if _, err := a.processor.EnqueuePendingObjects(ctx); err != nil {
				a.logger.Error("Poll failed", zap.Error(err))
			}
			continue
		}
		if _, err := a.processor.ProcessPendingObjects(ctx); err != nil {
			a.logger.Error("Poll failed", zap.Error(err))
		}
	}
}

// scripter returns the shared Redis client, or nil so the rate limiter keeps
// its buckets in process.
func (a *app) scripter() redis.Scripter {
	if a.redis == nil {
		return nil
	}
	return a.redis
}

// exitOnSignal returns a context cancelled by SIGINT or SIGTERM.
func exitOnSignal(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
