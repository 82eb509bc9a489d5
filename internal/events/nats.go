package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig holds lifecycle publisher settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "guardduty.pipeline",
	}
}

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSObserver publishes every event as JSON on <prefix>.<event type>.
type NATSObserver struct {
	conn   Publisher
	prefix string
	logger *zap.Logger
}

// NewNATSObserver wraps an established connection.
func NewNATSObserver(conn Publisher, prefix string, logger *zap.Logger) *NATSObserver {
	if prefix == "" {
		prefix = DefaultNATSConfig().SubjectPrefix
	}
	return &NATSObserver{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.Named("nats"),
	}
}

// Connect dials NATS using cfg.
func Connect(cfg NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("guardduty-sentinel"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// Subject returns the subject an event type is published on.
func (o *NATSObserver) Subject(t Type) string {
	return o.prefix + "." + string(t)
}

// Notify implements Observer.
func (o *NATSObserver) Notify(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", e.Type, err)
	}
	if err := o.conn.Publish(o.Subject(e.Type), data); err != nil {
		o.logger.Warn("Failed to publish lifecycle event", zap.String("type", string(e.Type)), zap.Error(err))
		return fmt.Errorf("publishing %s event: %w", e.Type, err)
	}
	return nil
}

// LogObserver writes events to a zap logger.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver creates a logging observer.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// Notify implements Observer.
func (o *LogObserver) Notify(_ context.Context, e Event) error {
	level := zap.InfoLevel
	switch e.Type {
	case BatchFailed, RetryExhausted:
		level = zap.WarnLevel
	case RetryAttempt, BatchCreated:
		level = zap.DebugLevel
	}
	if ce := o.logger.Check(level, "Pipeline event"); ce != nil {
		ce.Write(zap.String("type", string(e.Type)), zap.Any("payload", e.Payload))
	}
	return nil
}
