package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/guardduty-sentinel/internal/events"
	"github.com/lvonguyen/guardduty-sentinel/internal/observability"
)

// ErrExhausted wraps the final error when retries run out and no dead-letter
// sink is attached.
var ErrExhausted = errors.New("retries exhausted")

// Result describes how an operation finished.
type Result struct {
	Attempts     int
	DeadLettered bool
	DeadLetterID string
	LastError    error
}

// AttemptPayload is the payload of retry.attempt events.
type AttemptPayload struct {
	Operation   string        `json:"operation"`
	Description string        `json:"description"`
	Attempt     int           `json:"attempt"`
	Delay       time.Duration `json:"delay"`
	Error       string        `json:"error"`
}

// ExhaustedPayload is the payload of retry.exhausted events.
type ExhaustedPayload struct {
	Operation    string `json:"operation"`
	Description  string `json:"description"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error"`
	DeadLettered bool   `json:"dead_lettered"`
}

// Engine runs operations under a Policy.
type Engine struct {
	events.Base

	operation string
	policy    *Policy
	sink      DeadLetterSink
	logger    *zap.Logger
	metrics   *observability.Metrics

	randMu sync.Mutex
	rand   *rand.Rand
}

// Option customises an Engine.
type Option func(*Engine)

// WithDeadLetterSink routes exhausted items to sink.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRandSource seeds jitter deterministically.
func WithRandSource(src rand.Source) Option {
	return func(e *Engine) { e.rand = rand.New(src) }
}

// NewEngine creates a retry engine for one named operation (for example
// "ingestion" or "storage").
func NewEngine(operation string, policy *Policy, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		operation: operation,
		policy:    policy,
		logger:    logger.Named("retry").With(zap.String("operation", operation)),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. When exhausted with a sink attached, item is
// dead-lettered once and Do returns a nil error with DeadLettered set.
func (e *Engine) Do(ctx context.Context, item any, desc string, op func(ctx context.Context) error) (*Result, error) {
	res := &Result{}

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		res.Attempts = attempt + 1
		if err == nil {
			res.LastError = nil
			return res, nil
		}
		res.LastError = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%s: %w", desc, errors.Join(ctxErr, err))
		}
		if !e.policy.IsRetryable(err) {
			return res, fmt.Errorf("%s: %w", desc, err)
		}
		if attempt >= e.policy.MaxRetries() {
			break
		}

		delay := e.policy.Backoff(attempt, e.random)
		e.metrics.IncRetry(e.operation)
		e.logger.Debug("Retrying operation",
			zap.String("description", desc),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		e.notify(ctx, events.New(events.RetryAttempt, AttemptPayload{
			Operation:   e.operation,
			Description: desc,
			Attempt:     attempt + 1,
			Delay:       delay,
			Error:       err.Error(),
		}))

		if err := wait(ctx, delay); err != nil {
			return res, fmt.Errorf("%s: %w", desc, err)
		}
	}

	return e.exhausted(ctx, item, desc, res)
}

func (e *Engine) exhausted(ctx context.Context, item any, desc string, res *Result) (*Result, error) {
	lastErr := res.LastError
	e.logger.Warn("Retries exhausted",
		zap.String("description", desc),
		zap.Int("attempts", res.Attempts),
		zap.Error(lastErr),
	)

	payload := ExhaustedPayload{
		Operation:   e.operation,
		Description: desc,
		Attempts:    res.Attempts,
		Error:       lastErr.Error(),
	}

	if e.sink == nil {
		e.notify(ctx, events.New(events.RetryExhausted, payload))
		return res, fmt.Errorf("%s: %w after %d attempts: %w", desc, ErrExhausted, res.Attempts, lastErr)
	}

	dl, err := NewDeadLetterItem(e.operation, desc, item, lastErr, res.Attempts-1)
	if err != nil {
		return res, fmt.Errorf("%s: %w", desc, errors.Join(err, lastErr))
	}
	if err := e.sink.Send(ctx, dl); err != nil {
		e.notify(ctx, events.New(events.RetryExhausted, payload))
		return res, fmt.Errorf("%s: dead-lettering: %w", desc, errors.Join(err, lastErr))
	}

	e.metrics.IncDeadLetter(e.operation)
	res.DeadLettered = true
	res.DeadLetterID = dl.ID
	payload.DeadLettered = true
	e.notify(ctx, events.New(events.RetryExhausted, payload))
	return res, nil
}

func (e *Engine) notify(ctx context.Context, ev events.Event) {
	if err := e.NotifyObservers(ctx, ev); err != nil {
		e.logger.Warn("Observer failed", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

func (e *Engine) random() float64 {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.rand.Float64()
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
