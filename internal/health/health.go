// Package health reduces dependency health checks to a single pipeline status and
// serves it over HTTP.
package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/guardduty-sentinel/internal/observability"
)

// Status is the health of one component or of the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// CheckFunc checks one hard dependency. A non-nil error marks it unhealthy.
type CheckFunc func(ctx context.Context) error

// Component is the result of one check.
type Component struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Report is the aggregated health of the process.
type Report struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
	Uptime     string      `json:"uptime"`
	Version    string      `json:"version"`
}

type dependency struct {
	name  string
	check CheckFunc
}

// Monitor runs dependency checks.
type Monitor struct {
	version string
	started time.Time
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics

	mu           sync.RWMutex
	dependencies []dependency
	queueDepth   func() int
	threshold    int

	ready atomic.Bool
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithTimeout bounds each check.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithMetrics publishes component health gauges.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) { m.logger = logger.Named("health") }
}

// NewMonitor creates a monitor reporting version.
func NewMonitor(version string, opts ...Option) *Monitor {
	m := &Monitor{
		version: version,
		started: time.Now(),
		timeout: 5 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddDependency registers a hard dependency check.
func (m *Monitor) AddDependency(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dependencies = append(m.dependencies, dependency{name: name, check: check})
}

// SetQueue registers the queue depth source. Depth above threshold degrades
// the process.
func (m *Monitor) SetQueue(depth func() int, threshold int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = depth
	m.threshold = threshold
}

// SetReady marks whether startup validation has passed.
func (m *Monitor) SetReady(ready bool) {
	m.ready.Store(ready)
}

// Ready reports whether startup validation has passed.
func (m *Monitor) Ready() bool {
	return m.ready.Load()
}

// Check runs every dependency check concurrently and reduces the results.
// Any unhealthy dependency dominates; degraded only applies otherwise.
func (m *Monitor) Check(ctx context.Context) Report {
	m.mu.RLock()
	deps := append([]dependency(nil), m.dependencies...)
	queueDepth, threshold := m.queueDepth, m.threshold
	m.mu.RUnlock()

	components := make([]Component, len(deps), len(deps)+1)
	var wg sync.WaitGroup
	for i, dep := range deps {
		wg.Add(1)
		go func(i int, dep dependency) {
			defer wg.Done()
			components[i] = m.checkOne(ctx, dep)
		}(i, dep)
	}
	wg.Wait()

	if queueDepth != nil {
		depth := queueDepth()
		c := Component{Name: "queue", Status: StatusHealthy, CheckedAt: time.Now().UTC(),
			Message: fmt.Sprintf("depth %d", depth)}
		if threshold > 0 && depth > threshold {
			c.Status = StatusDegraded
			c.Message = fmt.Sprintf("depth %d exceeds threshold %d", depth, threshold)
		}
		components = append(components, c)
	}

	report := Report{
		Status:     Reduce(components),
		Timestamp:  time.Now().UTC(),
		Components: components,
		Uptime:     time.Since(m.started).Round(time.Second).String(),
		Version:    m.version,
	}

	for _, c := range components {
		m.metrics.SetHealth(c.Name, c.Status.gauge())
	}
	m.metrics.SetHealth("overall", report.Status.gauge())
	if report.Status != StatusHealthy {
		m.logger.Debug("Health degraded", zap.String("status", string(report.Status)))
	}
	return report
}

func (m *Monitor) checkOne(ctx context.Context, dep dependency) Component {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := dep.check(ctx)
	c := Component{
		Name:      dep.name,
		Status:    StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		c.Status = StatusUnhealthy
		c.Message = err.Error()
		m.logger.Warn("Dependency unhealthy", zap.String("component", dep.name), zap.Error(err))
	}
	return c
}

// Reduce folds component states: unhealthy over degraded over healthy.
func Reduce(components []Component) Status {
	status := StatusHealthy
	for _, c := range components {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}
