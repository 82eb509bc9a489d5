// Package dedup suppresses findings the pipeline has already seen.
//
// The seen-key cache is bounded and process local. Once a key is evicted the
// same finding is accepted again, so delivery is at-least-once.
package dedup

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/lvonguyen/guardduty-sentinel/internal/finding"
	"github.com/lvonguyen/guardduty-sentinel/internal/observability"
)

// Strategy selects how a finding's identity key is derived.
type Strategy string

const (
	StrategyID          Strategy = "id"
	StrategyContentHash Strategy = "content_hash"
	StrategyTimeWindow  Strategy = "time_window"
)

// Config holds deduplication settings.
type Config struct {
	Enabled           bool     `yaml:"enabled"`
	Strategy          Strategy `yaml:"strategy"`
	CacheSize         int      `yaml:"cache_size"`
	TimeWindowMinutes int      `yaml:"time_window_minutes"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Strategy:          StrategyID,
		CacheSize:         10000,
		TimeWindowMinutes: 60,
	}
}

// Stats tracks deduplication counters.
type Stats struct {
	Checked    int64 `json:"checked"`
	Duplicates int64 `json:"duplicates"`
	CacheSize  int   `json:"cache_size"`
}

// Deduplicator filters findings through a bounded seen-key cache.
type Deduplicator struct {
	config  Config
	seen    *lru.Cache[string, struct{}]
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu    sync.Mutex
	stats Stats
}

// Option customises a Deduplicator.
type Option func(*Deduplicator)

// WithClock overrides the clock used for time-window bucketing.
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) { d.now = now }
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Deduplicator) { d.metrics = m }
}

// New creates a deduplicator.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Deduplicator, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyID
	}
	switch cfg.Strategy {
	case StrategyID, StrategyContentHash, StrategyTimeWindow:
	default:
		return nil, fmt.Errorf("unsupported dedup strategy: %s", cfg.Strategy)
	}
	if cfg.Strategy == StrategyTimeWindow && cfg.TimeWindowMinutes <= 0 {
		return nil, fmt.Errorf("time_window strategy requires time_window_minutes > 0")
	}

	cache, err := lru.New[string, struct{}](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedup cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Deduplicator{
		config: cfg,
		seen:   cache,
		logger: logger.Named("dedup"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Deduplicate returns the findings whose key has not been seen, in input
// order, and marks them seen. The first occurrence of a key wins. Disabled
// deduplicators return the input unchanged.
func (d *Deduplicator) Deduplicate(findings []finding.Finding) []finding.Finding {
	unique, keys := d.Filter(findings)
	d.Commit(keys...)
	return unique
}

// Filter is Deduplicate without marking anything seen. keys[i] is the key of
// unique[i], empty when no key could be derived. Callers Commit the keys of
// findings once they are delivered, so a failed delivery is not suppressed
// when the same findings are submitted again.
func (d *Deduplicator) Filter(findings []finding.Finding) (unique []finding.Finding, keys []string) {
	if !d.config.Enabled || len(findings) == 0 {
		return findings, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	unique = make([]finding.Finding, 0, len(findings))
	keys = make([]string, 0, len(findings))
	local := make(map[string]struct{}, len(findings))
	var duplicates int
	for i := range findings {
		key, err := d.key(&findings[i])
		if err != nil {
			// an unkeyable finding is never suppressed
			d.logger.Warn("Failed to derive dedup key", zap.String("finding_id", findings[i].ID), zap.Error(err))
			unique = append(unique, findings[i])
			keys = append(keys, "")
			continue
		}
		_, repeated := local[key]
		// Contains does not refresh recency, so eviction stays oldest-first
		if repeated || d.seen.Contains(key) {
			duplicates++
			continue
		}
		local[key] = struct{}{}
		unique = append(unique, findings[i])
		keys = append(keys, key)
	}

	d.stats.Checked += int64(len(findings))
	d.stats.Duplicates += int64(duplicates)
	d.metrics.AddDuplicates(string(d.config.Strategy), duplicates)

	if duplicates > 0 {
		d.logger.Debug("Suppressed duplicate findings",
			zap.Int("duplicates", duplicates),
			zap.Int("unique", len(unique)),
			zap.String("strategy", string(d.config.Strategy)),
		)
	}

	return unique, keys
}

// Commit marks keys as seen. Empty keys are ignored.
func (d *Deduplicator) Commit(keys ...string) {
	if !d.config.Enabled || len(keys) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		if k != "" && !d.seen.Contains(k) {
			d.seen.Add(k, struct{}{})
		}
	}
}

// Stats returns current counters.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.CacheSize = d.seen.Len()
	return s
}

// Reset clears the seen-key cache.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen.Purge()
}

func (d *Deduplicator) key(f *finding.Finding) (string, error) {
	switch d.config.Strategy {
	case StrategyContentHash:
		return ContentHash(f)
	case StrategyTimeWindow:
		window := time.Duration(d.config.TimeWindowMinutes) * time.Minute
		bucket := d.now().UnixNano() / int64(window)
		return f.ID + "@" + strconv.FormatInt(bucket, 10), nil
	default:
		return f.ID, nil
	}
}

// significantFields is the canonical projection hashed by the content_hash
// strategy. updatedAt, service.count, service.archived and the
// eventFirstSeen/eventLastSeen timestamps change between exports of the same
// finding and are left out.
type significantFields struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"accountId"`
	Region      string          `json:"region"`
	Partition   string          `json:"partition"`
	Type        string          `json:"type"`
	Severity    float64         `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"createdAt"`
	Resource    json.RawMessage `json:"resource"`
	Action      json.RawMessage `json:"action"`
	ServiceName string          `json:"serviceName"`
}

// ContentHash returns the content_hash identity key of a finding.
func ContentHash(f *finding.Finding) (string, error) {
	sig := significantFields{
		ID:          f.ID,
		AccountID:   f.AccountID,
		Region:      f.Region,
		Partition:   f.Partition,
		Type:        f.Type,
		Severity:    f.Severity,
		Title:       f.Title,
		Description: f.Description,
		CreatedAt:   f.CreatedAt.UTC(),
		Resource:    canonical(f.Resource.Raw()),
		Action:      canonical(f.Service.Action.Raw()),
		ServiceName: f.Service.ServiceName,
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16), nil
}

// canonical re-encodes raw JSON so key order and whitespace do not affect the
// hash. Invalid JSON is returned as a JSON string of itself.
func canonical(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		quoted, _ := json.Marshal(string(raw))
		return quoted
	}
	// encoding/json sorts map keys
	out, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return out
}
