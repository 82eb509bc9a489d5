// Package processor drives one pipeline invocation: it enumerates work,
// hands it to the batch engine and aggregates the outcome.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/lvonguyen/guardduty-sentinel/internal/batch"
	"github.com/lvonguyen/guardduty-sentinel/internal/finding"
	"github.com/lvonguyen/guardduty-sentinel/internal/health"
	"github.com/lvonguyen/guardduty-sentinel/internal/ingestion"
	"github.com/lvonguyen/guardduty-sentinel/internal/retry"
	"github.com/lvonguyen/guardduty-sentinel/internal/storage"
)

var (
	// ErrNoDeadLetterStore is returned by dead-letter operations when the
	// configured sink cannot be inspected.
	ErrNoDeadLetterStore = errors.New("dead-letter store not configured")
	// ErrEmptyReplay is returned when a dead-letter payload holds no records.
	ErrEmptyReplay = errors.New("dead-letter payload has no records")
)

// Runner is the slice of the batch engine the processor drives.
type Runner interface {
	Submit(ctx context.Context, refs []storage.ObjectRef, findings []finding.Finding) []batch.Snapshot
	EnqueueObjects(refs ...storage.ObjectRef)
	QueueDepth() batch.Depth
	Get(id string) (batch.Snapshot, bool)
	Batches() []batch.Snapshot
}

// Destination receives replayed records and reports its health.
type Destination interface {
	Send(ctx context.Context, req ingestion.Request) (*ingestion.Response, error)
	HealthCheck(ctx context.Context) error
}

// Config scopes what an invocation reads.
type Config struct {
	Bucket              string
	Prefix              string
	MaxObjectsPerRun    int
	QueueDepthThreshold int
	// KeyRef is attached to refs built by Refs.
	KeyRef string
	// StartAfter is where pending listings begin, and where they restart
	// once the end of the prefix is reached.
	StartAfter string
	// SeenKeys bounds how many listed keys are remembered so a restarted
	// listing skips them.
	SeenKeys int
}

// Summary aggregates the batches of one invocation.
type Summary struct {
	Batches    int           `json:"batches"`
	BatchIDs   []string      `json:"batch_ids"`
	Objects    int           `json:"objects"`
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	Duplicates int           `json:"duplicates"`
	Errors     []string      `json:"errors"`
	Duration   time.Duration `json:"duration_ns"`
}

// Succeeded reports whether nothing failed.
func (s Summary) Succeeded() bool { return s.Failed == 0 && len(s.Errors) == 0 }

// Processor wires the source, the batch engine and the destination.
type Processor struct {
	config      Config
	source      storage.Source
	runner      Runner
	destination Destination
	deadLetters retry.DeadLetterStore
	monitor     *health.Monitor
	logger      *zap.Logger
	tracer      trace.Tracer

	listMu sync.Mutex
	cursor string
	seen   *lru.Cache[string, struct{}]
}

// Option customises a Processor.
type Option func(*Processor)

// WithDeadLetters enables dead-letter inspection and replay.
func WithDeadLetters(store retry.DeadLetterStore) Option {
	return func(p *Processor) { p.deadLetters = store }
}

// WithTracer sets the tracer for invocation spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

// WithMonitor reports health through m instead of a private monitor.
func WithMonitor(m *health.Monitor) Option {
	return func(p *Processor) { p.monitor = m }
}

// New creates a processor and registers its dependency health checks.
func New(cfg Config, source storage.Source, runner Runner, destination Destination, logger *zap.Logger, opts ...Option) (*Processor, error) {
	if source == nil || runner == nil || destination == nil {
		return nil, errors.New("processor: source, runner and destination are required")
	}
	if cfg.MaxObjectsPerRun <= 0 {
		cfg.MaxObjectsPerRun = 100
	}
	if cfg.SeenKeys <= 0 {
		cfg.SeenKeys = 100 * cfg.MaxObjectsPerRun
	}
	seen, err := lru.New[string, struct{}](cfg.SeenKeys)
	if err != nil {
		return nil, fmt.Errorf("processor: seen keys cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		config:      cfg,
		source:      source,
		runner:      runner,
		destination: destination,
		logger:      logger.Named("processor"),
		tracer:      noop.NewTracerProvider().Tracer("processor"),
		cursor:      cfg.StartAfter,
		seen:        seen,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.monitor == nil {
		p.monitor = health.NewMonitor("", health.WithLogger(logger))
	}
	p.monitor.AddDependency("storage", source.HealthCheck)
	p.monitor.AddDependency("ingestion", destination.HealthCheck)
	p.monitor.SetQueue(func() int { return runner.QueueDepth().Total() }, cfg.QueueDepthThreshold)
	return p, nil
}

// ProcessPendingObjects lists up to MaxObjectsPerRun objects under the
// configured prefix that no earlier call has listed, and processes them.
func (p *Processor) ProcessPendingObjects(ctx context.Context) (*Summary, error) {
	ctx, span := p.tracer.Start(ctx, "processor.pending", trace.WithAttributes(
		attribute.String("source.bucket", p.config.Bucket),
		attribute.String("source.prefix", p.config.Prefix),
	))
	defer span.End()

	refs, err := p.listPending(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing pending objects: %w", err)
	}
	p.logger.Info("Listed pending objects",
		zap.String("bucket", p.config.Bucket),
		zap.String("prefix", p.config.Prefix),
		zap.Int("count", len(refs)),
	)
	return p.run(ctx, span, refs, nil), nil
}

// EnqueuePendingObjects lists pending objects like ProcessPendingObjects but
// only queues them for an engine running in auto-process mode.
func (p *Processor) EnqueuePendingObjects(ctx context.Context) (int, error) {
	refs, err := p.listPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending objects: %w", err)
	}
	p.runner.EnqueueObjects(refs...)
	p.logger.Debug("Queued pending objects", zap.Int("count", len(refs)))
	return len(refs), nil
}

// listPending returns the next window of unseen objects and advances the
// cursor past it. A window that reaches the end of the prefix resets the
// cursor to StartAfter, so keys written behind the cursor are found on a
// later call. Listed keys are marked seen whether or not they succeed;
// failed objects are reprocessed through ProcessSpecificObjects.
func (p *Processor) listPending(ctx context.Context) ([]storage.ObjectRef, error) {
	p.listMu.Lock()
	defer p.listMu.Unlock()

	max := p.config.MaxObjectsPerRun
	cursor := p.cursor
	var refs []storage.ObjectRef
	for len(refs) < max {
		page, err := p.source.List(ctx, p.config.Bucket, p.config.Prefix, cursor, max)
		if err != nil {
			return nil, err
		}
		consumed := 0
		for _, ref := range page {
			if len(refs) == max {
				break
			}
			consumed++
			cursor = ref.Key
			if p.seen.Contains(ref.Key) {
				continue
			}
			refs = append(refs, ref)
		}
		if len(page) < max && consumed == len(page) {
			cursor = p.config.StartAfter
			break
		}
	}

	for _, ref := range refs {
		p.seen.Add(ref.Key, struct{}{})
	}
	p.cursor = cursor
	return refs, nil
}

// Refs turns object keys in the configured bucket into refs.
func (p *Processor) Refs(keys ...string) []storage.ObjectRef {
	refs := make([]storage.ObjectRef, 0, len(keys))
	for _, k := range keys {
		refs = append(refs, storage.ObjectRef{Bucket: p.config.Bucket, Key: k, KeyRef: p.config.KeyRef})
	}
	return refs
}

// ProcessSpecificObjects processes exactly refs.
func (p *Processor) ProcessSpecificObjects(ctx context.Context, refs []storage.ObjectRef) *Summary {
	ctx, span := p.tracer.Start(ctx, "processor.objects", trace.WithAttributes(attribute.Int("objects", len(refs))))
	defer span.End()
	return p.run(ctx, span, refs, nil)
}

// ProcessFindings feeds already parsed findings straight into batching.
func (p *Processor) ProcessFindings(ctx context.Context, findings []finding.Finding) *Summary {
	ctx, span := p.tracer.Start(ctx, "processor.findings", trace.WithAttributes(attribute.Int("findings", len(findings))))
	defer span.End()
	return p.run(ctx, span, nil, findings)
}

func (p *Processor) run(ctx context.Context, span trace.Span, refs []storage.ObjectRef, findings []finding.Finding) *Summary {
	start := time.Now()
	snapshots := p.runner.Submit(ctx, refs, findings)
	sum := Aggregate(snapshots)
	sum.Objects = len(refs)
	sum.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("batches", sum.Batches),
		attribute.Int("processed", sum.Processed),
		attribute.Int("failed", sum.Failed),
	)
	if !sum.Succeeded() {
		span.SetStatus(codes.Error, fmt.Sprintf("%d items failed", sum.Failed))
	}
	p.logger.Info("Invocation finished",
		zap.Int("batches", sum.Batches),
		zap.Int("processed", sum.Processed),
		zap.Int("failed", sum.Failed),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("errors", len(sum.Errors)),
		zap.Duration("duration", sum.Duration),
	)
	return &sum
}

// Aggregate folds batch snapshots into a summary. Duration and Objects are
// left to the caller.
func Aggregate(snapshots []batch.Snapshot) Summary {
	sum := Summary{Batches: len(snapshots), BatchIDs: make([]string, 0, len(snapshots)), Errors: []string{}}
	for _, s := range snapshots {
		sum.BatchIDs = append(sum.BatchIDs, s.ID)
		sum.Processed += s.Processed
		sum.Failed += s.Failed
		sum.Duplicates += s.Duplicates
		sum.Errors = append(sum.Errors, s.Errors...)
		if s.Error != "" {
			sum.Errors = append(sum.Errors, fmt.Sprintf("batch %s: %s", s.ID, s.Error))
		}
	}
	return sum
}

// Health checks storage, ingestion and queue depth.
func (p *Processor) Health(ctx context.Context) health.Report {
	return p.monitor.Check(ctx)
}

// Monitor returns the health monitor backing Health.
func (p *Processor) Monitor() *health.Monitor { return p.monitor }

// Batches returns in-flight and archived batches.
func (p *Processor) Batches() []batch.Snapshot { return p.runner.Batches() }

// Batch returns one batch by id.
func (p *Processor) Batch(id string) (batch.Snapshot, bool) { return p.runner.Get(id) }

// DeadLetters lists dead-lettered work, oldest first.
func (p *Processor) DeadLetters(ctx context.Context) ([]retry.DeadLetterItem, error) {
	if p.deadLetters == nil {
		return nil, ErrNoDeadLetterStore
	}
	return p.deadLetters.List(ctx)
}

// narrowDeadLetter replaces item with one holding only the records the
// destination rejected, so the next replay does not re-send accepted ones.
// Records no retry can deliver are dropped with the old item.
func (p *Processor) narrowDeadLetter(ctx context.Context, item *retry.DeadLetterItem, req ingestion.Request, ie *ingestion.Error) error {
	if len(ie.Rejected) > 0 {
		rest := ingestion.Request{Data: ie.Rejected, StreamName: req.StreamName, Timestamp: req.Timestamp}
		next, err := retry.NewDeadLetterItem(item.Operation, item.Description, rest, ie, item.RetryCount+1)
		if err != nil {
			return err
		}
		if err := p.deadLetters.Send(ctx, next); err != nil {
			return fmt.Errorf("storing narrowed dead-letter: %w", err)
		}
		p.logger.Info("Narrowed dead-letter",
			zap.String("id", item.ID),
			zap.String("replacement", next.ID),
			zap.Int("records", len(rest.Data)),
		)
	}
	return p.deadLetters.Remove(ctx, item.ID)
}

// DiscardDeadLetter drops a dead-lettered item without replaying it.
func (p *Processor) DiscardDeadLetter(ctx context.Context, id string) error {
	if p.deadLetters == nil {
		return ErrNoDeadLetterStore
	}
	return p.deadLetters.Remove(ctx, id)
}

// ReplayDeadLetter re-submits a dead-lettered record set once and removes it
// from the store on success. On failure the item stays queued.
func (p *Processor) ReplayDeadLetter(ctx context.Context, id string) (*ingestion.Response, error) {
	if p.deadLetters == nil {
		return nil, ErrNoDeadLetterStore
	}
	ctx, span := p.tracer.Start(ctx, "processor.replay", trace.WithAttributes(attribute.String("deadletter.id", id)))
	defer span.End()

	item, err := p.deadLetters.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var req ingestion.Request
	if err := json.Unmarshal(item.Payload, &req); err != nil {
		return nil, fmt.Errorf("decoding dead-letter %s: %w", id, err)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("dead-letter %s: %w", id, ErrEmptyReplay)
	}

	resp, err := p.destination.Send(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("Replay failed", zap.String("id", id), zap.Error(err))
		var ie *ingestion.Error
		if errors.As(err, &ie) && ie.Narrowed() {
			if nErr := p.narrowDeadLetter(ctx, item, req, ie); nErr != nil {
				err = errors.Join(err, nErr)
			}
		}
		return resp, fmt.Errorf("replaying dead-letter %s: %w", id, err)
	}
	if err := p.deadLetters.Remove(ctx, id); err != nil {
		return resp, fmt.Errorf("removing replayed dead-letter %s: %w", id, err)
	}
	p.logger.Info("Replayed dead-letter",
		zap.String("id", id),
		zap.Int("records", len(req.Data)),
		zap.String("request_id", resp.RequestID),
	)
	return resp, nil
}
