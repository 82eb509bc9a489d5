package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/guardduty-sentinel/internal/events"
	"github.com/lvonguyen/guardduty-sentinel/internal/finding"
	"github.com/lvonguyen/guardduty-sentinel/internal/ingestion"
	"github.com/lvonguyen/guardduty-sentinel/internal/observability"
	"github.com/lvonguyen/guardduty-sentinel/internal/parser"
	"github.com/lvonguyen/guardduty-sentinel/internal/retry"
	"github.com/lvonguyen/guardduty-sentinel/internal/storage"
	"github.com/lvonguyen/guardduty-sentinel/internal/transform"
)

// ErrTimeBudgetExhausted marks objects skipped because the invocation
// deadline is too close.
var ErrTimeBudgetExhausted = errors.New("time budget exhausted")

// Fetcher returns the plaintext body of an object.
type Fetcher interface {
	Fetch(ctx context.Context, ref storage.ObjectRef) ([]byte, error)
}

// Deduplicator drops findings that were already seen. Filter does not mark
// anything seen; the engine commits the keys of delivered findings.
type Deduplicator interface {
	Filter(findings []finding.Finding) ([]finding.Finding, []string)
	Commit(keys ...string)
}

// Transformer projects findings onto records.
type Transformer interface {
	Transform(findings []finding.Finding) transform.Result
}

// Ingester submits records to the destination stream.
type Ingester interface {
	Send(ctx context.Context, req ingestion.Request) (*ingestion.Response, error)
	StreamName() string
}

// Retrier runs an operation under a retry policy.
type Retrier interface {
	Do(ctx context.Context, item any, desc string, op func(ctx context.Context) error) (*retry.Result, error)
}

// Stages are the collaborators a batch is driven through. Dedup and Retry
// are optional.
type Stages struct {
	Fetcher     Fetcher
	Dedup       Deduplicator
	Transformer Transformer
	Ingester    Ingester
	Retry       Retrier
}

// Config holds batch engine settings.
type Config struct {
	BatchSize            int
	MaxConcurrentBatches int
	// BatchInterval is the minimum spacing between batch starts.
	BatchInterval time.Duration
	ArchiveSize   int
	// AutoProcess makes Enqueue wake the Run loop. Otherwise callers drain
	// the queues with Process.
	AutoProcess bool
	// TimeReserve is the remaining time under which no new object is started.
	TimeReserve time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:            100,
		MaxConcurrentBatches: 4,
		BatchInterval:        100 * time.Millisecond,
		ArchiveSize:          100,
		TimeReserve:          30 * time.Second,
	}
}

// Engine forms and runs batches.
type Engine struct {
	events.Base

	config  Config
	stages  Stages
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	limiter *rate.Limiter
	sem     *semaphore.Weighted
	signal  chan struct{}
	running sync.WaitGroup

	mu           sync.Mutex
	objectQueue  []storage.ObjectRef
	findingQueue []finding.Finding
	active       map[string]Snapshot
	archive      *lru.Cache[string, Snapshot]
}

// Option customises an Engine.
type Option func(*Engine)

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer used for batch spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a batch engine.
func NewEngine(cfg Config, stages Stages, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg.BatchSize < 1 || cfg.BatchSize > 1000 {
		return nil, fmt.Errorf("batch size must be between 1 and 1000, got %d", cfg.BatchSize)
	}
	if stages.Transformer == nil || stages.Ingester == nil {
		return nil, errors.New("batch engine requires a transformer and an ingester")
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 1
	}
	if cfg.ArchiveSize <= 0 {
		cfg.ArchiveSize = DefaultConfig().ArchiveSize
	}
	archive, err := lru.New[string, Snapshot](cfg.ArchiveSize)
	if err != nil {
		return nil, fmt.Errorf("creating batch archive: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.BatchInterval > 0 {
		limit = rate.Every(cfg.BatchInterval)
	}

	e := &Engine{
		config:  cfg,
		stages:  stages,
		logger:  logger.Named("batch"),
		tracer:  noop.NewTracerProvider().Tracer("batch"),
		now:     time.Now,
		limiter: rate.NewLimiter(limit, 1),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches)),
		signal:  make(chan struct{}, 1),
		active:  make(map[string]Snapshot),
		archive: archive,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine settings.
func (e *Engine) Config() Config { return e.config }

// EnqueueObjects appends object refs to the object queue.
func (e *Engine) EnqueueObjects(refs ...storage.ObjectRef) {
	if len(refs) == 0 {
		return
	}
	e.mu.Lock()
	e.objectQueue = append(e.objectQueue, refs...)
	depth := e.depthLocked()
	e.mu.Unlock()
	e.metrics.SetQueueDepth(depth.Objects, depth.Findings)
	e.wake()
}

// EnqueueFindings appends already parsed findings to the finding queue.
func (e *Engine) EnqueueFindings(findings ...finding.Finding) {
	if len(findings) == 0 {
		return
	}
	e.mu.Lock()
	e.findingQueue = append(e.findingQueue, findings...)
	depth := e.depthLocked()
	e.mu.Unlock()
	e.metrics.SetQueueDepth(depth.Objects, depth.Findings)
	e.wake()
}

func (e *Engine) wake() {
	if !e.config.AutoProcess {
		return
	}
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// QueueDepth returns the current queue lengths.
func (e *Engine) QueueDepth() Depth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.depthLocked()
}

func (e *Engine) depthLocked() Depth {
	return Depth{Objects: len(e.objectQueue), Findings: len(e.findingQueue)}
}

// Run drains the queues whenever items are enqueued, until ctx is done.
// Batches started by Run keep going after the signal that started them; Run
// waits for them before returning.
func (e *Engine) Run(ctx context.Context) error {
	if !e.config.AutoProcess {
		return errors.New("run requires auto_process")
	}
	e.logger.Info("Batch engine started",
		zap.Int("batch_size", e.config.BatchSize),
		zap.Int("max_concurrent", e.config.MaxConcurrentBatches),
	)
	for {
		select {
		case <-ctx.Done():
			e.running.Wait()
			e.logger.Info("Batch engine stopped")
			return ctx.Err()
		case <-e.signal:
			e.dispatch(ctx, e.drain())
		}
	}
}

// Process drains both queues, runs the resulting batches and returns their
// terminal snapshots.
func (e *Engine) Process(ctx context.Context) []Snapshot {
	wait := e.dispatch(ctx, e.drain())
	return wait()
}

// Submit batches exactly the given items, independent of the shared queues,
// and waits for them.
func (e *Engine) Submit(ctx context.Context, refs []storage.ObjectRef, findings []finding.Finding) []Snapshot {
	batches := e.form(&findings, &refs)
	wait := e.dispatch(ctx, batches)
	return wait()
}

// Wait blocks until every batch started so far is terminal.
func (e *Engine) Wait() {
	e.running.Wait()
}

func (e *Engine) drain() []*Batch {
	e.mu.Lock()
	batches := e.form(&e.findingQueue, &e.objectQueue)
	depth := e.depthLocked()
	e.mu.Unlock()
	e.metrics.SetQueueDepth(depth.Objects, depth.Findings)
	return batches
}

// form greedily packs findings first, then fills remaining capacity with
// objects. The slices are consumed.
func (e *Engine) form(findings *[]finding.Finding, objects *[]storage.ObjectRef) []*Batch {
	var batches []*Batch
	size := e.config.BatchSize
	for len(*findings) > 0 || len(*objects) > 0 {
		n := min(len(*findings), size)
		m := min(len(*objects), size-n)

		now := e.now().UTC()
		b := &Batch{
			ID:        uuid.NewString(),
			Findings:  append([]finding.Finding(nil), (*findings)[:n]...),
			Objects:   append([]storage.ObjectRef(nil), (*objects)[:m]...),
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		*findings = (*findings)[n:]
		*objects = (*objects)[m:]
		batches = append(batches, b)
	}
	if len(*findings) == 0 {
		*findings = nil
	}
	if len(*objects) == 0 {
		*objects = nil
	}
	return batches
}

// dispatch starts each batch in its own goroutine, pacing starts through the
// limiter. The returned function waits for these batches.
func (e *Engine) dispatch(ctx context.Context, batches []*Batch) func() []Snapshot {
	results := make([]Snapshot, len(batches))
	var wg sync.WaitGroup

	for i, b := range batches {
		e.publish(b)
		e.notify(ctx, events.New(events.BatchCreated, b.snapshot()))
		e.logger.Debug("Batch created",
			zap.String("batch_id", b.ID),
			zap.Int("findings", len(b.Findings)),
			zap.Int("objects", len(b.Objects)),
		)

		wg.Add(1)
		e.running.Add(1)
		go func(i int, b *Batch) {
			defer wg.Done()
			defer e.running.Done()
			results[i] = e.run(ctx, b)
		}(i, b)
	}

	return func() []Snapshot {
		wg.Wait()
		return results
	}
}

func (e *Engine) run(ctx context.Context, b *Batch) Snapshot {
	if err := e.limiter.Wait(ctx); err != nil {
		return e.abort(ctx, b, err)
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return e.abort(ctx, b, err)
	}
	defer e.sem.Release(1)

	ctx, span := e.tracer.Start(ctx, "batch.process", trace.WithAttributes(
		attribute.String("batch.id", b.ID),
		attribute.Int("batch.findings", len(b.Findings)),
		attribute.Int("batch.objects", len(b.Objects)),
	))
	defer span.End()

	e.transition(b, StatusProcessing)
	e.process(ctx, b)

	if b.Err != nil {
		span.RecordError(b.Err)
		span.SetStatus(codes.Error, b.Err.Error())
		return e.finish(ctx, b, StatusFailed)
	}
	span.SetAttributes(attribute.Int("batch.processed", b.Processed), attribute.Int("batch.failed", b.Failed))
	return e.finish(ctx, b, StatusCompleted)
}

// process runs the batch pipeline. Item-level failures are counted on b;
// only a failure of the whole ingestion step sets b.Err.
func (e *Engine) process(ctx context.Context, b *Batch) {
	findings := append([]finding.Finding(nil), b.Findings...)

	for _, ref := range b.Objects {
		if e.budgetExhausted(ctx) {
			e.itemFailed(b, "fetch", fmt.Sprintf("%s: %v", ref.Key, ErrTimeBudgetExhausted))
			continue
		}
		parsed, err := e.fetchAndParse(ctx, ref)
		if err != nil {
			e.itemFailed(b, "fetch", fmt.Sprintf("%s: %v", ref.Key, err))
			continue
		}
		for _, le := range parsed.Errors {
			e.itemFailed(b, "parse", fmt.Sprintf("%s: %v", ref.Key, le))
		}
		findings = append(findings, parsed.Findings...)
	}

	unique, keys := findings, []string(nil)
	if e.stages.Dedup != nil {
		unique, keys = e.stages.Dedup.Filter(findings)
	}
	b.Duplicates = len(findings) - len(unique)
	b.Processed += b.Duplicates

	result := e.stages.Transformer.Transform(unique)
	for _, te := range result.Errors {
		e.itemFailed(b, "transform", te.Error())
	}
	if len(result.Records) == 0 {
		return
	}

	req := ingestion.Request{
		Data:       result.Records,
		StreamName: e.stages.Ingester.StreamName(),
		Timestamp:  e.now().UTC(),
	}
	d, res, err := e.ingest(ctx, b.ID, req)
	if res != nil && res.Attempts > 0 {
		b.RetryCount = res.Attempts - 1
	}

	b.Processed += d.accepted
	undelivered := make(map[string]struct{})
	for _, ir := range d.invalid {
		e.itemFailed(b, "ingest", ir.Err.Error())
		undelivered[ir.Record.FindingID] = struct{}{}
	}
	pending := len(d.pending.Data)
	switch {
	case err != nil:
		b.Failed += pending
		b.Err = err
		e.metrics.AddFailed("ingest", pending)
		for _, r := range d.pending.Data {
			undelivered[r.FindingID] = struct{}{}
		}
	case res != nil && res.DeadLettered:
		// dead-lettered records are redelivered through replay, not resubmission
		b.Failed += pending
		b.DeadLetterID = res.DeadLetterID
		b.Errors = append(b.Errors, fmt.Sprintf("ingestion of %d records dead-lettered as %s: %v", pending, res.DeadLetterID, res.LastError))
		e.metrics.AddFailed("ingest", pending)
	}

	if e.stages.Dedup != nil {
		e.stages.Dedup.Commit(deliveredKeys(unique, keys, result.Records, undelivered)...)
	}
}

// deliveredKeys returns the dedup keys of findings that produced a record
// and are not in undelivered.
func deliveredKeys(unique []finding.Finding, keys []string, records []transform.Record, undelivered map[string]struct{}) []string {
	if len(keys) == 0 {
		return nil
	}
	transformed := make(map[string]struct{}, len(records))
	for _, r := range records {
		transformed[r.FindingID] = struct{}{}
	}
	out := make([]string, 0, len(keys))
	for i, k := range keys {
		id := unique[i].ID
		if _, ok := transformed[id]; !ok {
			continue
		}
		if _, ok := undelivered[id]; ok {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (e *Engine) fetchAndParse(ctx context.Context, ref storage.ObjectRef) (*parser.Result, error) {
	if e.stages.Fetcher == nil {
		return nil, errors.New("no object fetcher configured")
	}
	data, err := e.stages.Fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	return parser.ParseBytes(data)
}

// delivery follows one ingestion across attempts. Each attempt sends only
// the records the previous one left pending, so accepted records are never
// submitted twice.
type delivery struct {
	pending  ingestion.Request
	accepted int
	invalid  []ingestion.InvalidRecord
}

func (d *delivery) attempt(ctx context.Context, ing Ingester) error {
	resp, err := ing.Send(ctx, d.pending)
	if err == nil {
		d.accepted += len(d.pending.Data)
		d.pending.Data = nil
		return nil
	}
	var ie *ingestion.Error
	if !errors.As(err, &ie) || !ie.Narrowed() {
		return err
	}
	if resp != nil {
		d.accepted += resp.AcceptedRecords
	}
	d.invalid = append(d.invalid, ie.Invalid...)
	d.pending.Data = ie.Rejected
	if len(d.pending.Data) == 0 {
		// only invalid records failed; another attempt cannot help
		return nil
	}
	return err
}

func (e *Engine) ingest(ctx context.Context, batchID string, req ingestion.Request) (*delivery, *retry.Result, error) {
	d := &delivery{pending: req}
	op := func(ctx context.Context) error { return d.attempt(ctx, e.stages.Ingester) }
	if e.stages.Retry == nil {
		err := op(ctx)
		return d, &retry.Result{Attempts: 1, LastError: err}, err
	}
	// the item is encoded when dead-lettered, so it holds only what is
	// still pending at that point
	res, err := e.stages.Retry.Do(ctx, &d.pending, "ingest batch "+batchID, op)
	return d, res, err
}

func (e *Engine) budgetExhausted(ctx context.Context) bool {
	if e.config.TimeReserve <= 0 {
		return false
	}
	deadline, ok := ctx.Deadline()
	return ok && deadline.Sub(e.now()) < e.config.TimeReserve
}

func (e *Engine) itemFailed(b *Batch, stage, msg string) {
	b.Failed++
	b.Errors = append(b.Errors, msg)
	e.metrics.AddFailed(stage, 1)
}

// abort fails a batch that never started.
func (e *Engine) abort(ctx context.Context, b *Batch, err error) Snapshot {
	b.Err = fmt.Errorf("batch not started: %w", err)
	b.Failed = b.Size()
	return e.finish(ctx, b, StatusFailed)
}

func (e *Engine) transition(b *Batch, s Status) {
	b.Status = s
	b.UpdatedAt = e.now().UTC()
	e.publish(b)
}

func (e *Engine) publish(b *Batch) {
	snap := b.snapshot()
	e.mu.Lock()
	e.active[b.ID] = snap
	e.mu.Unlock()
}

func (e *Engine) finish(ctx context.Context, b *Batch, s Status) Snapshot {
	b.Status = s
	b.UpdatedAt = e.now().UTC()
	snap := b.snapshot()

	e.mu.Lock()
	delete(e.active, b.ID)
	e.archive.Add(b.ID, snap)
	e.mu.Unlock()

	e.metrics.ObserveBatch(string(s), snap.Duration(), snap.Processed, snap.Failed)

	fields := []zap.Field{
		zap.String("batch_id", b.ID),
		zap.Int("processed", b.Processed),
		zap.Int("failed", b.Failed),
		zap.Int("duplicates", b.Duplicates),
		zap.Int("retries", b.RetryCount),
		zap.Duration("duration", snap.Duration()),
	}
	if s == StatusFailed {
		e.logger.Warn("Batch failed", append(fields, zap.Error(b.Err))...)
		e.notify(ctx, events.New(events.BatchFailed, snap))
	} else {
		e.logger.Info("Batch completed", fields...)
		e.notify(ctx, events.New(events.BatchCompleted, snap))
	}
	return snap
}

func (e *Engine) notify(ctx context.Context, ev events.Event) {
	// observers see terminal events even when the run context is cancelled
	if err := e.NotifyObservers(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("Observer failed", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

// Get returns the snapshot of an in-flight or archived batch.
func (e *Engine) Get(id string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.active[id]; ok {
		return s, true
	}
	return e.archive.Peek(id)
}

// Batches returns in-flight and archived batches, oldest first.
func (e *Engine) Batches() []Snapshot {
	e.mu.Lock()
	out := make([]Snapshot, 0, len(e.active)+e.archive.Len())
	for _, s := range e.active {
		out = append(out, s)
	}
	out = append(out, e.archive.Values()...)
	e.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
