package retry

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/guardduty-sentinel/internal/events"
)

type codedError struct{ code string }

func (e *codedError) Error() string     { return "service said " + e.code }
func (e *codedError) ErrorCode() string { return e.code }

func fastPolicy(t *testing.T, retries int, matchers ...MatcherConfig) *Policy {
	t.Helper()
	p, err := NewPolicy(PolicyConfig{
		MaxRetries:      retries,
		RetryBackoffMs:  1,
		MaxBackoffMs:    4,
		Multiplier:      2,
		Jitter:          true,
		RetryableErrors: matchers,
	})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p
}

// =============================================================================
// Policy
// =============================================================================

// TestPolicy_BackoffRange verifies jittered delays stay within [0.75, 1.25] of
// the exponential base and never exceed the cap.
func TestPolicy_BackoffRange(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{MaxRetries: 5, RetryBackoffMs: 100, MaxBackoffMs: 1000, Multiplier: 2, Jitter: true})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	rnd := rand.New(rand.NewSource(1))

	for attempt := 0; attempt < 6; attempt++ {
		base := 100 * time.Millisecond << attempt
		for i := 0; i < 50; i++ {
			d := p.Backoff(attempt, rnd.Float64)
			if d > time.Second {
				t.Fatalf("attempt %d: delay %v exceeds cap", attempt, d)
			}
			if base <= time.Second && (d < base*3/4 || d > base*5/4) {
				t.Fatalf("attempt %d: delay %v outside jitter range of %v", attempt, d, base)
			}
		}
	}
}

// TestPolicy_BackoffNoJitter verifies the deterministic sequence.
func TestPolicy_BackoffNoJitter(t *testing.T) {
	p, _ := NewPolicy(PolicyConfig{MaxRetries: 3, RetryBackoffMs: 100, MaxBackoffMs: 250, Multiplier: 2})
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}
	for i, w := range want {
		if got := p.Backoff(i, nil); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i, w, got)
		}
	}
}

// TestPolicy_IsRetryable verifies each matcher kind.
func TestPolicy_IsRetryable(t *testing.T) {
	p := fastPolicy(t, 1,
		MatcherConfig{Type: MatchCode, Value: "RateLimited"},
		MatcherConfig{Type: MatchContains, Value: "timeout"},
		MatcherConfig{Type: MatchRegex, Value: `^5\d\d `},
	)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"code", &codedError{code: "RateLimited"}, true},
		{"wrapped code", errors.Join(errors.New("ctx"), &codedError{code: "RateLimited"}), true},
		{"other code", &codedError{code: "AuthenticationFailed"}, false},
		{"substring", errors.New("dial tcp: i/o timeout"), true},
		{"regex", errors.New("503 service unavailable"), true},
		{"no match", errors.New("bad request"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	if !fastPolicy(t, 1).IsRetryable(errors.New("anything")) {
		t.Error("empty matcher set should retry everything")
	}
}

// TestPolicyConfig_Validate verifies range checks.
func TestPolicyConfig_Validate(t *testing.T) {
	bad := DefaultPolicyConfig()
	bad.MaxRetries = 11
	bad.RetryableErrors = []MatcherConfig{{Type: MatchRegex, Value: "("}}
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error")
	}
	if err := DefaultPolicyConfig().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

// =============================================================================
// Engine
// =============================================================================

// TestEngine_SuccessAfterRetries verifies attempts are counted.
func TestEngine_SuccessAfterRetries(t *testing.T) {
	e := NewEngine("ingestion", fastPolicy(t, 3), nil)
	calls := 0
	res, err := e.Do(context.Background(), nil, "batch", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.Attempts != 3 || res.DeadLettered {
		t.Errorf("unexpected result: %+v", res)
	}
}

// TestEngine_AttemptBound verifies an always-failing op runs at most R+1
// times and, without a sink, returns ErrExhausted.
func TestEngine_AttemptBound(t *testing.T) {
	var attemptsSeen, exhaustedSeen int
	e := NewEngine("ingestion", fastPolicy(t, 2), nil)
	e.AddObserver(events.ObserverFunc(func(_ context.Context, ev events.Event) error {
		switch ev.Type {
		case events.RetryAttempt:
			attemptsSeen++
		case events.RetryExhausted:
			exhaustedSeen++
		}
		return nil
	}))

	calls := 0
	cause := errors.New("down")
	res, err := e.Do(context.Background(), nil, "batch", func(ctx context.Context) error {
		calls++
		return cause
	})
	if calls != 3 || res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got calls=%d attempts=%d", calls, res.Attempts)
	}
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, cause) {
		t.Errorf("expected exhausted error wrapping cause, got %v", err)
	}
	if attemptsSeen != 2 || exhaustedSeen != 1 {
		t.Errorf("expected 2 attempt events and 1 exhausted, got %d and %d", attemptsSeen, exhaustedSeen)
	}
}

// TestEngine_NonRetryable verifies no further attempts after a non-matching
// error.
func TestEngine_NonRetryable(t *testing.T) {
	e := NewEngine("ingestion", fastPolicy(t, 5, MatcherConfig{Type: MatchCode, Value: "RateLimited"}), nil)
	calls := 0
	_, err := e.Do(context.Background(), nil, "batch", func(ctx context.Context) error {
		calls++
		return &codedError{code: "AuthenticationFailed"}
	})
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
	if err == nil || errors.Is(err, ErrExhausted) {
		t.Errorf("expected plain failure, got %v", err)
	}

	calls = 0
	notFound := errors.New("no such key")
	_, err = NewEngine("storage", fastPolicy(t, 5), nil).Do(context.Background(), nil, "get", func(ctx context.Context) error {
		calls++
		return Permanent(notFound)
	})
	if calls != 1 || !errors.Is(err, notFound) {
		t.Errorf("permanent error should stop retries, calls=%d err=%v", calls, err)
	}
}

// TestEngine_DeadLetterExactlyOnce verifies exhaustion with a sink
// dead-letters once and reports no error.
func TestEngine_DeadLetterExactlyOnce(t *testing.T) {
	dlq, err := NewMemoryDeadLetterQueue(10)
	if err != nil {
		t.Fatalf("NewMemoryDeadLetterQueue: %v", err)
	}
	e := NewEngine("ingestion", fastPolicy(t, 2), nil, WithDeadLetterSink(dlq), WithRandSource(rand.NewSource(7)))

	res, err := e.Do(context.Background(), map[string]string{"batch": "b-1"}, "batch b-1",
		func(ctx context.Context) error { return &codedError{code: "ServiceUnavailable"} })
	if err != nil {
		t.Fatalf("expected nil error when dead-lettered, got %v", err)
	}
	if !res.DeadLettered || res.DeadLetterID == "" {
		t.Fatalf("expected dead-lettered result, got %+v", res)
	}
	if dlq.Len() != 1 {
		t.Fatalf("expected exactly one dead-letter item, got %d", dlq.Len())
	}

	item, err := dlq.Get(context.Background(), res.DeadLetterID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.RetryCount != 2 || item.Error.Kind != "ServiceUnavailable" || string(item.Payload) != `{"batch":"b-1"}` {
		t.Errorf("unexpected item: %+v", item)
	}
}

// TestEngine_Cancellation verifies a cancelled context interrupts the wait.
func TestEngine_Cancellation(t *testing.T) {
	p, _ := NewPolicy(PolicyConfig{MaxRetries: 3, RetryBackoffMs: 10000, MaxBackoffMs: 10000, Multiplier: 1})
	e := NewEngine("storage", p, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Do(ctx, nil, "get", func(ctx context.Context) error { return errors.New("slow") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("wait was not interrupted")
	}
}

// =============================================================================
// Dead-letter queues
// =============================================================================

// TestMemoryDeadLetterQueue verifies ordering, capacity and removal.
func TestMemoryDeadLetterQueue(t *testing.T) {
	ctx := context.Background()
	q, _ := NewMemoryDeadLetterQueue(2)

	for _, id := range []string{"a", "b", "c"} {
		q.Send(ctx, DeadLetterItem{ID: id})
	}
	items, _ := q.List(ctx)
	if len(items) != 2 || items[0].ID != "b" || items[1].ID != "c" {
		t.Fatalf("expected [b c], got %+v", items)
	}

	if err := q.Remove(ctx, "b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := q.Get(ctx, "b"); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := q.Remove(ctx, "missing"); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

// TestRedisDeadLetterQueue runs against a live Redis when REDIS_ADDR is set.
func TestRedisDeadLetterQueue(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	prefix := "guardduty-sentinel-test:" + time.Now().Format("150405.000000")
	defer client.Del(ctx, prefix+":items", prefix+":order")

	q := NewRedisDeadLetterQueue(client, prefix, 2)
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Send(ctx, DeadLetterItem{ID: id, Operation: "ingestion"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	items, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 || items[0].ID != "b" {
		t.Fatalf("expected [b c], got %+v", items)
	}
	if _, err := q.Get(ctx, "a"); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Errorf("trimmed item should be gone, got %v", err)
	}
	if err := q.Remove(ctx, "c"); err != nil {
		t.Errorf("Remove: %v", err)
	}
}
