package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrDeadLetterNotFound is returned when an id is not in the queue.
var ErrDeadLetterNotFound = errors.New("dead-letter item not found")

// FailureInfo describes the last error of an abandoned item.
type FailureInfo struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DeadLetterItem is a unit of work that exhausted its retries.
type DeadLetterItem struct {
	ID          string          `json:"id"`
	Operation   string          `json:"operation"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload"`
	Error       FailureInfo     `json:"error"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewDeadLetterItem captures payload and the final err.
func NewDeadLetterItem(operation, desc string, payload any, err error, retries int) (DeadLetterItem, error) {
	data, mErr := json.Marshal(payload)
	if mErr != nil {
		return DeadLetterItem{}, fmt.Errorf("encoding dead-letter payload: %w", mErr)
	}
	kind := ErrorCode(err)
	if kind == "" {
		kind = fmt.Sprintf("%T", err)
	}
	now := time.Now().UTC()
	return DeadLetterItem{
		ID:          uuid.NewString(),
		Operation:   operation,
		Description: desc,
		Payload:     data,
		Error: FailureInfo{
			Kind:      kind,
			Message:   err.Error(),
			Timestamp: now,
		},
		RetryCount: retries,
		CreatedAt:  now,
	}, nil
}

// DeadLetterSink accepts abandoned work.
type DeadLetterSink interface {
	Send(ctx context.Context, item DeadLetterItem) error
}

// DeadLetterStore is a sink that can also be inspected and drained.
type DeadLetterStore interface {
	DeadLetterSink
	List(ctx context.Context) ([]DeadLetterItem, error)
	Get(ctx context.Context, id string) (*DeadLetterItem, error)
	Remove(ctx context.Context, id string) error
}

// MemoryDeadLetterQueue keeps the most recent items in memory. When full the
// oldest item is dropped.
type MemoryDeadLetterQueue struct {
	mu    sync.Mutex
	items *lru.Cache[string, DeadLetterItem]
}

// NewMemoryDeadLetterQueue creates a queue holding up to capacity items.
func NewMemoryDeadLetterQueue(capacity int) (*MemoryDeadLetterQueue, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	items, err := lru.New[string, DeadLetterItem](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating dead-letter cache: %w", err)
	}
	return &MemoryDeadLetterQueue{items: items}, nil
}

// Send implements DeadLetterSink.
func (q *MemoryDeadLetterQueue) Send(_ context.Context, item DeadLetterItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Add(item.ID, item)
	return nil
}

// List returns items oldest first.
func (q *MemoryDeadLetterQueue) List(_ context.Context) ([]DeadLetterItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := q.items.Keys()
	out := make([]DeadLetterItem, 0, len(keys))
	for _, k := range keys {
		if it, ok := q.items.Peek(k); ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// Get returns one item.
func (q *MemoryDeadLetterQueue) Get(_ context.Context, id string) (*DeadLetterItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items.Peek(id)
	if !ok {
		return nil, ErrDeadLetterNotFound
	}
	return &it, nil
}

// Remove deletes one item.
func (q *MemoryDeadLetterQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.items.Remove(id) {
		return ErrDeadLetterNotFound
	}
	return nil
}

// Len returns the number of queued items.
func (q *MemoryDeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
