// Package batch groups pipeline work into bounded batches and drives each
// batch through fetch, parse, deduplicate, transform and ingest.
package batch

import (
	"time"

	"github.com/lvonguyen/guardduty-sentinel/internal/finding"
	"github.com/lvonguyen/guardduty-sentinel/internal/storage"
)

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Batch is a unit of work owned by the Engine.
type Batch struct {
	ID       string
	Objects  []storage.ObjectRef
	Findings []finding.Finding

	Status       Status
	Processed    int
	Failed       int
	Duplicates   int
	RetryCount   int
	DeadLetterID string
	Err          error
	Errors       []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Size returns the number of work items in the batch.
func (b *Batch) Size() int {
	return len(b.Objects) + len(b.Findings)
}

// Snapshot is an immutable copy of a batch handed to observers and callers.
type Snapshot struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	ObjectKeys   []string  `json:"object_keys,omitempty"`
	FindingCount int       `json:"finding_count"`
	Processed    int       `json:"processed"`
	Failed       int       `json:"failed"`
	Duplicates   int       `json:"duplicates"`
	RetryCount   int       `json:"retry_count"`
	DeadLetterID string    `json:"dead_letter_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	Errors       []string  `json:"errors,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Duration is the time between creation and the last update.
func (s Snapshot) Duration() time.Duration {
	return s.UpdatedAt.Sub(s.CreatedAt)
}

func (b *Batch) snapshot() Snapshot {
	s := Snapshot{
		ID:           b.ID,
		Status:       b.Status,
		FindingCount: len(b.Findings),
		Processed:    b.Processed,
		Failed:       b.Failed,
		Duplicates:   b.Duplicates,
		RetryCount:   b.RetryCount,
		DeadLetterID: b.DeadLetterID,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
	if b.Err != nil {
		s.Error = b.Err.Error()
	}
	if len(b.Objects) > 0 {
		s.ObjectKeys = make([]string, len(b.Objects))
		for i, ref := range b.Objects {
			s.ObjectKeys[i] = ref.Key
		}
	}
	if len(b.Errors) > 0 {
		s.Errors = append([]string(nil), b.Errors...)
	}
	return s
}

// Depth is the number of queued items.
type Depth struct {
	Objects  int `json:"objects"`
	Findings int `json:"findings"`
}

// Total returns the combined queue length.
func (d Depth) Total() int { return d.Objects + d.Findings }
