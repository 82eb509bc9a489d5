// Package finding provides the GuardDuty finding schema consumed by the pipeline.
// Findings are immutable snapshots exported by the detector; the pipeline only
// reads and republishes them.
package finding

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Severity bounds as published by GuardDuty.
const (
	MinSeverity = 0.0
	MaxSeverity = 8.9
)

// Validation errors.
var (
	ErrMissingID        = errors.New("finding id is required")
	ErrMissingAccountID = errors.New("finding accountId is required")
	ErrMissingRegion    = errors.New("finding region is required")
	ErrMissingType      = errors.New("finding type is required")
	ErrMissingCreatedAt = errors.New("finding createdAt is required")
	ErrSeverityRange    = errors.New("finding severity out of range")
)

// Finding represents one GuardDuty finding.
type Finding struct {
	SchemaVersion string    `json:"schemaVersion,omitempty"`
	ID            string    `json:"id"`
	AccountID     string    `json:"accountId"`
	Region        string    `json:"region"`
	Partition     string    `json:"partition,omitempty"`
	Arn           string    `json:"arn,omitempty"`
	Type          string    `json:"type"`
	Severity      float64   `json:"severity"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Resource      Resource  `json:"resource"`
	Service       Service   `json:"service"`

	// Raw is the verbatim source line this finding was decoded from.
	Raw []byte `json:"-"`
}

// Service carries the detection context and finding bookkeeping.
type Service struct {
	ServiceName    string    `json:"serviceName,omitempty"`
	DetectorID     string    `json:"detectorId,omitempty"`
	Action         Action    `json:"action"`
	Archived       bool      `json:"archived"`
	Count          int       `json:"count"`
	EventFirstSeen time.Time `json:"eventFirstSeen"`
	EventLastSeen  time.Time `json:"eventLastSeen"`
	ResourceRole   string    `json:"resourceRole,omitempty"`
}

// Validate checks the top-level shape of a finding. Nested resource and
// action blocks are decoded lazily and are not validated here.
func (f *Finding) Validate() error {
	switch {
	case f.ID == "":
		return ErrMissingID
	case f.AccountID == "":
		return ErrMissingAccountID
	case f.Region == "":
		return ErrMissingRegion
	case f.Type == "":
		return ErrMissingType
	case f.CreatedAt.IsZero():
		return ErrMissingCreatedAt
	case f.Severity < MinSeverity || f.Severity > MaxSeverity:
		return fmt.Errorf("%w: %v", ErrSeverityRange, f.Severity)
	}
	return nil
}

// RawJSON returns the verbatim source JSON when known, otherwise the
// marshalled finding.
func (f *Finding) RawJSON() ([]byte, error) {
	if len(f.Raw) > 0 {
		return f.Raw, nil
	}
	return json.Marshal(f)
}

// SeverityLabel maps the numeric severity onto GuardDuty's bands.
func (f *Finding) SeverityLabel() string {
	switch {
	case f.Severity >= 7.0:
		return "High"
	case f.Severity >= 4.0:
		return "Medium"
	default:
		return "Low"
	}
}
