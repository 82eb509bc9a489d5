// Package transform projects GuardDuty findings onto the flat record shape
// of the Sentinel custom table.
package transform

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/lvonguyen/guardduty-sentinel/internal/finding"
	"github.com/lvonguyen/guardduty-sentinel/internal/mitre"
)

// Mode selects how much of the nested finding is extracted.
type Mode string

const (
	ModeRaw        Mode = "raw"
	ModeNormalized Mode = "normalized"
)

// Record is one row submitted to the ingestion stream. RawJson always holds
// the original finding so consumers can recover flattened-away data.
type Record struct {
	TimeGenerated time.Time `json:"TimeGenerated"`
	FindingID     string    `json:"FindingId"`
	AccountID     string    `json:"AccountId"`
	Region        string    `json:"Region"`
	Severity      float64   `json:"Severity"`
	SeverityLabel string    `json:"SeverityLabel"`
	Type          string    `json:"Type"`
	Title         string    `json:"Title"`
	Description   string    `json:"Description"`
	CreatedAt     time.Time `json:"CreatedAt"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	Archived      bool      `json:"Archived"`
	Count         int       `json:"Count"`

	// Populated in normalized mode only.
	ServiceName     string `json:"ServiceName,omitempty"`
	ResourceType    string `json:"ResourceType,omitempty"`
	InstanceID      string `json:"InstanceId,omitempty"`
	RemoteIPAddress string `json:"RemoteIpAddress,omitempty"`
	RemoteIPCountry string `json:"RemoteIpCountry,omitempty"`
	ActionType      string `json:"ActionType,omitempty"`
	ThreatPurpose   string `json:"ThreatPurpose,omitempty"`

	// Populated in normalized mode when an attack mapper is configured.
	MitreTactics    []string `json:"MitreTactics,omitempty"`
	MitreTechniques []string `json:"MitreTechniques,omitempty"`

	RawJSON string `json:"RawJson"`
}

// TransformError describes one finding that could not be projected.
type TransformError struct {
	FindingID string
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("finding %s: %v", e.FindingID, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Result is the outcome of transforming a set of findings.
type Result struct {
	Records []Record
	Failed  int
	Errors  []*TransformError
}

// Config holds transformer settings.
type Config struct {
	Mode Mode `yaml:"mode"`
}

// AttackMapper maps a finding type onto ATT&CK techniques.
type AttackMapper interface {
	MapFindingType(findingType string) []mitre.Mapping
}

// Transformer converts findings into records.
type Transformer struct {
	config Config
	now    func() time.Time
	attack AttackMapper
}

// Option customises a Transformer.
type Option func(*Transformer)

// WithClock overrides the ingestion timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Transformer) { t.now = now }
}

// WithAttackMapper tags normalized records with ATT&CK tactics and techniques.
func WithAttackMapper(m AttackMapper) Option {
	return func(t *Transformer) { t.attack = m }
}

// NewTransformer creates a transformer. Unknown modes fall back to raw.
func NewTransformer(cfg Config, opts ...Option) *Transformer {
	if cfg.Mode != ModeNormalized {
		cfg.Mode = ModeRaw
	}
	t := &Transformer{config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transform projects every finding. A finding that fails extraction is
// excluded from Records, counted in Failed and described in Errors.
func (t *Transformer) Transform(findings []finding.Finding) Result {
	res := Result{Records: make([]Record, 0, len(findings))}
	ingestedAt := t.now().UTC()

	for i := range findings {
		rec, err := t.transformOne(&findings[i], ingestedAt)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, &TransformError{FindingID: findings[i].ID, Err: err})
			continue
		}
		res.Records = append(res.Records, rec)
	}

	return res
}

func (t *Transformer) transformOne(f *finding.Finding, ingestedAt time.Time) (Record, error) {
	raw, err := f.RawJSON()
	if err != nil {
		return Record{}, fmt.Errorf("serializing raw finding: %w", err)
	}

	rec := Record{
		TimeGenerated: ingestedAt,
		FindingID:     f.ID,
		AccountID:     f.AccountID,
		Region:        f.Region,
		Severity:      f.Severity,
		SeverityLabel: f.SeverityLabel(),
		Type:          f.Type,
		Title:         f.Title,
		Description:   f.Description,
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
		Archived:      f.Service.Archived,
		Count:         f.Service.Count,
		RawJSON:       string(raw),
	}

	if t.config.Mode == ModeNormalized {
		if err := normalize(f, &rec); err != nil {
			return Record{}, err
		}
		if t.attack != nil {
			tagAttack(&rec, t.attack.MapFindingType(f.Type))
		}
	}

	return rec, nil
}

// normalize extracts the nested resource and action fields.
func normalize(f *finding.Finding, rec *Record) error {
	rec.ServiceName = f.Service.ServiceName
	rec.ThreatPurpose = mitre.ThreatPurpose(f.Type)

	resource, err := f.Resource.Variant()
	if err != nil {
		return err
	}
	rec.ResourceType = resource.ResourceType()
	switch r := resource.(type) {
	case finding.InstanceDetails:
		rec.InstanceID = r.InstanceID
	case finding.S3BucketResource, finding.AccessKeyDetails, finding.EKSClusterResource,
		finding.UnknownResource, finding.NoResource:
		// no instance identifier
	default:
		return fmt.Errorf("unhandled resource variant %T", r)
	}

	action, err := f.Service.Action.Variant()
	if err != nil {
		return err
	}
	rec.ActionType = action.ActionType()
	switch a := action.(type) {
	case finding.NetworkConnectionAction:
		setRemoteIP(rec, a.RemoteIPDetails)
	case finding.AWSAPICallAction:
		setRemoteIP(rec, a.RemoteIPDetails)
	case finding.DNSRequestAction, finding.UnknownAction, finding.NoAction:
		// no remote party
	default:
		return fmt.Errorf("unhandled action variant %T", a)
	}

	return nil
}

func tagAttack(rec *Record, mappings []mitre.Mapping) {
	for _, m := range mappings {
		rec.MitreTechniques = append(rec.MitreTechniques, m.TechniqueID)
		if !slices.Contains(rec.MitreTactics, m.TacticName) {
			rec.MitreTactics = append(rec.MitreTactics, m.TacticName)
		}
	}
}

func setRemoteIP(rec *Record, d *finding.RemoteIPDetails) {
	if d == nil {
		return
	}
	rec.RemoteIPAddress = d.IPAddressV4
	rec.RemoteIPCountry = d.Country.CountryName
}

// MarshalRecords encodes records as the JSON array body the ingestion API
// expects.
func MarshalRecords(records []Record) ([]byte, error) {
	return json.Marshal(records)
}
