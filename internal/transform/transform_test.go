package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/lvonguyen/guardduty-sentinel/internal/finding"
	"github.com/lvonguyen/guardduty-sentinel/internal/mitre"
)

var fixedNow = time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)

func mustFinding(t *testing.T, raw string) finding.Finding {
	t.Helper()
	var f finding.Finding
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	f.Raw = []byte(raw)
	return f
}

const apiCallFinding = `{"id":"api-1","accountId":"111122223333","region":"eu-west-1","type":"Recon:IAMUser/MaliciousIPCaller","severity":5.5,"createdAt":"2024-03-01T10:00:00Z","updatedAt":"2024-03-01T12:00:00Z","title":"API from malicious IP","description":"d","resource":{"resourceType":"AccessKey","accessKeyDetails":{"accessKeyId":"AKIA1","userName":"bob"}},"service":{"serviceName":"guardduty","count":2,"action":{"actionType":"AWS_API_CALL","awsApiCallAction":{"api":"ListBuckets","remoteIpDetails":{"ipAddressV4":"198.51.100.4","country":{"countryName":"Atlantis"}}}}}}`

const instanceFinding = `{"id":"ec2-1","accountId":"111122223333","region":"eu-west-1","type":"UnauthorizedAccess:EC2/SSHBruteForce","severity":8.0,"createdAt":"2024-03-01T10:00:00Z","updatedAt":"2024-03-01T12:00:00Z","title":"t","description":"d","resource":{"resourceType":"Instance","instanceDetails":{"instanceId":"i-123"}},"service":{"serviceName":"guardduty","action":{"actionType":"DNS_REQUEST","dnsRequestAction":{"domain":"evil.example"}}}}`

const malformedNested = `{"id":"bad-1","accountId":"111122223333","region":"eu-west-1","type":"x","severity":1,"createdAt":"2024-03-01T10:00:00Z","resource":{"resourceType":"Instance"},"service":{}}`

// =============================================================================
// Raw Mode Tests
// =============================================================================

func TestTransform_RawMode(t *testing.T) {
	tr := NewTransformer(Config{Mode: ModeRaw}, WithClock(func() time.Time { return fixedNow }))
	f := mustFinding(t, apiCallFinding)

	res := tr.Transform([]finding.Finding{f})
	if res.Failed != 0 || len(res.Records) != 1 {
		t.Fatalf("expected 1 record, 0 failed; got %d, %d", len(res.Records), res.Failed)
	}

	rec := res.Records[0]
	if rec.FindingID != "api-1" || rec.AccountID != "111122223333" || rec.Region != "eu-west-1" {
		t.Errorf("core fields not copied: %+v", rec)
	}
	if rec.SeverityLabel != "Medium" {
		t.Errorf("expected Medium severity label, got %s", rec.SeverityLabel)
	}
	if rec.RawJSON != apiCallFinding {
		t.Error("RawJson should hold the verbatim finding")
	}
	if !rec.TimeGenerated.Equal(fixedNow) {
		t.Errorf("expected TimeGenerated=%v, got %v", fixedNow, rec.TimeGenerated)
	}
	if rec.ActionType != "" || rec.RemoteIPAddress != "" {
		t.Error("raw mode should not extract nested fields")
	}
}

// TestTransform_RawModeIgnoresMalformedNested verifies raw mode does not
// inspect the nested blocks.
func TestTransform_RawModeIgnoresMalformedNested(t *testing.T) {
	tr := NewTransformer(Config{})
	res := tr.Transform([]finding.Finding{mustFinding(t, malformedNested)})
	if res.Failed != 0 {
		t.Errorf("raw mode should not fail on nested shape, got %v", res.Errors)
	}
}

// =============================================================================
// Normalized Mode Tests
// =============================================================================

func TestTransform_NormalizedMode(t *testing.T) {
	tr := NewTransformer(Config{Mode: ModeNormalized}, WithClock(func() time.Time { return fixedNow }))

	res := tr.Transform([]finding.Finding{
		mustFinding(t, apiCallFinding),
		mustFinding(t, instanceFinding),
	})
	if res.Failed != 0 || len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d (failed %d: %v)", len(res.Records), res.Failed, res.Errors)
	}

	api := res.Records[0]
	if api.ServiceName != "guardduty" || api.ResourceType != "AccessKey" || api.ActionType != "AWS_API_CALL" {
		t.Errorf("unexpected api record: %+v", api)
	}
	if api.RemoteIPAddress != "198.51.100.4" || api.RemoteIPCountry != "Atlantis" {
		t.Errorf("remote ip not extracted: %q %q", api.RemoteIPAddress, api.RemoteIPCountry)
	}
	if api.InstanceID != "" {
		t.Errorf("access key finding should have no instance id, got %q", api.InstanceID)
	}

	ec2 := res.Records[1]
	if ec2.InstanceID != "i-123" || ec2.ActionType != "DNS_REQUEST" {
		t.Errorf("unexpected instance record: %+v", ec2)
	}
	if ec2.RemoteIPAddress != "" {
		t.Errorf("dns action has no remote ip, got %q", ec2.RemoteIPAddress)
	}
}

// TestTransform_MalformedNestedExcluded verifies one malformed finding does
// not fail the batch.
func TestTransform_MalformedNestedExcluded(t *testing.T) {
	tr := NewTransformer(Config{Mode: ModeNormalized})

	res := tr.Transform([]finding.Finding{
		mustFinding(t, apiCallFinding),
		mustFinding(t, malformedNested),
		mustFinding(t, instanceFinding),
	})

	if len(res.Records) != 2 {
		t.Errorf("expected 2 records, got %d", len(res.Records))
	}
	if res.Failed != 1 || len(res.Errors) != 1 {
		t.Fatalf("expected 1 failure, got %d (%v)", res.Failed, res.Errors)
	}
	if res.Errors[0].FindingID != "bad-1" {
		t.Errorf("expected failure for bad-1, got %s", res.Errors[0].FindingID)
	}
	if !errors.Is(res.Errors[0], finding.ErrMalformedResource) {
		t.Errorf("expected ErrMalformedResource, got %v", res.Errors[0])
	}
}

// TestTransform_Deterministic verifies transforming the same finding twice
// yields byte-identical output.
func TestTransform_Deterministic(t *testing.T) {
	tr := NewTransformer(Config{Mode: ModeNormalized}, WithClock(func() time.Time { return fixedNow }))
	findings := []finding.Finding{mustFinding(t, apiCallFinding), mustFinding(t, instanceFinding)}

	first, err := MarshalRecords(tr.Transform(findings).Records)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := MarshalRecords(tr.Transform(findings).Records)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("transform output is not deterministic")
	}
}

// TestTransform_RawJSONWithoutSource verifies findings that did not come from
// the parser still carry a RawJson payload.
func TestTransform_RawJSONWithoutSource(t *testing.T) {
	f := mustFinding(t, instanceFinding)
	f.Raw = nil

	res := NewTransformer(Config{}).Transform([]finding.Finding{f})
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.Records))
	}

	var back finding.Finding
	if err := json.Unmarshal([]byte(res.Records[0].RawJSON), &back); err != nil {
		t.Fatalf("RawJson is not valid JSON: %v", err)
	}
	if back.ID != "ec2-1" {
		t.Errorf("expected ec2-1 in RawJson, got %s", back.ID)
	}
}

// TestTransform_AttackMapping verifies normalized records carry the threat
// purpose and ATT&CK tags, and raw records do not.
func TestTransform_AttackMapping(t *testing.T) {
	af := mitre.NewAttackFramework(nil)
	f := mustFinding(t, instanceFinding)

	rec := NewTransformer(Config{Mode: ModeNormalized}, WithAttackMapper(af)).Transform([]finding.Finding{f}).Records[0]
	if rec.ThreatPurpose != "UnauthorizedAccess" {
		t.Errorf("expected threat purpose, got %q", rec.ThreatPurpose)
	}
	if !slices.Equal(rec.MitreTechniques, []string{"T1110", "T1078"}) {
		t.Errorf("unexpected techniques %v", rec.MitreTechniques)
	}
	if !slices.Equal(rec.MitreTactics, []string{"Credential Access", "Initial Access"}) {
		t.Errorf("unexpected tactics %v", rec.MitreTactics)
	}

	raw := NewTransformer(Config{Mode: ModeRaw}, WithAttackMapper(af)).Transform([]finding.Finding{f}).Records[0]
	if raw.ThreatPurpose != "" || raw.MitreTechniques != nil {
		t.Errorf("raw mode should not tag records: %+v", raw)
	}
}
