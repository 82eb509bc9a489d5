package finding

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

const instanceFinding = `{
  "schemaVersion": "2.0",
  "accountId": "123456789012",
  "region": "us-east-1",
  "partition": "aws",
  "id": "f1",
  "type": "UnauthorizedAccess:EC2/SSHBruteForce",
  "severity": 5.0,
  "createdAt": "2024-03-01T10:00:00.000Z",
  "updatedAt": "2024-03-01T11:00:00.000Z",
  "title": "SSH brute force",
  "description": "203.0.113.7 is performing SSH brute force attacks",
  "resource": {
    "resourceType": "Instance",
    "instanceDetails": {"instanceId": "i-0abc", "instanceType": "t3.micro"}
  },
  "service": {
    "serviceName": "guardduty",
    "archived": false,
    "count": 4,
    "eventFirstSeen": "2024-03-01T09:00:00.000Z",
    "eventLastSeen": "2024-03-01T10:59:00.000Z",
    "action": {
      "actionType": "NETWORK_CONNECTION",
      "networkConnectionAction": {
        "connectionDirection": "INBOUND",
        "remoteIpDetails": {"ipAddressV4": "203.0.113.7", "country": {"countryName": "Narnia"}}
      }
    }
  }
}`

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate(t *testing.T) {
	base := func() Finding {
		var f Finding
		if err := json.Unmarshal([]byte(instanceFinding), &f); err != nil {
			t.Fatalf("unmarshal fixture: %v", err)
		}
		return f
	}

	tests := []struct {
		name    string
		mutate  func(*Finding)
		wantErr error
	}{
		{"valid", func(*Finding) {}, nil},
		{"missing id", func(f *Finding) { f.ID = "" }, ErrMissingID},
		{"missing account", func(f *Finding) { f.AccountID = "" }, ErrMissingAccountID},
		{"missing region", func(f *Finding) { f.Region = "" }, ErrMissingRegion},
		{"missing type", func(f *Finding) { f.Type = "" }, ErrMissingType},
		{"missing createdAt", func(f *Finding) { f.CreatedAt = time.Time{} }, ErrMissingCreatedAt},
		{"severity negative", func(f *Finding) { f.Severity = -0.1 }, ErrSeverityRange},
		{"severity too high", func(f *Finding) { f.Severity = 9.0 }, ErrSeverityRange},
		{"severity upper bound", func(f *Finding) { f.Severity = MaxSeverity }, nil},
		{"severity lower bound", func(f *Finding) { f.Severity = MinSeverity }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base()
			tt.mutate(&f)
			err := f.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("expected valid finding, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// =============================================================================
// Variant Tests
// =============================================================================

func TestResourceAndActionVariants(t *testing.T) {
	var f Finding
	if err := json.Unmarshal([]byte(instanceFinding), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	rv, err := f.Resource.Variant()
	if err != nil {
		t.Fatalf("resource variant: %v", err)
	}
	inst, ok := rv.(InstanceDetails)
	if !ok {
		t.Fatalf("expected InstanceDetails, got %T", rv)
	}
	if inst.InstanceID != "i-0abc" {
		t.Errorf("expected instance id i-0abc, got %q", inst.InstanceID)
	}

	av, err := f.Service.Action.Variant()
	if err != nil {
		t.Fatalf("action variant: %v", err)
	}
	nc, ok := av.(NetworkConnectionAction)
	if !ok {
		t.Fatalf("expected NetworkConnectionAction, got %T", av)
	}
	if nc.RemoteIPDetails == nil || nc.RemoteIPDetails.IPAddressV4 != "203.0.113.7" {
		t.Errorf("unexpected remote ip details: %+v", nc.RemoteIPDetails)
	}
}

func TestVariant_Malformed(t *testing.T) {
	var r Resource
	if err := json.Unmarshal([]byte(`{"resourceType":"Instance"}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := r.Variant(); !errors.Is(err, ErrMalformedResource) {
		t.Errorf("expected ErrMalformedResource, got %v", err)
	}

	var a Action
	if err := json.Unmarshal([]byte(`"not-an-object"`), &a); err != nil {
		t.Fatalf("unmarshal should stay lenient: %v", err)
	}
	if _, err := a.Variant(); !errors.Is(err, ErrMalformedAction) {
		t.Errorf("expected ErrMalformedAction, got %v", err)
	}
}

func TestVariant_AbsentAndUnknown(t *testing.T) {
	var f Finding
	if err := json.Unmarshal([]byte(`{"id":"x","resource":null}`), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, _ := f.Resource.Variant(); v != (NoResource{}) {
		t.Errorf("expected NoResource, got %T", v)
	}
	if v, _ := f.Service.Action.Variant(); v != (NoAction{}) {
		t.Errorf("expected NoAction, got %T", v)
	}

	var r Resource
	_ = json.Unmarshal([]byte(`{"resourceType":"Lambda"}`), &r)
	v, err := r.Variant()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u, ok := v.(UnknownResource); !ok || u.Type != "Lambda" {
		t.Errorf("expected UnknownResource{Lambda}, got %#v", v)
	}
}

func TestNewResource_RoundTrip(t *testing.T) {
	r, err := NewResource(AccessKeyDetails{AccessKeyID: "AKIA1", UserName: "alice"})
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Resource
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, err := back.Variant()
	if err != nil {
		t.Fatalf("variant: %v", err)
	}
	if ak, ok := v.(AccessKeyDetails); !ok || ak.UserName != "alice" {
		t.Errorf("unexpected variant %#v", v)
	}
}

// TestService_ActionAlwaysEncoded verifies a finding without an action still
// carries the action key in its canonical JSON.
func TestService_ActionAlwaysEncoded(t *testing.T) {
	data, err := json.Marshal(Service{ServiceName: "guardduty", Count: 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := fields["action"]; !ok {
		t.Errorf("expected action key in %s", data)
	}
}
