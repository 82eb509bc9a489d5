// Package mitre maps GuardDuty finding types onto MITRE ATT&CK tactics and
// techniques.
//
// A finding type has the form ThreatPurpose:ResourceTypeAffected/ThreatFamilyName,
// e.g. "UnauthorizedAccess:EC2/SSHBruteForce". The threat family gives the
// most specific mapping; the threat purpose is the fallback.
package mitre

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Technique represents a MITRE ATT&CK technique.
type Technique struct {
	ID      string   `json:"id"`      // e.g., "T1110"
	Name    string   `json:"name"`    // e.g., "Brute Force"
	Tactics []string `json:"tactics"` // short names, e.g., ["credential-access"]
	URL     string   `json:"url"`
}

// Tactic represents a MITRE ATT&CK tactic.
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0006"
	Name      string `json:"name"`       // e.g., "Credential Access"
	ShortName string `json:"short_name"` // e.g., "credential-access"
	URL       string `json:"url"`
}

// Mapping ties a finding type to one technique.
type Mapping struct {
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	TacticID      string  `json:"tactic_id"`
	TacticName    string  `json:"tactic_name"`
	Confidence    float64 `json:"confidence"` // 0.0 - 1.0
	Evidence      string  `json:"evidence"`
}

// rule maps a purpose or family onto a technique under one tactic.
type rule struct {
	technique  string
	tactic     string
	confidence float64
}

// purposeRules cover every GuardDuty threat purpose with an ATT&CK analogue.
// Policy and Behavior findings have none.
var purposeRules = map[string]rule{
	"backdoor":            {"T1071", "TA0011", 0.7},
	"cryptocurrency":      {"T1496", "TA0040", 0.8},
	"defenseevasion":      {"T1562", "TA0005", 0.7},
	"discovery":           {"T1580", "TA0007", 0.7},
	"execution":           {"T1204", "TA0002", 0.6},
	"exfiltration":        {"T1537", "TA0010", 0.7},
	"impact":              {"T1485", "TA0040", 0.6},
	"initialaccess":       {"T1078", "TA0001", 0.6},
	"pentest":             {"T1580", "TA0007", 0.5},
	"persistence":         {"T1098", "TA0003", 0.7},
	"privilegeescalation": {"T1078.004", "TA0004", 0.6},
	"recon":               {"T1595", "TA0043", 0.7},
	"stealth":             {"T1562", "TA0005", 0.7},
	"trojan":              {"T1071", "TA0011", 0.7},
	"unauthorizedaccess":  {"T1078", "TA0001", 0.5},
}

// familyRules override the purpose for well known threat families.
var familyRules = map[string]rule{
	"sshbruteforce":                  {"T1110", "TA0006", 0.9},
	"rdpbruteforce":                  {"T1110", "TA0006", 0.9},
	"instancecredentialexfiltration": {"T1552.005", "TA0006", 0.9},
	"toripcaller":                    {"T1090.003", "TA0011", 0.8},
	"torclient":                      {"T1090.003", "TA0011", 0.8},
	"portprobeunprotectedport":       {"T1595", "TA0043", 0.9},
	"portscan":                       {"T1046", "TA0007", 0.9},
	"dgadomainrequest":               {"T1568.002", "TA0011", 0.9},
	"bitcointool":                    {"T1496", "TA0040", 0.9},
	"dnsdataexfiltration":            {"T1048", "TA0010", 0.9},
	"cloudtrailloggingdisabled":      {"T1562.008", "TA0005", 0.9},
	"passwordpolicychange":           {"T1556", "TA0006", 0.7},
	"maliciousipcaller":              {"T1078.004", "TA0001", 0.7},
	"kalilinux":                      {"T1580", "TA0007", 0.6},
}

// AttackFramework holds the ATT&CK catalogue used for mapping.
type AttackFramework struct {
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewAttackFramework creates a framework with the built-in catalogue.
func NewAttackFramework(logger *zap.Logger) *AttackFramework {
	if logger == nil {
		logger = zap.NewNop()
	}
	af := &AttackFramework{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
		logger:     logger.Named("mitre"),
	}

	af.initializeTactics()
	af.initializeTechniques()

	return af
}

// ParseType splits a finding type into its purpose, resource and family.
// Missing parts are returned empty.
func ParseType(findingType string) (purpose, resource, family string) {
	purpose, rest, ok := strings.Cut(findingType, ":")
	if !ok {
		return "", "", ""
	}
	resource, family, _ = strings.Cut(rest, "/")
	// variants such as "SSHBruteForce!DNS" share the family mapping
	family, _, _ = strings.Cut(family, "!")
	family, _, _ = strings.Cut(family, ".")
	return purpose, resource, family
}

// ThreatPurpose returns the purpose prefix of a finding type.
func ThreatPurpose(findingType string) string {
	purpose, _, _ := ParseType(findingType)
	return purpose
}

// MapFindingType returns the ATT&CK mappings for a finding type, most
// specific first. Unknown types map to nothing.
func (af *AttackFramework) MapFindingType(findingType string) []Mapping {
	purpose, _, family := ParseType(findingType)
	if purpose == "" {
		return nil
	}

	var mappings []Mapping
	if r, ok := familyRules[strings.ToLower(family)]; ok {
		if m, ok := af.mapping(r, "threat family "+family); ok {
			mappings = append(mappings, m)
		}
	}
	if r, ok := purposeRules[strings.ToLower(purpose)]; ok {
		if m, ok := af.mapping(r, "threat purpose "+purpose); ok && !contains(mappings, m.TechniqueID) {
			mappings = append(mappings, m)
		}
	}
	if len(mappings) == 0 {
		af.logger.Debug("No ATT&CK mapping for finding type", zap.String("type", findingType))
	}
	return mappings
}

func (af *AttackFramework) mapping(r rule, evidence string) (Mapping, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.techniques[r.technique]
	if !ok {
		return Mapping{}, false
	}
	tactic, ok := af.tactics[r.tactic]
	if !ok {
		return Mapping{}, false
	}
	return Mapping{
		TechniqueID:   t.ID,
		TechniqueName: t.Name,
		TacticID:      tactic.ID,
		TacticName:    tactic.Name,
		Confidence:    r.confidence,
		Evidence:      evidence,
	}, true
}

func contains(mappings []Mapping, techniqueID string) bool {
	for _, m := range mappings {
		if m.TechniqueID == techniqueID {
			return true
		}
	}
	return false
}

// GetTechnique returns a technique by ID.
func (af *AttackFramework) GetTechnique(id string) (*Technique, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.techniques[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name.
func (af *AttackFramework) GetTactic(id string) (*Tactic, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.tactics[strings.ToUpper(id)]
	if !ok {
		t, ok = af.tactics[strings.ToLower(id)]
	}
	return t, ok
}

func (af *AttackFramework) initializeTechniques() {
	af.mu.Lock()
	defer af.mu.Unlock()

	techniques := []*Technique{
		{ID: "T1046", Name: "Network Service Discovery", Tactics: []string{"discovery"}},
		{ID: "T1048", Name: "Exfiltration Over Alternative Protocol", Tactics: []string{"exfiltration"}},
		{ID: "T1071", Name: "Application Layer Protocol", Tactics: []string{"command-and-control"}},
		{ID: "T1078", Name: "Valid Accounts", Tactics: []string{"initial-access", "persistence", "privilege-escalation", "defense-evasion"}},
		{ID: "T1078.004", Name: "Cloud Accounts", Tactics: []string{"initial-access", "persistence", "privilege-escalation", "defense-evasion"}},
		{ID: "T1090.003", Name: "Multi-hop Proxy", Tactics: []string{"command-and-control"}},
		{ID: "T1098", Name: "Account Manipulation", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1110", Name: "Brute Force", Tactics: []string{"credential-access"}},
		{ID: "T1204", Name: "User Execution", Tactics: []string{"execution"}},
		{ID: "T1485", Name: "Data Destruction", Tactics: []string{"impact"}},
		{ID: "T1496", Name: "Resource Hijacking", Tactics: []string{"impact"}},
		{ID: "T1537", Name: "Transfer Data to Cloud Account", Tactics: []string{"exfiltration"}},
		{ID: "T1552.005", Name: "Cloud Instance Metadata API", Tactics: []string{"credential-access"}},
		{ID: "T1556", Name: "Modify Authentication Process", Tactics: []string{"credential-access", "defense-evasion", "persistence"}},
		{ID: "T1562", Name: "Impair Defenses", Tactics: []string{"defense-evasion"}},
		{ID: "T1562.008", Name: "Disable or Modify Cloud Logs", Tactics: []string{"defense-evasion"}},
		{ID: "T1568.002", Name: "Domain Generation Algorithms", Tactics: []string{"command-and-control"}},
		{ID: "T1580", Name: "Cloud Infrastructure Discovery", Tactics: []string{"discovery"}},
		{ID: "T1595", Name: "Active Scanning", Tactics: []string{"reconnaissance"}},
	}

	for _, t := range techniques {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		af.techniques[t.ID] = t
	}
}

func (af *AttackFramework) initializeTactics() {
	af.mu.Lock()
	defer af.mu.Unlock()

	tactics := []*Tactic{
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
		{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
		{ID: "TA0043", Name: "Reconnaissance", ShortName: "reconnaissance"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		af.tactics[t.ShortName] = t
		af.tactics[t.ID] = t
	}
}
