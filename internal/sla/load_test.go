package sla

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse_YAML(t *testing.T) {
	t.Parallel()

	doc := `
policies:
  - request_type: dialysis
    priority: urgent
    response_minutes: 30
    completion_minutes: 240
    warning_threshold_percent: 40
    escalation_levels:
      - {level: 1, minutes: 10, target: nephrology_oncall}
`
	table, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	pol, err := table.Lookup("dialysis", PriorityUrgent)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if pol.CompletionMinutes != 240 || pol.WarningThresholdPercent != 40 {
		t.Errorf("policy = %+v", pol)
	}
	if len(pol.EscalationLevels) != 1 || pol.EscalationLevels[0].Target != "nephrology_oncall" {
		t.Errorf("escalation levels = %+v", pol.EscalationLevels)
	}
}

func TestParse_JSON(t *testing.T) {
	t.Parallel()

	doc := `{"policies":[{"request_type":"lab","priority":"critical","response_minutes":15,"completion_minutes":45,"warning_threshold_percent":50,"escalation_levels":[]}]}`
	table, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d, want 1", table.Len())
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		doc     string
		substr  string
		invalid bool
	}{
		{"empty", "", "empty", false},
		{"no policies", "policies: []", "no policies", false},
		{"unknown field", "policies:\n  - request_type: lab\n    priorty: urgent\n", "priorty", false},
		{"malformed", "policies: [", "decode", false},
		{"zero allowance", "policies:\n  - {request_type: lab, priority: urgent, response_minutes: 0, completion_minutes: 90, warning_threshold_percent: 50}\n", "response_minutes", true},
		{"missing warning threshold", "policies:\n  - {request_type: lab, priority: urgent, response_minutes: 30, completion_minutes: 90}\n", "warning_threshold_percent", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatalf("Parse(%q) = nil error", tt.doc)
			}
			if !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("error = %q, want substring %q", err, tt.substr)
			}
			if got := errors.Is(err, ErrInvalidPolicy); got != tt.invalid {
				t.Errorf("errors.Is(err, ErrInvalidPolicy) = %v, want %v", got, tt.invalid)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	if err := os.WriteFile(path, defaultPolicies, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	table, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if table.Len() != 12 {
		t.Errorf("Len() = %d, want 12", table.Len())
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadFile(missing) = nil error")
	}
}

func TestDetectClockSkew(t *testing.T) {
	t.Parallel()

	if w := DetectClockSkew(t0, t0); w != nil {
		t.Errorf("DetectClockSkew(equal) = %v, want nil", w)
	}
	if w := DetectClockSkew(t0, t0.Add(1)); w != nil {
		t.Errorf("DetectClockSkew(after) = %v, want nil", w)
	}

	w := DetectClockSkew(t0, t0.Add(-90*1e9))
	if w == nil {
		t.Fatal("DetectClockSkew(before) = nil, want warning")
	}
	if w.Skew().Seconds() != 90 {
		t.Errorf("Skew() = %v, want 90s", w.Skew())
	}
	if !errors.Is(w, ErrClockSkew) {
		t.Error("errors.Is(w, ErrClockSkew) = false")
	}
}
