package sla

import (
	"fmt"
	"sort"
	"time"
)

// DangerThresholdPercent is the remaining-percentage below which a
// countdown is classified as danger.
const DangerThresholdPercent = 20

// DefaultWarningThresholdPercent is the remaining-percentage below which a
// countdown is classified as warning when no policy overrides it.
const DefaultWarningThresholdPercent = 50

// EscalationLevel is one staged notification tier, fired Minutes after the
// deadline has passed.
type EscalationLevel struct {
	Level   int    `json:"level" yaml:"level"`
	Minutes int    `json:"minutes" yaml:"minutes"`
	Target  string `json:"target" yaml:"target"`
}

// After is the delay past the deadline at which this level fires.
func (l EscalationLevel) After() time.Duration {
	return time.Duration(l.Minutes) * time.Minute
}

// Policy is the SLA for one (request type, priority) pair.
type Policy struct {
	RequestType             RequestType       `json:"request_type" yaml:"request_type"`
	Priority                Priority          `json:"priority" yaml:"priority"`
	ResponseMinutes         int               `json:"response_minutes" yaml:"response_minutes"`
	CompletionMinutes       int               `json:"completion_minutes" yaml:"completion_minutes"`
	WarningThresholdPercent float64           `json:"warning_threshold_percent" yaml:"warning_threshold_percent"`
	EscalationLevels        []EscalationLevel `json:"escalation_levels" yaml:"escalation_levels"`
}

// AllowanceMinutes returns the minutes allowed for the given kind.
func (p Policy) AllowanceMinutes(kind Kind) (int, error) {
	switch kind {
	case KindResponse:
		return p.ResponseMinutes, nil
	case KindCompletion:
		return p.CompletionMinutes, nil
	}
	return 0, fmt.Errorf("unknown deadline kind %q", kind)
}

// Thresholds returns the classification thresholds this policy evaluates with.
func (p Policy) Thresholds() Thresholds {
	return Thresholds{
		WarningPercent: p.WarningThresholdPercent,
		DangerPercent:  DangerThresholdPercent,
	}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	invalid := func(format string, args ...any) error {
		return &InvalidPolicyError{RequestType: p.RequestType, Priority: p.Priority, Reason: fmt.Sprintf(format, args...)}
	}

	if p.RequestType == "" {
		return invalid("request_type is required")
	}
	if !p.Priority.Valid() {
		return invalid("unknown priority")
	}
	if p.ResponseMinutes <= 0 {
		return invalid("response_minutes must be positive, got %d", p.ResponseMinutes)
	}
	if p.CompletionMinutes <= 0 {
		return invalid("completion_minutes must be positive, got %d", p.CompletionMinutes)
	}
	if p.ResponseMinutes > p.CompletionMinutes {
		return invalid("response_minutes %d exceeds completion_minutes %d", p.ResponseMinutes, p.CompletionMinutes)
	}
	if p.WarningThresholdPercent <= 0 || p.WarningThresholdPercent >= 100 {
		return invalid("warning_threshold_percent must be in (0,100), got %v", p.WarningThresholdPercent)
	}

	prevLevel, prevMinutes := 0, -1
	for _, l := range p.EscalationLevels {
		if l.Level != prevLevel+1 {
			return invalid("escalation level %d out of sequence (want %d)", l.Level, prevLevel+1)
		}
		if l.Minutes < 0 || l.Minutes <= prevMinutes {
			return invalid("escalation level %d minutes %d must be non-negative and increasing", l.Level, l.Minutes)
		}
		if l.Target == "" {
			return invalid("escalation level %d has no target", l.Level)
		}
		prevLevel, prevMinutes = l.Level, l.Minutes
	}
	return nil
}

type policyKey struct {
	requestType RequestType
	priority    Priority
}

// Table is an immutable, validated set of policies. Safe for concurrent use.
type Table struct {
	policies map[policyKey]Policy
}

// NewTable validates every policy and builds a lookup table. Duplicate keys
// are rejected.
func NewTable(policies []Policy) (*Table, error) {
	t := &Table{policies: make(map[policyKey]Policy, len(policies))}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		k := policyKey{p.RequestType, p.Priority}
		if _, dup := t.policies[k]; dup {
			return nil, &InvalidPolicyError{RequestType: p.RequestType, Priority: p.Priority, Reason: "duplicate policy"}
		}
		p.EscalationLevels = append([]EscalationLevel(nil), p.EscalationLevels...)
		t.policies[k] = p
	}
	return t, nil
}

// Lookup returns the policy for (rt, p) or a *PolicyNotFoundError.
func (t *Table) Lookup(rt RequestType, p Priority) (Policy, error) {
	pol, ok := t.policies[policyKey{rt, p}]
	if !ok {
		return Policy{}, &PolicyNotFoundError{RequestType: rt, Priority: p}
	}
	pol.EscalationLevels = append([]EscalationLevel(nil), pol.EscalationLevels...)
	return pol, nil
}

// Len is the number of configured policies.
func (t *Table) Len() int { return len(t.policies) }

// Policies returns every policy ordered by request type, then priority
// from most to least urgent.
func (t *Table) Policies() []Policy {
	out := make([]Policy, 0, len(t.policies))
	for _, p := range t.policies {
		p.EscalationLevels = append([]EscalationLevel(nil), p.EscalationLevels...)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestType != out[j].RequestType {
			return out[i].RequestType < out[j].RequestType
		}
		return priorityRank(out[i].Priority) < priorityRank(out[j].Priority)
	})
	return out
}

func priorityRank(p Priority) int {
	for i, q := range Priorities {
		if p == q {
			return i
		}
	}
	return len(Priorities)
}
