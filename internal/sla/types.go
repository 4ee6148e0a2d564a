package sla

import "fmt"

// RequestType is the kind of work a Timed Request asks for.
type RequestType string

const (
	TypeConsultation RequestType = "consultation"
	TypeLab          RequestType = "lab"
	TypeImaging      RequestType = "imaging"
	TypeProcedure    RequestType = "procedure"
)

// RequestTypes lists every request type in display order.
var RequestTypes = []RequestType{TypeConsultation, TypeLab, TypeImaging, TypeProcedure}

// Priority is the urgency level that selects an SLA allowance.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityUrgent   Priority = "urgent"
	PriorityStable   Priority = "stable"
)

// Priorities lists every priority from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityUrgent, PriorityStable}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityUrgent, PriorityStable:
		return true
	}
	return false
}

// Kind selects which allowance of a policy a deadline is computed from.
type Kind string

const (
	// KindResponse is the time allowed until first acknowledgment.
	KindResponse Kind = "response"

	// KindCompletion is the time allowed until full resolution.
	KindCompletion Kind = "completion"
)

// ParseKind converts s to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindResponse, KindCompletion:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown deadline kind %q", s)
}

// Status is the remaining-time classification used to color-code countdowns.
type Status string

const (
	StatusSafe    Status = "safe"
	StatusWarning Status = "warning"
	StatusDanger  Status = "danger"
	StatusExpired Status = "expired"
)

// Statuses lists every status in increasing severity.
var Statuses = []Status{StatusSafe, StatusWarning, StatusDanger, StatusExpired}

// Severity orders statuses: safe < warning < danger < expired.
// Unknown statuses rank below safe.
func (s Status) Severity() int {
	switch s {
	case StatusSafe:
		return 1
	case StatusWarning:
		return 2
	case StatusDanger:
		return 3
	case StatusExpired:
		return 4
	}
	return 0
}
