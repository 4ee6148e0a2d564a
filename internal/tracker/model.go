package tracker

import (
	"time"

	"github.com/linnemanlabs/erwatch/internal/sla"
)

// Status tracks where a request is in its lifecycle.
type Status string

const (
	// StatusPending means created, nobody has responded yet
	StatusPending Status = "pending"

	// StatusAcknowledged means a clinician has seen it
	StatusAcknowledged Status = "acknowledged"

	// StatusInProgress means someone owns the work
	StatusInProgress Status = "in_progress"

	// StatusCompleted means the work is done
	StatusCompleted Status = "completed"

	// StatusCancelled means the request was withdrawn
	StatusCancelled Status = "cancelled"
)

// Statuses lists every lifecycle status in order.
var Statuses = []Status{StatusPending, StatusAcknowledged, StatusInProgress, StatusCompleted, StatusCancelled}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAcknowledged, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Open reports whether a request in this status is still on the clock.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusAcknowledged || s == StatusInProgress
}

// SLAState is the mutable breach bookkeeping of a request. It only moves
// forward: Warned and Breached never revert, EscalationLevel never drops.
type SLAState struct {
	Warned          bool      `json:"warned"`
	Breached        bool      `json:"breached"`
	BreachedAt      time.Time `json:"breached_at,omitzero"`
	EscalationLevel int       `json:"escalation_level"`
}

// Request is the SLA-tracking view of one consultation, lab, imaging or
// procedure request. Deadlines and allowances are fixed at creation.
type Request struct {
	ID          string          `json:"id"`
	CaseID      string          `json:"case_id"`
	RequestType sla.RequestType `json:"request_type"`
	Priority    sla.Priority    `json:"priority"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	ResponseDeadline   time.Time `json:"response_deadline"`
	CompletionDeadline time.Time `json:"completion_deadline"`
	ResponseMinutes    int       `json:"response_minutes"`
	CompletionMinutes  int       `json:"completion_minutes"`

	SLA SLAState `json:"sla"`

	AcknowledgedAt time.Time `json:"acknowledged_at,omitzero"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
	OwnedAt        time.Time `json:"owned_at,omitzero"`
	OwnedBy        string    `json:"owned_by,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitzero"`
	CompletedBy    string    `json:"completed_by,omitempty"`
	CancelledAt    time.Time `json:"cancelled_at,omitzero"`
	CancelledBy    string    `json:"cancelled_by,omitempty"`
}

// ActiveDeadline returns the deadline currently governing r: the response
// deadline while pending, the completion deadline once acknowledged or in
// progress. ok is false for closed requests.
func (r *Request) ActiveDeadline() (deadline time.Time, allowanceMinutes int, kind sla.Kind, ok bool) {
	switch r.Status {
	case StatusPending:
		return r.ResponseDeadline, r.ResponseMinutes, sla.KindResponse, true
	case StatusAcknowledged, StatusInProgress:
		return r.CompletionDeadline, r.CompletionMinutes, sla.KindCompletion, true
	}
	return time.Time{}, 0, "", false
}

// StatusUpdate is a lifecycle transition applied by Store.UpdateStatus.
type StatusUpdate struct {
	To Status
	At time.Time
	By string
}

// Apply stamps the transition onto r.
func (u StatusUpdate) Apply(r *Request) {
	r.Status = u.To
	r.UpdatedAt = u.At
	switch u.To {
	case StatusAcknowledged:
		r.AcknowledgedAt, r.AcknowledgedBy = u.At, u.By
	case StatusInProgress:
		r.OwnedAt, r.OwnedBy = u.At, u.By
	case StatusCompleted:
		r.CompletedAt, r.CompletedBy = u.At, u.By
	case StatusCancelled:
		r.CancelledAt, r.CancelledBy = u.At, u.By
	}
}

// allowedFrom lists, per target status, the statuses it may be entered from.
var allowedFrom = map[Status][]Status{
	StatusAcknowledged: {StatusPending},
	StatusInProgress:   {StatusPending, StatusAcknowledged},
	StatusCompleted:    {StatusAcknowledged, StatusInProgress},
	StatusCancelled:    {StatusPending, StatusAcknowledged, StatusInProgress},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// ListFilter narrows Store.List. Zero value lists everything.
type ListFilter struct {
	Status   Status
	OpenOnly bool
	Limit    int
}

// Match reports whether r passes the filter, ignoring Limit.
func (f ListFilter) Match(r *Request) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.OpenOnly && !r.Status.Open() {
		return false
	}
	return true
}
