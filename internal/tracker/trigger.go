package tracker

import (
	"time"

	"github.com/linnemanlabs/erwatch/internal/sla"
)

// PolicySource resolves the SLA policy for a request. *sla.Table satisfies it.
type PolicySource interface {
	Lookup(rt sla.RequestType, p sla.Priority) (sla.Policy, error)
	ComputeDeadline(createdAt time.Time, rt sla.RequestType, p sla.Priority, kind sla.Kind) (time.Time, error)
}

// Trigger turns elapsed time into SLA events. It holds no state of its
// own: everything it needs to stay idempotent lives in Request.SLA.
type Trigger struct {
	policies PolicySource
}

// NewTrigger creates a Trigger backed by the given policies.
func NewTrigger(policies PolicySource) *Trigger {
	return &Trigger{policies: policies}
}

// OnTick evaluates r at now, advances r.SLA and returns the events for
// every boundary crossed since the last call. Calling it again with the
// same or an earlier now returns no events. Closed requests never produce
// events. A policy lookup failure is returned and r is left untouched.
func (t *Trigger) OnTick(r *Request, now time.Time) ([]Event, error) {
	deadline, allowance, kind, ok := r.ActiveDeadline()
	if !ok {
		return nil, nil
	}

	pol, err := t.policies.Lookup(r.RequestType, r.Priority)
	if err != nil {
		return nil, err
	}

	rem, err := sla.EvaluateWithThresholds(deadline, now, allowance, pol.Thresholds())
	if err != nil {
		return nil, err
	}

	base := Event{
		RequestID:   r.ID,
		CaseID:      r.CaseID,
		RequestType: r.RequestType,
		Priority:    r.Priority,
		Kind:        kind,
		Deadline:    deadline,
		At:          now,
	}

	var events []Event

	if !r.SLA.Warned && rem.Status != sla.StatusSafe {
		ev := base
		ev.ID = eventID(r.ID, EventSLAWarning, 0)
		ev.Type = EventSLAWarning
		ev.Status = rem.Status
		ev.Percentage = rem.Percentage
		events = append(events, ev)
		r.SLA.Warned = true
	}

	if !rem.Expired {
		return events, nil
	}

	if !r.SLA.Breached {
		ev := base
		ev.ID = eventID(r.ID, EventSLABreached, 0)
		ev.Type = EventSLABreached
		ev.BreachedAt = now
		events = append(events, ev)
		r.SLA.Breached = true
		r.SLA.BreachedAt = now
	}

	for _, lvl := range pol.EscalationLevels {
		if lvl.Level <= r.SLA.EscalationLevel {
			continue
		}
		if now.Before(deadline.Add(lvl.After())) {
			break
		}
		ev := base
		ev.ID = eventID(r.ID, EventSLAEscalated, lvl.Level)
		ev.Type = EventSLAEscalated
		ev.Level = lvl.Level
		ev.Target = lvl.Target
		events = append(events, ev)
		r.SLA.EscalationLevel = lvl.Level
	}

	return events, nil
}
