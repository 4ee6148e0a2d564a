package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/erwatch/internal/sla"
)

// EventType names an SLA notification.
type EventType string

const (
	EventSLAWarning   EventType = "sla_warning"
	EventSLABreached  EventType = "sla_breach"
	EventSLAEscalated EventType = "escalation"
)

// Event is emitted by the Trigger when a request crosses an SLA boundary.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	RequestID   string          `json:"request_id"`
	CaseID      string          `json:"case_id"`
	RequestType sla.RequestType `json:"request_type"`
	Priority    sla.Priority    `json:"priority"`
	Kind        sla.Kind        `json:"deadline_kind"`
	Deadline    time.Time       `json:"deadline"`
	At          time.Time       `json:"at"`

	// set on sla_warning
	Status     sla.Status `json:"status,omitempty"`
	Percentage float64    `json:"percentage,omitempty"`

	// set on sla_breach
	BreachedAt time.Time `json:"breached_at,omitzero"`

	// set on escalation
	Level  int    `json:"level,omitempty"`
	Target string `json:"target,omitempty"`
}

// eventID is stable for a given request and boundary so downstream
// consumers can deduplicate redeliveries.
func eventID(requestID string, typ EventType, level int) string {
	if typ == EventSLAEscalated {
		return fmt.Sprintf("%s:%s:%d", requestID, typ, level)
	}
	return fmt.Sprintf("%s:%s", requestID, typ)
}

// Publisher delivers events to the outside world.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a plain function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
