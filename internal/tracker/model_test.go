package tracker

import (
	"testing"
	"time"

	"github.com/linnemanlabs/erwatch/internal/sla"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusAcknowledged, true},
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusCancelled, true},
		{StatusAcknowledged, StatusAcknowledged, false},
		{StatusAcknowledged, StatusInProgress, true},
		{StatusAcknowledged, StatusCompleted, true},
		{StatusAcknowledged, StatusCancelled, true},
		{StatusInProgress, StatusAcknowledged, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusCancelled, StatusPending, false},
		{StatusCancelled, StatusAcknowledged, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestActiveDeadline(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &Request{
		CreatedAt:          created,
		ResponseDeadline:   created.Add(10 * time.Minute),
		CompletionDeadline: created.Add(30 * time.Minute),
		ResponseMinutes:    10,
		CompletionMinutes:  30,
	}

	tests := []struct {
		status    Status
		deadline  time.Time
		allowance int
		kind      sla.Kind
		ok        bool
	}{
		{StatusPending, r.ResponseDeadline, 10, sla.KindResponse, true},
		{StatusAcknowledged, r.CompletionDeadline, 30, sla.KindCompletion, true},
		{StatusInProgress, r.CompletionDeadline, 30, sla.KindCompletion, true},
		{StatusCompleted, time.Time{}, 0, "", false},
		{StatusCancelled, time.Time{}, 0, "", false},
	}
	for _, tt := range tests {
		r.Status = tt.status
		d, a, k, ok := r.ActiveDeadline()
		if !d.Equal(tt.deadline) || a != tt.allowance || k != tt.kind || ok != tt.ok {
			t.Errorf("%s: ActiveDeadline() = (%s, %d, %q, %v), want (%s, %d, %q, %v)",
				tt.status, d, a, k, ok, tt.deadline, tt.allowance, tt.kind, tt.ok)
		}
	}
}

func TestStatusUpdateApply(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 1, 12, 5, 0, 0, time.UTC)
	r := &Request{Status: StatusPending}

	StatusUpdate{To: StatusAcknowledged, At: at, By: "dr-a"}.Apply(r)
	if r.Status != StatusAcknowledged || !r.AcknowledgedAt.Equal(at) || r.AcknowledgedBy != "dr-a" {
		t.Errorf("after acknowledge: %+v", r)
	}
	if !r.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt = %s, want %s", r.UpdatedAt, at)
	}

	later := at.Add(time.Minute)
	StatusUpdate{To: StatusInProgress, At: later, By: "dr-b"}.Apply(r)
	if r.OwnedBy != "dr-b" || !r.OwnedAt.Equal(later) {
		t.Errorf("after own: %+v", r)
	}
	if r.AcknowledgedBy != "dr-a" {
		t.Error("own overwrote acknowledgment")
	}
}

func TestListFilterMatch(t *testing.T) {
	t.Parallel()

	pending := &Request{Status: StatusPending}
	done := &Request{Status: StatusCompleted}

	if !(ListFilter{}).Match(done) {
		t.Error("zero filter should match everything")
	}
	if (ListFilter{OpenOnly: true}).Match(done) {
		t.Error("open filter matched a completed request")
	}
	if !(ListFilter{OpenOnly: true}).Match(pending) {
		t.Error("open filter rejected a pending request")
	}
	if (ListFilter{Status: StatusAcknowledged}).Match(pending) {
		t.Error("status filter matched the wrong status")
	}
}

func TestStatusOpen(t *testing.T) {
	t.Parallel()

	for _, s := range Statuses {
		want := s != StatusCompleted && s != StatusCancelled
		if s.Open() != want {
			t.Errorf("%s.Open() = %v, want %v", s, s.Open(), want)
		}
		if !s.Valid() {
			t.Errorf("%s.Valid() = false", s)
		}
	}
	if Status("archived").Valid() {
		t.Error("unknown status reported valid")
	}
}
