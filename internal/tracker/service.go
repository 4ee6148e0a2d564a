package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/erwatch/internal/sla"
)

// NewRequest is the input to Service.Create.
type NewRequest struct {
	ID          string          `json:"id,omitempty"`
	CaseID      string          `json:"case_id"`
	RequestType sla.RequestType `json:"request_type"`
	Priority    sla.Priority    `json:"priority"`
	CreatedAt   time.Time       `json:"created_at,omitzero"`
}

// View is a request together with its remaining time at one instant.
type View struct {
	*Request
	DeadlineKind sla.Kind       `json:"deadline_kind,omitempty"`
	Remaining    *sla.Remaining `json:"remaining,omitempty"`

	// Escalated is set once any escalation level has fired. It is kept
	// apart from Status so acknowledge and complete still apply.
	Escalated        bool   `json:"escalated"`
	EscalationTarget string `json:"escalation_target,omitempty"`
}

// Stats is the flow-manager dashboard summary.
type Stats struct {
	At        time.Time            `json:"at"`
	Total     int                  `json:"total"`
	Open      int                  `json:"open"`
	Breached  int                  `json:"breached"`
	ByStatus  map[Status]int       `json:"by_status"`
	ByPrio    map[sla.Priority]int `json:"by_priority"`
	ByTiming  map[sla.Status]int   `json:"by_timing"`
	Escalated map[int]int          `json:"escalated_by_level"`
}

// Service is the business boundary for request lifecycle operations.
type Service struct {
	store    Store
	policies PolicySource
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time
}

// NewService creates a new tracker service.
func NewService(store Store, policies PolicySource, logger log.Logger, hooks Hooks) *Service {
	return &Service{
		store:    store,
		policies: policies,
		logger:   logger,
		hooks:    hooks,
		now:      time.Now,
	}
}

// Create validates nr, fixes both deadlines from the matching policy and
// persists the request. A missing policy is an error, never a default.
func (s *Service) Create(ctx context.Context, nr NewRequest) (*Request, error) {
	if strings.TrimSpace(nr.CaseID) == "" {
		return nil, fmt.Errorf("%w: case_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(string(nr.RequestType)) == "" {
		return nil, fmt.Errorf("%w: request_type is required", ErrInvalidRequest)
	}
	if !nr.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, nr.Priority)
	}

	pol, err := s.policies.Lookup(nr.RequestType, nr.Priority)
	if err != nil {
		return nil, err
	}

	createdAt := nr.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	// stored timestamps carry microseconds; keep what we return identical
	createdAt = createdAt.UTC().Truncate(time.Microsecond)

	respDeadline, err := s.policies.ComputeDeadline(createdAt, nr.RequestType, nr.Priority, sla.KindResponse)
	if err != nil {
		return nil, err
	}
	compDeadline, err := s.policies.ComputeDeadline(createdAt, nr.RequestType, nr.Priority, sla.KindCompletion)
	if err != nil {
		return nil, err
	}

	id := nr.ID
	if id == "" {
		id = ulid.Make().String()
	}

	r := &Request{
		ID:                 id,
		CaseID:             nr.CaseID,
		RequestType:        nr.RequestType,
		Priority:           nr.Priority,
		Status:             StatusPending,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
		ResponseDeadline:   respDeadline,
		CompletionDeadline: compDeadline,
		ResponseMinutes:    pol.ResponseMinutes,
		CompletionMinutes:  pol.CompletionMinutes,
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.hooks.create(r)

	s.logger.Info(ctx, "request created",
		"request_id", r.ID,
		"case_id", r.CaseID,
		"request_type", r.RequestType,
		"priority", r.Priority,
		"response_deadline", r.ResponseDeadline,
		"completion_deadline", r.CompletionDeadline,
	)
	return r, nil
}

// Get returns the request with the given id or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	r, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// List returns requests matching f.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Request, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, f.Status)
	}
	return s.store.List(ctx, f)
}

// Acknowledge moves a pending request to acknowledged.
func (s *Service) Acknowledge(ctx context.Context, id, userID string, at time.Time) (*Request, error) {
	return s.transition(ctx, id, StatusAcknowledged, userID, at)
}

// Own assigns the request to userID and moves it to in_progress.
func (s *Service) Own(ctx context.Context, id, userID string, at time.Time) (*Request, error) {
	return s.transition(ctx, id, StatusInProgress, userID, at)
}

// Complete closes the request as done.
func (s *Service) Complete(ctx context.Context, id, userID string, at time.Time) (*Request, error) {
	return s.transition(ctx, id, StatusCompleted, userID, at)
}

// Cancel withdraws an open request.
func (s *Service) Cancel(ctx context.Context, id, userID string, at time.Time) (*Request, error) {
	return s.transition(ctx, id, StatusCancelled, userID, at)
}

func (s *Service) transition(ctx context.Context, id string, to Status, userID string, at time.Time) (*Request, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}

	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC().Truncate(time.Microsecond)
	s.warnSkew(ctx, r, at)

	from := r.Status
	u := StatusUpdate{To: to, At: at, By: userID}
	ok, err := s.store.UpdateStatus(ctx, id, from, u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	u.Apply(r)
	s.hooks.transition(from, to)

	s.logger.Info(ctx, "request status changed",
		"request_id", id,
		"from", from,
		"to", to,
		"user_id", userID,
	)
	return r, nil
}

// View evaluates the active deadline of r at now against the allowance
// snapshotted at creation. Closed requests get no Remaining.
func (s *Service) View(ctx context.Context, r *Request, now time.Time) View {
	v := View{Request: r, Escalated: r.SLA.EscalationLevel > 0}
	if v.Escalated {
		v.EscalationTarget = s.escalationTarget(r)
	}

	deadline, allowance, kind, ok := r.ActiveDeadline()
	if !ok {
		return v
	}
	s.warnSkew(ctx, r, now)

	rem, err := s.evaluate(r, deadline, now, allowance)
	if err != nil {
		s.logger.Error(ctx, err, "remaining time evaluation failed", "request_id", r.ID)
		return v
	}
	v.DeadlineKind = kind
	v.Remaining = &rem
	return v
}

// escalationTarget names who the request's current escalation level went
// to, or "" when the policy no longer has that level.
func (s *Service) escalationTarget(r *Request) string {
	pol, err := s.policies.Lookup(r.RequestType, r.Priority)
	if err != nil {
		return ""
	}
	for _, l := range pol.EscalationLevels {
		if l.Level == r.SLA.EscalationLevel {
			return l.Target
		}
	}
	return ""
}

// evaluate uses the policy's warning threshold when the policy is still
// configured, and the fixed thresholds otherwise.
func (s *Service) evaluate(r *Request, deadline, now time.Time, allowance int) (sla.Remaining, error) {
	th := sla.DefaultThresholds
	if pol, err := s.policies.Lookup(r.RequestType, r.Priority); err == nil {
		th = pol.Thresholds()
	}
	return sla.EvaluateWithThresholds(deadline, now, allowance, th)
}

// Stats summarises every stored request at now.
func (s *Service) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	all, err := s.store.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	st := &Stats{
		At:        now,
		ByStatus:  make(map[Status]int, len(Statuses)),
		ByPrio:    make(map[sla.Priority]int, len(sla.Priorities)),
		ByTiming:  make(map[sla.Status]int, len(sla.Statuses)),
		Escalated: make(map[int]int),
	}
	for _, r := range all {
		st.Total++
		st.ByStatus[r.Status]++
		if r.SLA.Breached {
			st.Breached++
		}
		if !r.Status.Open() {
			continue
		}
		st.Open++
		st.ByPrio[r.Priority]++
		if r.SLA.EscalationLevel > 0 {
			st.Escalated[r.SLA.EscalationLevel]++
		}
		deadline, allowance, _, _ := r.ActiveDeadline()
		rem, err := s.evaluate(r, deadline, now, allowance)
		if err != nil {
			s.logger.Warn(ctx, "skipping request in stats", "request_id", r.ID, "err", err)
			continue
		}
		st.ByTiming[rem.Status]++
	}
	return st, nil
}

func (s *Service) warnSkew(ctx context.Context, r *Request, now time.Time) {
	if w := sla.DetectClockSkew(r.CreatedAt, now); w != nil {
		s.logger.Warn(ctx, "evaluation time precedes request creation",
			"request_id", r.ID,
			"skew", w.Skew().String(),
		)
	}
}

// IsClientError reports whether err stems from caller input rather than
// from the store.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, sla.ErrPolicyNotFound)
}
