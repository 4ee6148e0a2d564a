// Package memstore provides an in-memory implementation of tracker.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/erwatch/internal/tracker"
)

// Store holds timed requests in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*tracker.Request
	tickMu   sync.Mutex
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{requests: make(map[string]*tracker.Request)}
}

// Create stores a copy of r.
func (s *Store) Create(_ context.Context, r *tracker.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return tracker.ErrAlreadyExists
	}
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

// Get retrieves a request by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*tracker.Request, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// List returns copies of the matching requests, oldest first.
func (s *Store) List(_ context.Context, f tracker.ListFilter) ([]*tracker.Request, error) {
	s.mu.RLock()
	out := make([]*tracker.Request, 0, len(s.requests))
	for _, r := range s.requests {
		if f.Match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// AdvanceSLA swaps the SLA state if the status and state still equal
// status and from.
func (s *Store) AdvanceSLA(_ context.Context, id string, status tracker.Status, from, to tracker.SLAState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok || r.Status != status || !sameSLA(r.SLA, from) {
		return false, nil
	}
	r.SLA = to
	return true, nil
}

// UpdateStatus applies u if the status still equals from.
func (s *Store) UpdateStatus(_ context.Context, id string, from tracker.Status, u tracker.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok || r.Status != from {
		return false, nil
	}
	u.Apply(r)
	return true, nil
}

// TryLock elects this process's ticker. In memory there is only ever one
// process, so it only guards against overlapping Ticker values.
func (s *Store) TryLock(context.Context) (func(), bool, error) {
	if !s.tickMu.TryLock() {
		return nil, false, nil
	}
	return s.tickMu.Unlock, true, nil
}

func sameSLA(a, b tracker.SLAState) bool {
	return a.Warned == b.Warned &&
		a.Breached == b.Breached &&
		a.BreachedAt.Equal(b.BreachedAt) &&
		a.EscalationLevel == b.EscalationLevel
}
