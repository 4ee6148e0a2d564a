package tracker

import (
	"context"
	"sort"
	"sync"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu       sync.Mutex
	requests map[string]*Request

	listErr    error
	advanceErr error
	updateErr  error

	// beforeAdvance runs inside AdvanceSLA before the compare, to simulate
	// a concurrent writer or a status change.
	beforeAdvance func(r *Request)
}

func newMockStore() *mockStore {
	return &mockStore{requests: make(map[string]*Request)}
}

func (m *mockStore) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *mockStore) Get(_ context.Context, id string) (*Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (m *mockStore) List(_ context.Context, f ListFilter) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*Request
	for _, r := range m.requests {
		if f.Match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) AdvanceSLA(_ context.Context, id string, status Status, from, to SLAState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advanceErr != nil {
		return false, m.advanceErr
	}
	r, ok := m.requests[id]
	if !ok {
		return false, nil
	}
	if m.beforeAdvance != nil {
		m.beforeAdvance(r)
	}
	if r.Status != status || r.SLA != from {
		return false, nil
	}
	r.SLA = to
	return true, nil
}

func (m *mockStore) UpdateStatus(_ context.Context, id string, from Status, u StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return false, m.updateErr
	}
	r, ok := m.requests[id]
	if !ok || r.Status != from {
		return false, nil
	}
	u.Apply(r)
	return true, nil
}

func (m *mockStore) put(r *Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
}

func (m *mockStore) sla(id string) SLAState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[id].SLA
}

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) all() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// lockerStore adds Locker to mockStore.
type lockerStore struct {
	*mockStore
	held     bool
	lockErr  error
	released int
}

func (l *lockerStore) TryLock(context.Context) (func(), bool, error) {
	if l.lockErr != nil {
		return nil, false, l.lockErr
	}
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func() {
		l.held = false
		l.released++
	}, true, nil
}
