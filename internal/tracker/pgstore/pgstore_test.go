package pgstore_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/erwatch/internal/postgres"
	"github.com/linnemanlabs/erwatch/internal/sla"
	"github.com/linnemanlabs/erwatch/internal/tracker"
	"github.com/linnemanlabs/erwatch/internal/tracker/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("ERWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ERWATCH_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func newRequest(t *testing.T) *tracker.Request {
	t.Helper()
	created := time.Now().UTC().Truncate(time.Microsecond)
	return &tracker.Request{
		ID:                 "test-" + ulid.Make().String(),
		CaseID:             "case-1",
		RequestType:        sla.TypeLab,
		Priority:           sla.PriorityCritical,
		Status:             tracker.StatusPending,
		CreatedAt:          created,
		UpdatedAt:          created,
		ResponseDeadline:   created.Add(15 * time.Minute),
		CompletionDeadline: created.Add(45 * time.Minute),
		ResponseMinutes:    15,
		CompletionMinutes:  45,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r := newRequest(t)

	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, ok, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	assertEqual(t, "CaseID", r.CaseID, got.CaseID)
	assertEqual(t, "RequestType", string(r.RequestType), string(got.RequestType))
	assertEqual(t, "Priority", string(r.Priority), string(got.Priority))
	assertEqual(t, "Status", string(r.Status), string(got.Status))
	assertEqual(t, "ResponseMinutes", r.ResponseMinutes, got.ResponseMinutes)
	assertEqual(t, "CompletionMinutes", r.CompletionMinutes, got.CompletionMinutes)
	if !got.CreatedAt.Equal(r.CreatedAt) || !got.ResponseDeadline.Equal(r.ResponseDeadline) || !got.CompletionDeadline.Equal(r.CompletionDeadline) {
		t.Errorf("timestamps changed: got %+v", got)
	}
	if got.SLA != (tracker.SLAState{}) {
		t.Errorf("SLA = %+v, want zero", got.SLA)
	}
	if !got.AcknowledgedAt.IsZero() {
		t.Errorf("AcknowledgedAt = %s, want zero", got.AcknowledgedAt)
	}

	if err := s.Create(ctx, r); err != tracker.ErrAlreadyExists {
		t.Errorf("duplicate Create = %v, want ErrAlreadyExists", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	_, ok, err := s.Get(context.Background(), "test-does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for missing id")
	}
}

func TestAdvanceSLA_CAS(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r := newRequest(t)
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	breached := tracker.SLAState{Warned: true, Breached: true, BreachedAt: r.ResponseDeadline.Add(time.Second)}
	ok, err := s.AdvanceSLA(ctx, r.ID, tracker.StatusPending, tracker.SLAState{}, breached)
	if err != nil || !ok {
		t.Fatalf("AdvanceSLA = (%v, %v), want (true, nil)", ok, err)
	}

	if ok, _ := s.AdvanceSLA(ctx, r.ID, tracker.StatusPending, tracker.SLAState{}, tracker.SLAState{Warned: true}); ok {
		t.Error("stale AdvanceSLA succeeded")
	}

	got, _, _ := s.Get(ctx, r.ID)
	escalated := got.SLA
	escalated.EscalationLevel = 2
	if ok, _ := s.AdvanceSLA(ctx, r.ID, tracker.StatusPending, got.SLA, escalated); !ok {
		t.Error("AdvanceSLA from the read-back state failed")
	}
	got, _, _ = s.Get(ctx, r.ID)
	if got.SLA.EscalationLevel != 2 || !got.SLA.BreachedAt.Equal(breached.BreachedAt) {
		t.Errorf("SLA = %+v", got.SLA)
	}
}

func TestAdvanceSLA_ClosedSinceRead(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r := newRequest(t)
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	u := tracker.StatusUpdate{To: tracker.StatusCancelled, At: r.CreatedAt.Add(time.Minute), By: "flow"}
	if ok, err := s.UpdateStatus(ctx, r.ID, tracker.StatusPending, u); err != nil || !ok {
		t.Fatalf("UpdateStatus = (%v, %v)", ok, err)
	}

	ok, err := s.AdvanceSLA(ctx, r.ID, tracker.StatusPending, tracker.SLAState{}, tracker.SLAState{Warned: true})
	if err != nil {
		t.Fatalf("AdvanceSLA: %v", err)
	}
	if ok {
		t.Error("AdvanceSLA succeeded on a request cancelled since it was read")
	}
	got, _, _ := s.Get(ctx, r.ID)
	if got.SLA.Warned {
		t.Errorf("SLA = %+v, want untouched", got.SLA)
	}
}

func TestAdvanceSLA_ConcurrentSingleWinner(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r := newRequest(t)
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AdvanceSLA(ctx, r.ID, tracker.StatusPending, tracker.SLAState{}, tracker.SLAState{Warned: true})
			if err != nil {
				t.Errorf("AdvanceSLA: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestUpdateStatus(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r := newRequest(t)
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	at := r.CreatedAt.Add(3 * time.Minute)
	u := tracker.StatusUpdate{To: tracker.StatusInProgress, At: at, By: "dr-house"}
	if ok, err := s.UpdateStatus(ctx, r.ID, tracker.StatusPending, u); err != nil || !ok {
		t.Fatalf("UpdateStatus = (%v, %v)", ok, err)
	}
	if ok, _ := s.UpdateStatus(ctx, r.ID, tracker.StatusPending, u); ok {
		t.Error("stale UpdateStatus succeeded")
	}

	got, _, _ := s.Get(ctx, r.ID)
	assertEqual(t, "Status", string(tracker.StatusInProgress), string(got.Status))
	assertEqual(t, "OwnedBy", "dr-house", got.OwnedBy)
	if !got.OwnedAt.Equal(at) || !got.UpdatedAt.Equal(at) {
		t.Errorf("OwnedAt = %s UpdatedAt = %s, want %s", got.OwnedAt, got.UpdatedAt, at)
	}
}

func TestListOpen(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	open := newRequest(t)
	closed := newRequest(t)
	closed.Status = tracker.StatusCompleted
	for _, r := range []*tracker.Request{open, closed} {
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	rs, err := s.List(ctx, tracker.ListFilter{OpenOnly: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var sawOpen bool
	for _, r := range rs {
		if r.ID == closed.ID {
			t.Error("open listing returned a completed request")
		}
		if r.ID == open.ID {
			sawOpen = true
		}
	}
	if !sawOpen {
		t.Error("open listing missed a pending request")
	}

	rs, err = s.List(ctx, tracker.ListFilter{Status: tracker.StatusCompleted, Limit: 1000})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, r := range rs {
		if r.Status != tracker.StatusCompleted {
			t.Errorf("status filter returned %q", r.Status)
		}
	}
}

func TestTryLock(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	release, ok, err := s.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("TryLock = (%v, %v)", ok, err)
	}
	if _, ok, _ := s.TryLock(ctx); ok {
		t.Error("second TryLock succeeded while held")
	}
	release()

	release, ok, _ = s.TryLock(ctx)
	if !ok {
		t.Fatal("TryLock after release failed")
	}
	release()
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s = %v, want %v", field, got, want)
	}
}
