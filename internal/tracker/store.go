package tracker

import "context"

// Store is the persistence interface for timed requests. Every mutation is
// a compare-and-set so concurrent tickers and API calls cannot clobber each
// other.
type Store interface {
	// Create inserts r, returning ErrAlreadyExists if the id is taken.
	Create(ctx context.Context, r *Request) error

	Get(ctx context.Context, id string) (*Request, bool, error)

	// List returns matching requests ordered by creation time, then id.
	List(ctx context.Context, f ListFilter) ([]*Request, error)

	// AdvanceSLA replaces the SLA state of request id with to, but only if
	// its stored status still equals status and its stored state still
	// equals from. It reports whether it did.
	AdvanceSLA(ctx context.Context, id string, status Status, from, to SLAState) (bool, error)

	// UpdateStatus applies u only if the stored status still equals from.
	// It reports whether it did.
	UpdateStatus(ctx context.Context, id string, from Status, u StatusUpdate) (bool, error)
}

// Locker is implemented by stores that can elect a single ticker across
// processes. TryLock returns ok=false when another holder is active; the
// returned release func must be called when ok is true.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}
