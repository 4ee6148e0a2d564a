package tracker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/erwatch/internal/sla"
)

var tracer = otel.Tracer("github.com/linnemanlabs/erwatch/internal/tracker")

// TickReport summarises one pass over the open requests.
type TickReport struct {
	// Skipped is set when another tick, here or in another process, held
	// the lock and this one did nothing.
	Skipped bool

	Scanned       int
	Advanced      int
	Conflicts     int
	Events        int
	PublishErrors int
	PolicyErrors  int
	StoreErrors   int
}

// Ticker periodically runs the Trigger over every open request, persists
// the new SLA state and publishes the resulting events. Only one tick runs
// at a time per Ticker; a Locker store extends that across processes.
type Ticker struct {
	store    Store
	trigger  *Trigger
	pub      Publisher
	interval time.Duration
	logger   log.Logger
	hooks    Hooks

	mu sync.Mutex
}

// NewTicker creates a Ticker. pub may be nil to discard events.
func NewTicker(store Store, trigger *Trigger, pub Publisher, interval time.Duration, logger log.Logger, hooks Hooks) *Ticker {
	if store == nil {
		panic(xerrors.New("tracker store is required"))
	}
	if trigger == nil {
		panic(xerrors.New("tracker trigger is required"))
	}
	if interval <= 0 {
		panic(xerrors.New("tick interval must be positive"))
	}
	if pub == nil {
		pub = PublisherFunc(func(context.Context, Event) error { return nil })
	}
	return &Ticker{
		store:    store,
		trigger:  trigger,
		pub:      pub,
		interval: interval,
		logger:   logger,
		hooks:    hooks,
	}
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	t.Tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tk.C:
			t.Tick(ctx, now)
		}
	}
}

// Tick runs one pass at now. Failures on a single request are logged and
// counted; they never stop the pass.
func (t *Ticker) Tick(ctx context.Context, now time.Time) TickReport {
	var rep TickReport

	if !t.mu.TryLock() {
		rep.Skipped = true
		return rep
	}
	defer t.mu.Unlock()

	if l, ok := t.store.(Locker); ok {
		release, acquired, err := l.TryLock(ctx)
		if err != nil {
			t.logger.Error(ctx, err, "failed to acquire tick lock")
			rep.Skipped = true
			return rep
		}
		if !acquired {
			rep.Skipped = true
			return rep
		}
		defer release()
	}

	ctx, span := tracer.Start(ctx, "tracker.Tick")
	defer span.End()
	start := time.Now()

	open, err := t.store.List(ctx, ListFilter{OpenOnly: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.logger.Error(ctx, err, "failed to list open requests")
		rep.StoreErrors++
		t.hooks.tick(rep, time.Since(start))
		return rep
	}

	for _, r := range open {
		rep.Scanned++
		t.tickOne(ctx, r, now, &rep)
	}

	span.SetAttributes(
		attribute.Int("erwatch.tick.scanned", rep.Scanned),
		attribute.Int("erwatch.tick.advanced", rep.Advanced),
		attribute.Int("erwatch.tick.events", rep.Events),
		attribute.Int("erwatch.tick.conflicts", rep.Conflicts),
	)
	if rep.PolicyErrors+rep.StoreErrors > 0 {
		span.SetStatus(codes.Error, "tick completed with errors")
	}
	t.hooks.tick(rep, time.Since(start))

	if rep.Events > 0 || rep.PolicyErrors > 0 || rep.StoreErrors > 0 {
		t.logger.Info(ctx, "tick complete",
			"scanned", rep.Scanned,
			"advanced", rep.Advanced,
			"events", rep.Events,
			"conflicts", rep.Conflicts,
			"policy_errors", rep.PolicyErrors,
			"store_errors", rep.StoreErrors,
			"publish_errors", rep.PublishErrors,
		)
	}
	return rep
}

func (t *Ticker) tickOne(ctx context.Context, r *Request, now time.Time, rep *TickReport) {
	L := t.logger.With("request_id", r.ID, "request_type", r.RequestType, "priority", r.Priority)

	if w := sla.DetectClockSkew(r.CreatedAt, now); w != nil {
		L.Warn(ctx, "tick time precedes request creation", "skew", w.Skew().String())
	}

	from := r.SLA
	next := *r
	events, err := t.trigger.OnTick(&next, now)
	if err != nil {
		rep.PolicyErrors++
		t.hooks.policyError(r)
		L.Error(ctx, err, "sla policy unavailable, request skipped")
		return
	}
	if len(events) == 0 {
		return
	}

	// the status guard keeps a request closed or moved to another deadline
	// since List from being advanced on a stale evaluation
	ok, err := t.store.AdvanceSLA(ctx, r.ID, r.Status, from, next.SLA)
	if err != nil {
		rep.StoreErrors++
		L.Error(ctx, err, "failed to persist sla state")
		return
	}
	if !ok {
		// someone else advanced it first and owns these events, or the
		// status moved on
		rep.Conflicts++
		return
	}
	rep.Advanced++

	for _, ev := range events {
		rep.Events++
		t.hooks.event(ev)
		if err := t.pub.Publish(ctx, ev); err != nil {
			rep.PublishErrors++
			t.hooks.publishErr(ev)
			L.Error(ctx, err, "failed to publish sla event", "event", ev.Type, "level", ev.Level)
			continue
		}
		L.Info(ctx, "sla event", "event", ev.Type, "level", ev.Level, "target", ev.Target)
	}
}
