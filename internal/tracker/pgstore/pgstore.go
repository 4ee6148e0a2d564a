// Package pgstore provides a PostgreSQL implementation of tracker.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/erwatch/internal/sla"
	"github.com/linnemanlabs/erwatch/internal/tracker"
)

var tracer = otel.Tracer("github.com/linnemanlabs/erwatch/internal/tracker/pgstore")

//go:embed schema.sql
var schema string

// tickLockKey is the advisory lock id that elects the single ticker.
const tickLockKey int64 = 0x65727761746368 // "erwatch"

// uniqueViolation is the SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// Store persists timed requests in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const requestColumns = `id, case_id, request_type, priority, status, created_at, updated_at,
	response_deadline, completion_deadline, response_minutes, completion_minutes,
	warned, breached, breached_at, escalation_level,
	acknowledged_at, acknowledged_by, owned_at, owned_by,
	completed_at, completed_by, cancelled_at, cancelled_by`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Create inserts r. A duplicate id returns tracker.ErrAlreadyExists.
func (s *Store) Create(ctx context.Context, r *tracker.Request) error {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	query := `INSERT INTO timed_requests (` + requestColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.CaseID, string(r.RequestType), string(r.Priority), string(r.Status), r.CreatedAt, r.UpdatedAt,
		r.ResponseDeadline, r.CompletionDeadline, r.ResponseMinutes, r.CompletionMinutes,
		r.SLA.Warned, r.SLA.Breached, nullTime(r.SLA.BreachedAt), r.SLA.EscalationLevel,
		nullTime(r.AcknowledgedAt), r.AcknowledgedBy, nullTime(r.OwnedAt), r.OwnedBy,
		nullTime(r.CompletedAt), r.CompletedBy, nullTime(r.CancelledAt), r.CancelledBy,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return tracker.ErrAlreadyExists
		}
		return fail(span, fmt.Errorf("insert request: %w", err))
	}
	return nil
}

// Get retrieves a request by ID.
func (s *Store) Get(ctx context.Context, id string) (*tracker.Request, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM timed_requests WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// List returns matching requests ordered by creation time, then id.
func (s *Store) List(ctx context.Context, f tracker.ListFilter) ([]*tracker.Request, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.OpenOnly {
		where = append(where, `status IN ('pending', 'acknowledged', 'in_progress')`)
	}

	query := `SELECT ` + requestColumns + ` FROM timed_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query requests: %w", err))
	}
	defer rows.Close()

	var out []*tracker.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate requests: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// AdvanceSLA swaps the SLA columns in one statement, guarded by the
// expected status and previous values.
func (s *Store) AdvanceSLA(ctx context.Context, id string, status tracker.Status, from, to tracker.SLAState) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.AdvanceSLA", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE timed_requests SET
		warned = $2, breached = $3, breached_at = $4, escalation_level = $5
	WHERE id = $1
		AND warned = $6 AND breached = $7
		AND breached_at IS NOT DISTINCT FROM $8
		AND escalation_level = $9
		AND status = $10`,
		id,
		to.Warned, to.Breached, nullTime(to.BreachedAt), to.EscalationLevel,
		from.Warned, from.Breached, nullTime(from.BreachedAt), from.EscalationLevel,
		string(status),
	)
	if err != nil {
		return false, fail(span, fmt.Errorf("advance sla: %w", err))
	}
	ok := tag.RowsAffected() == 1
	span.SetAttributes(attribute.Bool("erwatch.cas.applied", ok))
	return ok, nil
}

// UpdateStatus applies u guarded by the expected current status.
func (s *Store) UpdateStatus(ctx context.Context, id string, from tracker.Status, u tracker.StatusUpdate) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.UpdateStatus", "UPDATE")
	defer span.End()

	var atCol, byCol string
	switch u.To {
	case tracker.StatusAcknowledged:
		atCol, byCol = "acknowledged_at", "acknowledged_by"
	case tracker.StatusInProgress:
		atCol, byCol = "owned_at", "owned_by"
	case tracker.StatusCompleted:
		atCol, byCol = "completed_at", "completed_by"
	case tracker.StatusCancelled:
		atCol, byCol = "cancelled_at", "cancelled_by"
	default:
		return false, fail(span, fmt.Errorf("update status: no lifecycle columns for %q", u.To))
	}

	query := `UPDATE timed_requests SET status = $2, updated_at = $3, ` +
		atCol + ` = $3, ` + byCol + ` = $4 WHERE id = $1 AND status = $5`
	tag, err := s.pool.Exec(ctx, query, id, string(u.To), u.At, u.By, string(from))
	if err != nil {
		return false, fail(span, fmt.Errorf("update status: %w", err))
	}
	ok := tag.RowsAffected() == 1
	span.SetAttributes(attribute.Bool("erwatch.cas.applied", ok))
	return ok, nil
}

// TryLock takes a session-level advisory lock on a dedicated connection so
// only one process in the fleet ticks at a time.
func (s *Store) TryLock(ctx context.Context) (func(), bool, error) {
	ctx, span := startSpan(ctx, "pgstore.TryLock", "SELECT")
	defer span.End()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("acquire conn: %w", err))
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, tickLockKey).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fail(span, fmt.Errorf("try advisory lock: %w", err))
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// unlock even if the tick's context was cancelled
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(uctx, `SELECT pg_advisory_unlock($1)`, tickLockKey); err != nil {
			// a session lock dies with its connection
			_ = conn.Conn().Close(uctx)
		}
		conn.Release()
	}
	return release, true, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// scanRequest scans a single row. Returns (nil, nil) when no row is found.
func scanRequest(row pgx.Row) (*tracker.Request, error) {
	var (
		r                          tracker.Request
		requestType, prio, status  string
		breachedAt                 *time.Time
		ackAt, ownedAt, completeAt *time.Time
		cancelAt                   *time.Time
	)

	err := row.Scan(
		&r.ID, &r.CaseID, &requestType, &prio, &status, &r.CreatedAt, &r.UpdatedAt,
		&r.ResponseDeadline, &r.CompletionDeadline, &r.ResponseMinutes, &r.CompletionMinutes,
		&r.SLA.Warned, &r.SLA.Breached, &breachedAt, &r.SLA.EscalationLevel,
		&ackAt, &r.AcknowledgedBy, &ownedAt, &r.OwnedBy,
		&completeAt, &r.CompletedBy, &cancelAt, &r.CancelledBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.RequestType = sla.RequestType(requestType)
	r.Priority = sla.Priority(prio)
	r.Status = tracker.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.ResponseDeadline = r.ResponseDeadline.UTC()
	r.CompletionDeadline = r.CompletionDeadline.UTC()
	r.SLA.BreachedAt = derefTime(breachedAt)
	r.AcknowledgedAt = derefTime(ackAt)
	r.OwnedAt = derefTime(ownedAt)
	r.CompletedAt = derefTime(completeAt)
	r.CancelledAt = derefTime(cancelAt)
	return &r, nil
}
