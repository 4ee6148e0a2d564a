// Package slaapi exposes the request tracker over HTTP.
package slaapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/erwatch/internal/sla"
	"github.com/linnemanlabs/erwatch/internal/tracker"
)

// TrackerService defines the business operations slaapi needs.
type TrackerService interface {
	Create(ctx context.Context, nr tracker.NewRequest) (*tracker.Request, error)
	Get(ctx context.Context, id string) (*tracker.Request, error)
	List(ctx context.Context, f tracker.ListFilter) ([]*tracker.Request, error)
	Acknowledge(ctx context.Context, id, userID string, at time.Time) (*tracker.Request, error)
	Own(ctx context.Context, id, userID string, at time.Time) (*tracker.Request, error)
	Complete(ctx context.Context, id, userID string, at time.Time) (*tracker.Request, error)
	Cancel(ctx context.Context, id, userID string, at time.Time) (*tracker.Request, error)
	View(ctx context.Context, r *tracker.Request, now time.Time) tracker.View
	Stats(ctx context.Context, now time.Time) (*tracker.Stats, error)
}

// PolicyLister exposes the loaded policy table.
type PolicyLister interface {
	Policies() []sla.Policy
}

// Option configures an API.
type Option func(*API)

// WithEventStream mounts h at GET /api/v1/events.
func WithEventStream(h http.Handler) Option {
	return func(a *API) { a.events = h }
}

// WithEventSocket mounts h at GET /api/v1/events/ws.
func WithEventSocket(h http.Handler) Option {
	return func(a *API) { a.socket = h }
}

// WithMiddleware applies mw to every /api/v1 route.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(a *API) { a.mw = append(a.mw, mw...) }
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	svc      TrackerService
	policies PolicyLister
	events   http.Handler
	socket   http.Handler
	mw       []func(http.Handler) http.Handler
	now      func() time.Time
}

// New creates a new API handler.
func New(logger log.Logger, svc TrackerService, policies PolicyLister, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("tracker service is required"))
	}
	if policies == nil {
		panic(xerrors.New("policy table is required"))
	}
	a := &API{
		logger:   logger,
		svc:      svc,
		policies: policies,
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.mw...)

		r.Post("/requests", a.handleCreate)
		r.Get("/requests", a.handleList)
		r.Get("/requests/{id}", a.handleGet)
		r.Post("/requests/{id}/acknowledge", a.transition(a.svc.Acknowledge))
		r.Post("/requests/{id}/own", a.transition(a.svc.Own))
		r.Post("/requests/{id}/complete", a.transition(a.svc.Complete))
		r.Post("/requests/{id}/cancel", a.transition(a.svc.Cancel))

		r.Get("/policies", a.handlePolicies)
		r.Post("/remaining", a.handleRemaining)
		r.Get("/stats", a.handleStats)

		if a.events != nil {
			r.Method(http.MethodGet, "/events", a.events)
		}
		if a.socket != nil {
			r.Method(http.MethodGet, "/events/ws", a.socket)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a service error onto a status code. Server-side failures are
// logged and reported without detail.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg)
		writeError(w, status, "internal error")
		return
	}
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("erwatch.error", err.Error()))
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracker.ErrInvalidRequest), errors.Is(err, sla.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, sla.ErrPolicyNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tracker.ErrInvalidTransition),
		errors.Is(err, tracker.ErrConflict),
		errors.Is(err, tracker.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
