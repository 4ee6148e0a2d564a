package slaapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/erwatch/internal/tracker"
)

const maxListLimit = 500

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var nr tracker.NewRequest
	if err := json.NewDecoder(r.Body).Decode(&nr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	req, err := a.svc.Create(r.Context(), nr)
	if err != nil {
		a.fail(w, r, err, "failed to create request")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("erwatch.request.id", req.ID),
		attribute.String("erwatch.request.priority", string(req.Priority)),
	)

	w.Header().Set("Location", "/api/v1/requests/"+req.ID)
	writeJSON(w, http.StatusCreated, a.svc.View(r.Context(), req, a.now()))
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("erwatch.request.id", id))

	req, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get request")
		return
	}

	span.SetAttributes(attribute.String("erwatch.request.status", string(req.Status)))
	writeJSON(w, http.StatusOK, a.svc.View(r.Context(), req, a.now()))
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := tracker.ListFilter{Status: tracker.Status(q.Get("status"))}

	if v := q.Get("open"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "open must be a boolean")
			return
		}
		f.OpenOnly = open
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		f.Limit = n
	}

	reqs, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err, "failed to list requests")
		return
	}

	now := a.now()
	views := make([]tracker.View, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, a.svc.View(r.Context(), req, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": views,
		"count":    len(views),
	})
}

type transitionBody struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at,omitzero"`
}

type transitionFunc func(ctx context.Context, id, userID string, at time.Time) (*tracker.Request, error)

func (a *API) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var body transitionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}

		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(attribute.String("erwatch.request.id", id))

		req, err := fn(r.Context(), id, body.UserID, body.At)
		if err != nil {
			a.fail(w, r, err, "failed to change request status")
			return
		}

		span.SetAttributes(attribute.String("erwatch.request.status", string(req.Status)))
		writeJSON(w, http.StatusOK, a.svc.View(r.Context(), req, a.now()))
	}
}
