package slaapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/linnemanlabs/erwatch/internal/sla"
)

func (a *API) handlePolicies(w http.ResponseWriter, _ *http.Request) {
	ps := a.policies.Policies()
	writeJSON(w, http.StatusOK, map[string]any{
		"policies": ps,
		"count":    len(ps),
	})
}

type remainingBody struct {
	Deadline                time.Time `json:"deadline"`
	TotalMinutes            int       `json:"total_minutes"`
	Now                     time.Time `json:"now,omitzero"`
	WarningThresholdPercent float64   `json:"warning_threshold_percent,omitempty"`
}

// handleRemaining evaluates an arbitrary deadline for display layers that
// hold their own request data.
func (a *API) handleRemaining(w http.ResponseWriter, r *http.Request) {
	var body remainingBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if body.Deadline.IsZero() {
		writeError(w, http.StatusBadRequest, "deadline is required")
		return
	}

	now := body.Now
	if now.IsZero() {
		now = a.now()
	}

	th := sla.DefaultThresholds
	if body.WarningThresholdPercent != 0 {
		if body.WarningThresholdPercent <= sla.DangerThresholdPercent || body.WarningThresholdPercent >= 100 {
			writeError(w, http.StatusBadRequest, "warning_threshold_percent must be between the danger threshold and 100")
			return
		}
		th.WarningPercent = body.WarningThresholdPercent
	}

	rem, err := sla.EvaluateWithThresholds(body.Deadline, now, body.TotalMinutes, th)
	if err != nil {
		a.fail(w, r, err, "remaining time evaluation failed")
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Stats(r.Context(), a.now())
	if err != nil {
		a.fail(w, r, err, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
