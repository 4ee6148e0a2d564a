package sla

import (
	"fmt"
	"time"
)

// Thresholds are the remaining-percentage boundaries for classification:
// below DangerPercent is danger, below WarningPercent is warning.
type Thresholds struct {
	WarningPercent float64
	DangerPercent  float64
}

// DefaultThresholds is the fixed 50/20 split used by Evaluate.
var DefaultThresholds = Thresholds{
	WarningPercent: DefaultWarningThresholdPercent,
	DangerPercent:  DangerThresholdPercent,
}

// Remaining is a derived, never persisted view of a deadline at one instant.
type Remaining struct {
	Expired bool `json:"expired"`

	// Minutes is the signed whole minutes until the deadline, floored, so
	// one second past the deadline is -1.
	Minutes int64 `json:"minutes"`

	// Remaining is the exact signed duration until the deadline.
	Remaining time.Duration `json:"-"`

	Text       string  `json:"text"`
	Percentage float64 `json:"percentage"`
	Status     Status  `json:"status"`
}

// Evaluate classifies the time left until deadline at now against an
// allowance of totalAllowanceMinutes, using DefaultThresholds.
func Evaluate(deadline, now time.Time, totalAllowanceMinutes int) (Remaining, error) {
	return EvaluateWithThresholds(deadline, now, totalAllowanceMinutes, DefaultThresholds)
}

// EvaluateWithThresholds is Evaluate with caller-supplied thresholds.
// now == deadline is not expired: it yields 0%, danger.
func EvaluateWithThresholds(deadline, now time.Time, totalAllowanceMinutes int, th Thresholds) (Remaining, error) {
	if totalAllowanceMinutes <= 0 {
		return Remaining{}, &InvalidPolicyError{Reason: fmt.Sprintf("total allowance must be positive, got %d minutes", totalAllowanceMinutes)}
	}

	d := deadline.Sub(now)
	delta := floorMinutes(d)

	if delta < 0 {
		return Remaining{
			Expired:    true,
			Minutes:    delta,
			Remaining:  d,
			Text:       breachedText(-delta),
			Percentage: 0,
			Status:     StatusExpired,
		}, nil
	}

	pct := float64(delta) / float64(totalAllowanceMinutes) * 100
	pct = min(100, max(0, pct))

	return Remaining{
		Minutes:    delta,
		Remaining:  d,
		Text:       remainingText(delta),
		Percentage: pct,
		Status:     classify(pct, th),
	}, nil
}

func classify(pct float64, th Thresholds) Status {
	switch {
	case pct < th.DangerPercent:
		return StatusDanger
	case pct < th.WarningPercent:
		return StatusWarning
	default:
		return StatusSafe
	}
}

// floorMinutes rounds d down to whole minutes, toward negative infinity.
func floorMinutes(d time.Duration) int64 {
	m := int64(d / time.Minute)
	if d%time.Minute < 0 {
		m--
	}
	return m
}

func breachedText(overdue int64) string {
	h, m := overdue/60, overdue%60
	if h > 0 {
		return fmt.Sprintf("Breached by %dh %dm", h, m)
	}
	return fmt.Sprintf("Breached by %dm", m)
}

func remainingText(left int64) string {
	h, m := left/60, left%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d remaining", h, m)
	}
	return fmt.Sprintf("%02d remaining", m)
}
