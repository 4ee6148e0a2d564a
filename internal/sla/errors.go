package sla

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels matched by the typed errors below via errors.Is.
var (
	ErrPolicyNotFound = errors.New("sla policy not found")
	ErrInvalidPolicy  = errors.New("invalid sla policy")
	ErrClockSkew      = errors.New("clock skew")
)

// PolicyNotFoundError is returned when no policy is configured for a
// (request type, priority) pair. Callers must not fall back to a default.
type PolicyNotFoundError struct {
	RequestType RequestType
	Priority    Priority
}

func (e *PolicyNotFoundError) Error() string {
	return fmt.Sprintf("no sla policy for request_type=%q priority=%q", e.RequestType, e.Priority)
}

// Is makes errors.Is(err, ErrPolicyNotFound) hold.
func (e *PolicyNotFoundError) Is(target error) bool { return target == ErrPolicyNotFound }

// InvalidPolicyError reports a policy (or an allowance passed to the
// evaluator) that cannot be used for timing.
type InvalidPolicyError struct {
	RequestType RequestType
	Priority    Priority
	Reason      string
}

func (e *InvalidPolicyError) Error() string {
	if e.RequestType == "" && e.Priority == "" {
		return "invalid sla policy: " + e.Reason
	}
	return fmt.Sprintf("invalid sla policy request_type=%q priority=%q: %s", e.RequestType, e.Priority, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidPolicy) hold.
func (e *InvalidPolicyError) Is(target error) bool { return target == ErrInvalidPolicy }

// ClockSkewWarning is a non-fatal condition: an evaluation time earlier than
// the request's creation time. It indicates a caller bug or skewed clocks.
type ClockSkewWarning struct {
	CreatedAt time.Time
	Now       time.Time
}

func (w *ClockSkewWarning) Error() string {
	return fmt.Sprintf("evaluation time %s precedes creation time %s by %s",
		w.Now.UTC().Format(time.RFC3339Nano), w.CreatedAt.UTC().Format(time.RFC3339Nano), w.Skew())
}

// Is makes errors.Is(err, ErrClockSkew) hold.
func (w *ClockSkewWarning) Is(target error) bool { return target == ErrClockSkew }

// Skew is how far now lies before the creation time.
func (w *ClockSkewWarning) Skew() time.Duration {
	return w.CreatedAt.Sub(w.Now)
}

// DetectClockSkew returns a warning when now precedes createdAt, nil otherwise.
func DetectClockSkew(createdAt, now time.Time) *ClockSkewWarning {
	if now.Before(createdAt) {
		return &ClockSkewWarning{CreatedAt: createdAt, Now: now}
	}
	return nil
}
