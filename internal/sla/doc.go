// Package sla holds the pure SLA timing model for ER requests: the policy
// table keyed by request type and priority, deadline computation, and the
// remaining-time evaluator that drives countdown displays and breach
// detection. Nothing in this package reads the clock or does I/O.
package sla
