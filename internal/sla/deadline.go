package sla

import "time"

// ComputeDeadline returns createdAt plus the allowance of the matching
// policy. It is computed once when a request is created and stored; it is
// never re-derived from the evaluation time.
func (t *Table) ComputeDeadline(createdAt time.Time, rt RequestType, p Priority, kind Kind) (time.Time, error) {
	pol, err := t.Lookup(rt, p)
	if err != nil {
		return time.Time{}, err
	}
	return pol.Deadline(createdAt, kind)
}

// Deadline adds this policy's allowance for kind to createdAt.
func (p Policy) Deadline(createdAt time.Time, kind Kind) (time.Time, error) {
	minutes, err := p.AllowanceMinutes(kind)
	if err != nil {
		return time.Time{}, err
	}
	return createdAt.Add(time.Duration(minutes) * time.Minute), nil
}
