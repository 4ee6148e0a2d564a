package tracker

import "errors"

var (
	// ErrNotFound means no request has the given id.
	ErrNotFound = errors.New("request not found")

	// ErrAlreadyExists means a request with the same id was already created.
	ErrAlreadyExists = errors.New("request already exists")

	// ErrInvalidTransition means the lifecycle move is not allowed from the
	// request's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict means a concurrent writer changed the request first.
	ErrConflict = errors.New("request modified concurrently")

	// ErrInvalidRequest wraps input validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)
