package repository

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrDuplicateActive means the owner already has an active session on that day.
	ErrDuplicateActive = errors.New("owner already has an active session for this day")

	// ErrStale means the session changed since it was read.
	ErrStale = errors.New("session was modified concurrently")

	// ErrDuplicateSource means a segment already references the manual request.
	ErrDuplicateSource = errors.New("manual request already credited")

	// ErrUnavailable wraps timeouts and connection failures.
	ErrUnavailable = errors.New("store unavailable")
)
