// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/engine/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a uniqueness violation (username taken,
	// duplicate item key, database already created).
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict indicates a lost race on a conditional write.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized indicates failed authentication or key validation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates an authenticated caller acting outside its scope.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited indicates the caller must back off.
	ErrRateLimited = errors.New("rate limited")

	// ErrBadRequest indicates malformed params or a forbidden state transition.
	ErrBadRequest = errors.New("bad request")

	// ErrTooLarge indicates a frame or record over the size cap.
	ErrTooLarge = errors.New("too large")

	// ErrUnavailable indicates the store could not commit after retries.
	ErrUnavailable = errors.New("service unavailable")
)
