package ws

import (
	"errors"
	"net/http"

	"github.com/and161185/sealbase/internal/errs"
)

// statusOf translates sentinel errors into the HTTP-convention status
// carried in response frames. This is the single translation point;
// everything below it returns wrapped sentinels.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errs.ErrBadRequest), errors.Is(err, errs.ErrTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrAlreadyExists), errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errs.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
