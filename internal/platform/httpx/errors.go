// Package httpx writes JSON and RFC7807 responses and maps domain errors onto them.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

// RetryAfterSeconds is advertised when an upstream store is unavailable.
const RetryAfterSeconds = "5"

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidPeriod):
		Problem(w, http.StatusUnprocessableEntity, "Invalid Period", err.Error())
	case errors.Is(err, shared.ErrPartialPublishPrevented):
		Problem(w, http.StatusConflict, "Publish Aborted", err.Error())
	case errors.Is(err, shared.ErrUpstreamUnavailable):
		w.Header().Set("Retry-After", RetryAfterSeconds)
		Problem(w, http.StatusServiceUnavailable, "Upstream Unavailable", err.Error())
	case errors.Is(err, shared.ErrInvalidWeight):
		Problem(w, http.StatusBadRequest, "Invalid Weight", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
