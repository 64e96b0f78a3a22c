package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

// errorStatus maps ledger and store errors to an HTTP status and API error code.
func errorStatus(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, models.CodeInvalidRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, models.CodeNotFound
	case errors.Is(err, store.ErrStaleAttempt):
		return http.StatusConflict, models.CodeStaleAttempt
	case errors.Is(err, store.ErrJobNoLongerActive):
		return http.StatusConflict, models.CodeJobNoLongerActive
	case errors.Is(err, store.ErrJobNotRunning):
		return http.StatusConflict, models.CodeJobNotRunning
	case errors.Is(err, store.ErrApprovalNotPending):
		return http.StatusConflict, models.CodeApprovalNotPending
	case errors.Is(err, store.ErrRunNotActive):
		return http.StatusConflict, models.CodeRunNotActive
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrConflict):
		return http.StatusConflict, models.CodeConflict
	case errors.Is(err, store.ErrUnknownFunction):
		return http.StatusBadRequest, models.CodeUnknownFunction
	case errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest, models.CodeInvalidRequest
	}
	return http.StatusInternalServerError, models.CodeInternal
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeJSONError(w, status, code, msg)
}
