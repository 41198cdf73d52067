package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/scry-batch/internal/api/shared"
	"github.com/phrazzld/scry-batch/internal/deferred"
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/lock"
	"github.com/phrazzld/scry-batch/internal/service/auth"
	"github.com/phrazzld/scry-batch/internal/store"
	"github.com/phrazzld/scry-batch/internal/task"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking internal error types to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case auth.IsTokenError(err), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized

	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, task.ErrJobFinished),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidWorkflow),
		errors.Is(err, domain.ErrInvalidPriority),
		errors.Is(err, task.ErrNoValidItems):
		return http.StatusBadRequest

	case errors.Is(err, deferred.ErrRetryLater),
		errors.Is(err, lock.ErrNotAcquired):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "Invalid credentials"
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"
	case auth.IsTokenError(err):
		return "Invalid token"

	case errors.Is(err, store.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, store.ErrNotFound):
		return "Content not found"

	case errors.Is(err, task.ErrJobFinished):
		return "Job already finished"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "Job cannot change to that status"

	case errors.Is(err, domain.ErrInvalidWorkflow):
		return "Unknown workflow"
	case errors.Is(err, domain.ErrInvalidPriority):
		return "Priority must be between 1 and 10"
	case errors.Is(err, task.ErrNoValidItems):
		return "No valid items to process"
	case errors.Is(err, domain.ErrValidation):
		return "Invalid request data"

	case errors.Is(err, deferred.ErrRetryLater),
		errors.Is(err, lock.ErrNotAcquired):
		return "Service busy, retry later"

	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the error response for err. A non-empty message
// replaces the default safe message.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}

// SanitizeValidationError turns a validator error into a message naming the
// first offending field, without echoing input values.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Validation error"
	}
	fe := verrs[0]
	return fmt.Sprintf("Invalid %s: %s", fe.Field(), getValidationTagMessage(fe.Tag()))
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gt":
		return "too small"
	case "max", "lt":
		return "too large"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
