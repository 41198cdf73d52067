package generation

import (
	"errors"
	"fmt"
)

// Common errors returned by the generation package
var (
	// ErrGenerationFailed is returned when generation fails for any general reason
	ErrGenerationFailed = errors.New("failed to generate content")

	// ErrInvalidResponse is returned when the LLM response cannot be parsed or is malformed
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the LLM blocks the content due to safety filters
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrTransientFailure is returned for temporary errors that might resolve on retry
	ErrTransientFailure = errors.New("temporary failure during generation")

	// ErrInvalidConfig is returned when the generator configuration is invalid
	ErrInvalidConfig = errors.New("invalid generator configuration")

	// ErrCredentials is returned when the remote service rejects our credentials.
	// It is never retried.
	ErrCredentials = errors.New("generation service rejected credentials")

	// ErrUnknownGeneration is returned when polling an id the service does not know.
	ErrUnknownGeneration = errors.New("unknown generation id")
)

// StatusError is a failed remote call with its HTTP-like status code.
type StatusError struct {
	Code    int
	Op      string
	Message string
	Err     error
}

// NewStatusError builds a StatusError for operation op.
func NewStatusError(op string, code int, message string) *StatusError {
	return &StatusError{Op: op, Code: code, Message: message}
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: remote returned status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: remote returned status %d: %s", e.Op, e.Code, e.Message)
}

// StatusCode returns the status code for retry classification.
func (e *StatusError) StatusCode() int { return e.Code }

// Unwrap returns the underlying error.
func (e *StatusError) Unwrap() error { return e.Err }

// Is maps 401 and 403 to ErrCredentials.
func (e *StatusError) Is(target error) bool {
	return target == ErrCredentials && (e.Code == 401 || e.Code == 403)
}
