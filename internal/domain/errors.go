package domain

import "errors"

// Common domain errors used across the engine.
var (
	// ErrValidation is returned when a record fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidWorkflow is returned for an unknown workflow kind.
	ErrInvalidWorkflow = errors.New("invalid workflow")

	// ErrInvalidPriority is returned for a priority outside 1..10.
	ErrInvalidPriority = errors.New("invalid priority")
)
