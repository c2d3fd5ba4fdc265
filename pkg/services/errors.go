// Package services implements the application layer between the HTTP
// surface and the storage, filesystem, event and runner subsystems.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for missing sessions and for sessions owned
	// by another user, indistinguishably.
	ErrNotFound = errors.New("session not found")

	// ErrNotCancellable is returned when cancel targets a session that is
	// not running.
	ErrNotCancellable = errors.New("session is not cancellable")

	// ErrNotResumable is returned when resume targets a session without a
	// captured agent conversation id.
	ErrNotResumable = errors.New("session is not resumable")

	// ErrNotFinished is returned when a result is requested for a session
	// that has not reached a terminal status.
	ErrNotFinished = errors.New("session has not finished")

	// ErrCapacity is returned when the concurrent-run limit is reached.
	ErrCapacity = errors.New("concurrent session limit reached")

	// ErrAlreadyRunning is returned when an operation requires the session
	// to be idle but a run is live.
	ErrAlreadyRunning = errors.New("session already running")

	// ErrUnauthorized is returned for missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// NewValidationError creates a field validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
