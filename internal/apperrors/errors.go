package apperrors

import (
	"errors"
	"fmt"
)

// ValidationError reports a missing or malformed required field on an intent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("validation failed: %s is required", e.Field)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an absent thread or message.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConcurrentMutationError reports a cascade colliding with one already in
// flight on the same thread.
type ConcurrentMutationError struct {
	ThreadID string
}

func (e *ConcurrentMutationError) Error() string {
	return fmt.Sprintf("cascade already in flight on thread %s", e.ThreadID)
}

// RegenerationError reports an invalid regenerate target, e.g. an assistant
// message with no preceding user message.
type RegenerationError struct {
	Reason string
}

func (e *RegenerationError) Error() string {
	return fmt.Sprintf("regeneration failed: %s", e.Reason)
}

// PersistenceError wraps a backend read/write failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// GenerationError is a provider-side failure carrying an HTTP-like status and
// a recoverable classification (rate limit, auth).
type GenerationError struct {
	StatusCode int
	Message    string
	Provider   string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (provider=%s status=%d): %s", e.Provider, e.StatusCode, e.Message)
}

// Recoverable reports whether the caller may retry after backing off or
// fixing credentials, as opposed to a hard provider failure.
func (e *GenerationError) Recoverable() bool {
	return e.StatusCode == 429 || e.StatusCode == 401 || e.StatusCode == 403
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConcurrentMutation(err error) bool {
	var target *ConcurrentMutationError
	return errors.As(err, &target)
}
