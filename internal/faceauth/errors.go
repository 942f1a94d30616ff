package faceauth

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable is returned when the embedding provider is not
	// initialised or cannot be reached.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")

	// ErrStoreUnavailable is returned when reference images cannot be listed.
	ErrStoreUnavailable = errors.New("reference store unavailable")

	// ErrNothingProcessed is returned when every comparison of a request failed.
	ErrNothingProcessed = errors.New("no comparison could be completed")
)

// ValidationError reports a malformed or out-of-range request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InsufficientReferencesError reports that a user does not have enough usable
// reference images.
type InsufficientReferencesError struct {
	UserID   string
	Found    int
	Required int
}

func (e *InsufficientReferencesError) Error() string {
	return fmt.Sprintf("insufficient reference images for user %q: found %d, required %d", e.UserID, e.Found, e.Required)
}

// EmbeddingError reports that one side of a pair could not be embedded or
// scored.
type EmbeddingError struct {
	// Side is "a", "b" or "score".
	Side   string
	Source string
	Err    error
}

func (e *EmbeddingError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("embedding %s (%s): %v", e.Side, e.Source, e.Err)
	}
	return fmt.Sprintf("embedding %s: %v", e.Side, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// requestCause picks the per-item error that explains a total failure:
// provider unavailability wins over any local failure, otherwise the first
// error in input order.
func requestCause(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, ErrProviderUnavailable) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// allFailed wraps ErrNothingProcessed with the request level cause so
// callers can still detect ErrProviderUnavailable.
func allFailed(cause error) error {
	if cause == nil {
		return ErrNothingProcessed
	}
	return fmt.Errorf("%w: %w", ErrNothingProcessed, cause)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
