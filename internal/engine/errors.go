package engine

import (
	"errors"
	"fmt"
)

var (
	ErrEntityNotFound         = errors.New("entity not found")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrInvalidTransition matches any *InvalidTransitionError via errors.Is.
	ErrInvalidTransition = errors.New("invalid transition")
)

// InvalidTransitionError carries the offending states for diagnostics and the
// HTTP error envelope.
type InvalidTransitionError struct {
	Kind    string
	Current string
	Target  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Kind, e.Current, e.Target)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Code maps an engine error to the machine-readable code surfaced to callers.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrEntityNotFound):
		return "ENTITY_NOT_FOUND"
	case errors.Is(err, ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrConcurrentModification):
		return "CONCURRENT_MODIFICATION"
	default:
		return "INTERNAL_ERROR"
	}
}
