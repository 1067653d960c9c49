package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden is returned when the actor is not allowed to touch the room or message.
	ErrForbidden = errors.New("access denied")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for unknown message, room or user IDs.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes rejected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Error codes reported to clients.
const (
	CodeForbidden  = "forbidden"
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeInternal   = "internal"
)

// Code maps an error onto the client-facing taxonomy.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// PublicMessage returns the text safe to show a client. Persistence failures
// are reported generically.
func PublicMessage(err error) string {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, ErrForbidden):
		return "Access denied"
	case errors.Is(err, ErrNotFound):
		return err.Error()
	default:
		return "internal error"
	}
}
