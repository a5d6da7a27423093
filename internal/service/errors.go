package service

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"email-auth-service/internal/util"
)

// Error kinds. Handlers map them to HTTP statuses with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrConflict           = errors.New("conflict")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidCode        = errors.New("invalid code")
	ErrTooManyAttempts    = errors.New("too many attempts")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrInternal           = errors.New("internal error")
)

// Error is what every orchestrator operation returns on failure. Message is
// safe to show to the caller.
type Error struct {
	Kind    error
	Message string
	// AttemptsLeft is set for wrong one-time codes.
	AttemptsLeft *int
	// RequiresVerification marks a Forbidden caused by an unverified email.
	RequiresVerification bool

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.Kind, e.cause}
	}
	return []error{e.Kind}
}

func newError(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapError(kind error, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func validationError(format string, args ...interface{}) *Error {
	return newError(ErrValidation, fmt.Sprintf(format, args...))
}

// internalError logs a collaborator failure and hides it from the caller.
func internalError(op string, err error) *Error {
	util.Error("Auth operation failed", zap.String("operation", op), zap.Error(err))
	return wrapError(ErrInternal, "Internal server error", err)
}

// KindName is the short label used in metrics and logs.
func KindName(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrTooManyAttempts):
		return "too_many_attempts"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
