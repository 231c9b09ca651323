package errdefs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bastion-games/bastion/pkg/types"
)

// Sentinel kinds. Domain services translate their internal signals to exactly
// one of these; the dispatcher maps the kind to an HTTP status.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrForbidden   = errors.New("forbidden")
	ErrLockTimeout = errors.New("lock timeout")
	ErrTransient   = errors.New("backend unavailable")
	ErrFatal       = errors.New("invariant violation")
)

// InsufficientError reports a failed cost check. The deduction is fully
// compensated before this error is returned.
type InsufficientError struct {
	Resource types.ResourceType
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient resources: %s", e.Resource)
}

// Insufficient builds an InsufficientError for the given resource
func Insufficient(rt types.ResourceType) error {
	return &InsufficientError{Resource: rt}
}

// IsInsufficient reports whether err is an insufficient-resources failure
func IsInsufficient(err error) bool {
	var ie *InsufficientError
	return errors.As(err, &ie)
}

// Validationf wraps ErrValidation with the offending field
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with entity context
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrConflict with the violated precondition
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Forbiddenf wraps ErrForbidden with the failed permission check
func Forbiddenf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// Fatalf wraps ErrFatal; callers fail fast and log at error severity
func Fatalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error kind to the response status code. Validation and
// precondition failures are client errors; only fatal and transient backend
// failures surface as 5xx.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), IsInsufficient(err):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrLockTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
