package user

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/samber/oops"

	userrepo "github.com/ovaphlow/pitchfork/service-account/internal/user/repo"
)

// Sentinel errors returned by UserService. They arrive wrapped with oops
// context; classify with errors.Is.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthenticated    = errors.New("authentication required")
	ErrUnauthorized       = errors.New("operation not permitted")
	ErrNotFound           = errors.New("not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrConflict           = errors.New("email already registered")
	ErrDependency         = errors.New("service temporarily unavailable")
)

// StatusFor maps a service error to its HTTP status and the public message.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, ErrInvalidInput.Error()
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, ErrUnauthenticated.Error()
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, ErrInvalidCredentials.Error()
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, ErrUnauthorized.Error()
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, ErrNotFound.Error()
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, ErrConflict.Error()
	case errors.Is(err, ErrDependency):
		return http.StatusServiceUnavailable, ErrDependency.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func invalid(op, format string, args ...any) error {
	return oops.Code("INVALID_INPUT").With("operation", op).Wrapf(ErrInvalidInput, format, args...)
}

func denied(op string, actorID int64) error {
	return oops.Code("FORBIDDEN").With("operation", op).With("actor_id", actorID).Wrap(ErrUnauthorized)
}

func unauthenticated(op string) error {
	return oops.Code("UNAUTHENTICATED").With("operation", op).Wrap(ErrUnauthenticated)
}

// storeErr classifies a repository error for op.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, userrepo.ErrNotFound):
		return oops.Code("NOT_FOUND").With("operation", op).Wrap(ErrNotFound)
	case errors.Is(err, userrepo.ErrDuplicate):
		return oops.Code("EMAIL_TAKEN").With("operation", op).Wrap(ErrConflict)
	default:
		return oops.Code("STORE_FAILED").With("operation", op).Wrap(fmt.Errorf("%w: %w", ErrDependency, err))
	}
}
