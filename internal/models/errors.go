package models

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConfig means local credential or configuration state is missing or corrupt.
	ErrConfig = errors.New("configuration error")
	// ErrAuth means the upstream rejected a token or a refresh request.
	ErrAuth = errors.New("authentication error")
	// ErrNetwork means the upstream could not be reached.
	ErrNetwork = errors.New("network error")
	// ErrValidation means an input record was malformed.
	ErrValidation = errors.New("validation error")
	// ErrNotFound means a calendar store was never initialized.
	ErrNotFound = errors.New("not found")
)

// UpstreamError is returned when the upstream API answers with a non-success status.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// Is lets a 401 response match ErrAuth.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrAuth && e.Status == http.StatusUnauthorized
}

// Validationf builds an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
