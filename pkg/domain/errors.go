package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record does not exist within the caller's tenant.
// Records owned by other tenants are reported as not found, never as forbidden.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrInvalid reports a validation failure on a single field.
type ErrInvalid struct {
	Field  string
	Reason string
}

func (e ErrInvalid) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var (
	// ErrTenantRequired is returned when an operation has no tenant scope.
	ErrTenantRequired = errors.New("tenant scope required")
	// ErrConflict is returned when a record with the same identity already exists.
	ErrConflict = errors.New("record already exists")
	// ErrForbidden is returned when the caller's role does not allow the operation.
	ErrForbidden = errors.New("operation not permitted")
)

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}

// IsInvalid reports whether err wraps an ErrInvalid.
func IsInvalid(err error) bool {
	var inv ErrInvalid
	return errors.As(err, &inv)
}
