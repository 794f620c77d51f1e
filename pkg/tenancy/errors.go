package tenancy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrScopeViolation means no authorized tenant could satisfy the operation
	ErrScopeViolation = errors.New("scope violation")
	// ErrUnregisteredClass means the record class is neither tenant-scoped nor global
	ErrUnregisteredClass = errors.New("unregistered record class")
	// ErrNotFound means no row matched inside the caller's scope
	ErrNotFound = errors.New("record not found")
	// ErrInvalidQuery means the query or record is malformed
	ErrInvalidQuery = errors.New("invalid query")
)

// ViolationError carries the detail recorded for a scope violation. Its
// Error text is safe to log but must not be shown to end users.
type ViolationError struct {
	Class            string
	Operation        Operation
	UserID           string
	ActiveTenant     string
	RequestedTenants []string
	Reason           string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("scope violation: %s on %s by %s (active tenant %q, requested %s): %s",
		e.Operation, e.Class, e.UserID, e.ActiveTenant, strings.Join(e.RequestedTenants, ","), e.Reason)
}

// Unwrap lets errors.Is match ErrScopeViolation
func (e *ViolationError) Unwrap() error {
	return ErrScopeViolation
}
