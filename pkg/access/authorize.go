package access

import (
	"context"
	"fmt"

	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
)

// HasPermission is the only permission check. A nil context has nothing.
func HasPermission(ac *Context, p rbac.Permission) bool {
	if ac == nil {
		return false
	}
	return ac.permissions.Has(p)
}

// HasAnyPermission reports whether the caller holds at least one of perms
func HasAnyPermission(ac *Context, perms ...rbac.Permission) bool {
	for _, p := range perms {
		if HasPermission(ac, p) {
			return true
		}
	}
	return false
}

// Denial describes a refused permission check
type Denial struct {
	Permission rbac.Permission
	Resource   string
	ResourceID string
}

// DenialRecorder writes an audit entry for a refused check. Implementations
// must not block on the audit sink.
type DenialRecorder interface {
	RecordDenial(ctx context.Context, ac *Context, d Denial)
}

// Authorizer enforces permissions and records every denial
type Authorizer struct {
	denials DenialRecorder
	logger  *observability.Logger
}

// NewAuthorizer creates an Authorizer. denials may be nil in tests.
func NewAuthorizer(denials DenialRecorder, logger *observability.Logger) *Authorizer {
	return &Authorizer{denials: denials, logger: observability.OrDefault(logger)}
}

// Authorize reports whether ac holds p. A refusal is logged and recorded;
// a nil context is refused without a record.
func (a *Authorizer) Authorize(ctx context.Context, ac *Context, p rbac.Permission, resource, resourceID string) bool {
	if ac == nil {
		return false
	}
	if HasPermission(ac, p) {
		return true
	}

	a.logger.WithFields(map[string]interface{}{
		"user_id":     ac.UserID(),
		"tenant_id":   ac.ActiveTenant(),
		"permission":  p.String(),
		"resource":    resource,
		"resource_id": resourceID,
	}).Warn("permission denied")

	if a.denials != nil {
		a.denials.RecordDenial(ctx, ac, Denial{Permission: p, Resource: resource, ResourceID: resourceID})
	}
	return false
}

// Require returns nil when ac holds p, otherwise ErrForbidden after
// recording the denial.
func (a *Authorizer) Require(ctx context.Context, ac *Context, p rbac.Permission, resource, resourceID string) error {
	if ac == nil {
		return ErrUnauthenticated
	}
	if !a.Authorize(ctx, ac, p, resource, resourceID) {
		return fmt.Errorf("%w: missing %s", ErrForbidden, p)
	}
	return nil
}

// RequireTenant is Require plus the requirement that an active tenant resolved
func (a *Authorizer) RequireTenant(ctx context.Context, ac *Context, p rbac.Permission, resource, resourceID string) error {
	if err := a.Require(ctx, ac, p, resource, resourceID); err != nil {
		return err
	}
	if !ac.HasActiveTenant() {
		return ErrNoTenantContext
	}
	return nil
}
