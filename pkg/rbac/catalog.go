package rbac

import (
	"context"
	"fmt"

	"github.com/platinummonkey/clinicguard/pkg/observability"
)

// Built-in role codes
const (
	RolePlatformAdmin   = "platform_admin"
	RoleComplianceAdmin = "compliance_admin"
	RoleClinicAdmin     = "clinic_admin"
	RolePractitioner    = "practitioner"
	RoleReceptionist    = "receptionist"
)

// SystemRoles returns the built-in role definitions used when no role
// catalog file is configured.
func SystemRoles() []Role {
	return []Role{
		{
			Code:        RolePlatformAdmin,
			Name:        "Platform Administrator",
			Description: "Operates the platform across every clinic through audited cross-tenant paths",
			ScopeKind:   ScopeGlobal,
			Permissions: []Permission{
				AuditView, AuditExport, RoleManage, TenantCrossRead,
				RetentionPolicyManage, RetentionActionView,
			},
		},
		{
			Code:        RoleComplianceAdmin,
			Name:        "Compliance Administrator",
			Description: "Manages retention policies, destruction approvals and legal holds",
			ScopeKind:   ScopeMultiTenant,
			Permissions: []Permission{
				AuditView, AuditAnnotate, AuditExport,
				RetentionPolicyManage, RetentionActionView, RetentionActionApprove, RetentionActionExecute,
				LegalHoldManage,
			},
		},
		{
			Code:        RoleClinicAdmin,
			Name:        "Clinic Administrator",
			Description: "Full access to a single clinic",
			ScopeKind:   ScopeSingleTenant,
			Permissions: []Permission{
				PatientRead, PatientWrite, PatientDelete,
				AppointmentRead, AppointmentWrite,
				AuditView, AuditAnnotate, RoleManage,
			},
		},
		{
			Code:        RolePractitioner,
			Name:        "Practitioner",
			ScopeKind:   ScopeMultiTenant,
			Permissions: []Permission{PatientRead, PatientWrite, AppointmentRead, AppointmentWrite},
		},
		{
			Code:        RoleReceptionist,
			Name:        "Receptionist",
			ScopeKind:   ScopeSingleTenant,
			Permissions: []Permission{PatientRead, AppointmentRead, AppointmentWrite},
		},
	}
}

// SyncSystemRoles creates or reconciles every catalog role in repo. The
// catalog is the only path that changes a system role.
func SyncSystemRoles(ctx context.Context, repo Repository, roles []Role, logger *observability.Logger) error {
	logger = observability.OrDefault(logger)
	for i := range roles {
		role := roles[i]
		if err := repo.UpsertSystemRole(ctx, &role); err != nil {
			return fmt.Errorf("failed to sync system role %s: %w", role.Code, err)
		}
		logger.WithField("role", role.Code).Debug("system role synced")
	}
	logger.WithField("roles", len(roles)).Info("system roles synced")
	return nil
}
