package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/httputil"
	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
	"github.com/platinummonkey/clinicguard/pkg/tenancy"
)

// Audit actions for role administration
const (
	ActionRoleCreated = "rbac.role_created"
	ActionRoleUpdated = "rbac.role_updated"
	ActionRoleDeleted = "rbac.role_deleted"
	ActionRoleGranted = "rbac.role_granted"
	ActionRoleRevoked = "rbac.role_revoked"

	targetRole           = "role"
	targetRoleAssignment = "role_assignment"
)

// RoleHandlers serves role and role assignment administration. Role
// definitions are platform-wide and need a GLOBAL caller; clinic
// administrators may assign roles inside their active tenant only, and only
// roles whose permissions they already hold.
type RoleHandlers struct {
	roles    rbac.Repository
	authz    *access.Authorizer
	recorder *audit.Recorder
	logger   *observability.Logger
	now      func() time.Time
}

// NewRoleHandlers creates role handlers
func NewRoleHandlers(roles rbac.Repository, authz *access.Authorizer, recorder *audit.Recorder, logger *observability.Logger) *RoleHandlers {
	return &RoleHandlers{
		roles:    roles,
		authz:    authz,
		recorder: recorder,
		logger:   observability.OrDefault(logger).WithField("handler", "rbac"),
		now:      time.Now,
	}
}

// RegisterRoutes registers role routes
func (h *RoleHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/roles", h.listRoles).Methods("GET")
	router.HandleFunc("/roles", h.createRole).Methods("POST")
	router.HandleFunc("/roles/{id}", h.getRole).Methods("GET")
	router.HandleFunc("/roles/{id}/permissions", h.updateRolePermissions).Methods("PUT")
	router.HandleFunc("/roles/{id}", h.deleteRole).Methods("DELETE")

	router.HandleFunc("/users/{user_id}/roles", h.listAssignments).Methods("GET")
	router.HandleFunc("/users/{user_id}/roles", h.grantRole).Methods("POST")
	router.HandleFunc("/users/{user_id}/roles/{role_id}", h.revokeRole).Methods("DELETE")
}

// CreateRoleRequest defines a custom role
type CreateRoleRequest struct {
	Code        string   `json:"code" validate:"required,max=64"`
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description,omitempty"`
	ScopeKind   string   `json:"scope_kind" validate:"required,oneof=GLOBAL MULTI_TENANT SINGLE_TENANT"`
	Permissions []string `json:"permissions" validate:"dive,required"`
}

// UpdatePermissionsRequest replaces a custom role's permissions
type UpdatePermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"dive,required"`
}

// GrantRoleRequest assigns a role to a user. TenantID defaults to the
// caller's active tenant for tenant-scoped roles.
type GrantRoleRequest struct {
	RoleID    string     `json:"role_id" validate:"required"`
	TenantID  string     `json:"tenant_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// requireManage checks role:manage, and a GLOBAL caller when global is set
func (h *RoleHandlers) requireManage(ctx context.Context, ac *access.Context, resourceID string, global bool) error {
	if err := h.authz.Require(ctx, ac, rbac.RoleManage, string(rbac.ResourceRole), resourceID); err != nil {
		return err
	}
	if global && !ac.AuthorizedTenants().IsAll() {
		return fmt.Errorf("%w: role definitions are managed by platform administrators", access.ErrForbidden)
	}
	return nil
}

// assignmentTenant resolves and checks the tenant an assignment applies to
func (h *RoleHandlers) assignmentTenant(ctx context.Context, ac *access.Context, role *rbac.Role, requested string) (string, error) {
	if ac.AuthorizedTenants().IsAll() {
		if requested == "" && role.ScopeKind != rbac.ScopeGlobal {
			requested = ac.ActiveTenant()
		}
		return requested, nil
	}

	if role.ScopeKind == rbac.ScopeGlobal {
		return "", fmt.Errorf("%w: GLOBAL roles are assigned by platform administrators", access.ErrForbidden)
	}
	if !ac.HasActiveTenant() {
		return "", access.ErrNoTenantContext
	}
	if requested == "" {
		requested = ac.ActiveTenant()
	}
	if requested != ac.ActiveTenant() {
		v := &tenancy.ViolationError{
			Class:            targetRoleAssignment,
			Operation:        tenancy.OpCreate,
			UserID:           ac.UserID(),
			ActiveTenant:     ac.ActiveTenant(),
			RequestedTenants: []string{requested},
			Reason:           "role assignment outside the caller's active tenant",
		}
		h.logger.WithError(v).Warn("role assignment scope violation")
		h.recorder.RecordScopeViolation(ctx, ac, v)
		return "", v
	}
	// No escalation: the caller must hold everything the role grants
	for _, p := range role.Permissions {
		if err := h.authz.Require(ctx, ac, p, targetRole, role.ID); err != nil {
			return "", err
		}
	}
	return requested, nil
}

func (h *RoleHandlers) listRoles(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.requireManage(r.Context(), ac, "", false); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	roles, err := h.roles.ListRoles(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, roles)
}

func (h *RoleHandlers) getRole(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.requireManage(r.Context(), ac, id, false); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	role, err := h.roles.GetRole(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

func (h *RoleHandlers) createRole(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	var req CreateRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ctx := r.Context()
	if err := h.requireManage(ctx, ac, "", true); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	perms, err := rbac.ParsePermissions(req.Permissions)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	role := &rbac.Role{
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		ScopeKind:   rbac.ScopeKind(req.ScopeKind),
		Permissions: perms,
	}
	if err := h.roles.CreateRole(ctx, role); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.record(ctx, ac, ActionRoleCreated, audit.Target{Type: targetRole, ID: role.ID}, "", nil, roleSnapshot(role))
	_ = httputil.WriteCreated(w, role)
}

func (h *RoleHandlers) updateRolePermissions(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req UpdatePermissionsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ctx := r.Context()
	if err := h.requireManage(ctx, ac, id, true); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	perms, err := rbac.ParsePermissions(req.Permissions)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	before, err := h.roles.GetRole(ctx, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	role, err := h.roles.UpdateRolePermissions(ctx, id, perms)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.record(ctx, ac, ActionRoleUpdated, audit.Target{Type: targetRole, ID: role.ID}, "", roleSnapshot(before), roleSnapshot(role))
	_ = httputil.WriteSuccess(w, role)
}

func (h *RoleHandlers) deleteRole(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	ctx := r.Context()
	if err := h.requireManage(ctx, ac, id, true); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	before, err := h.roles.GetRole(ctx, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.roles.DeleteRole(ctx, id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.record(ctx, ac, ActionRoleDeleted, audit.Target{Type: targetRole, ID: id}, "", roleSnapshot(before), nil)
	httputil.WriteNoContent(w)
}

func (h *RoleHandlers) listAssignments(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	userID, err := httputil.ParsePathString(r, "user_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	ctx := r.Context()
	if err := h.requireManage(ctx, ac, userID, false); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	assignments, err := h.roles.ListAssignments(ctx, userID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]rbac.RoleAssignment, 0, len(assignments))
	for _, a := range assignments {
		// Non-GLOBAL callers see only assignments in their active tenant
		if ac.AuthorizedTenants().IsAll() || (a.TenantID != "" && a.TenantID == ac.ActiveTenant()) {
			out = append(out, a)
		}
	}
	_ = httputil.WriteSuccess(w, out)
}

func (h *RoleHandlers) grantRole(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	userID, err := httputil.ParsePathString(r, "user_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req GrantRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ctx := r.Context()
	if err := h.requireManage(ctx, ac, userID, false); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(h.now()) {
		httputil.WriteBadRequest(w, "expires_at must be in the future")
		return
	}

	role, err := h.roles.GetRole(ctx, req.RoleID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	tenant, err := h.assignmentTenant(ctx, ac, role, req.TenantID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	a := &rbac.RoleAssignment{
		UserID:    userID,
		RoleID:    role.ID,
		TenantID:  tenant,
		ExpiresAt: req.ExpiresAt,
		GrantedBy: ac.UserID(),
		GrantedAt: h.now().UTC(),
	}
	if err := h.roles.AssignRole(ctx, a); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.record(ctx, ac, ActionRoleGranted, audit.Target{Type: targetRoleAssignment, ID: a.ID}, tenant, nil, map[string]interface{}{
		"user_id":   userID,
		"role_id":   role.ID,
		"role_code": role.Code,
		"tenant_id": tenant,
	})
	_ = httputil.WriteCreated(w, a)
}

func (h *RoleHandlers) revokeRole(w http.ResponseWriter, r *http.Request) {
	ac, ok := caller(w, r)
	if !ok {
		return
	}
	userID, err := httputil.ParsePathString(r, "user_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	roleID, err := httputil.ParsePathString(r, "role_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	ctx := r.Context()
	if err := h.requireManage(ctx, ac, userID, false); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	role, err := h.roles.GetRole(ctx, roleID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	tenant, err := h.assignmentTenant(ctx, ac, role, httputil.ParseQueryString(r, "tenant_id", ""))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.roles.RevokeRole(ctx, userID, role.ID, tenant); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.record(ctx, ac, ActionRoleRevoked, audit.Target{Type: targetRoleAssignment, ID: userID + "/" + role.ID}, tenant, map[string]interface{}{
		"user_id":   userID,
		"role_id":   role.ID,
		"role_code": role.Code,
		"tenant_id": tenant,
	}, nil)
	httputil.WriteNoContent(w)
}

func (h *RoleHandlers) record(ctx context.Context, ac *access.Context, action string, target audit.Target, tenant string, before, after map[string]interface{}) {
	h.recorder.Record(ctx, ac, audit.EventSpec{
		Action:      action,
		Category:    audit.CategoryAdministration,
		Severity:    audit.SeverityWarning,
		Target:      target,
		TenantID:    tenant,
		Before:      before,
		After:       after,
		Sensitivity: audit.NotProtected(),
	})
}

func roleSnapshot(r *rbac.Role) map[string]interface{} {
	perms := make([]interface{}, 0, len(r.Permissions))
	for _, c := range r.PermissionCodes() {
		perms = append(perms, c)
	}
	return map[string]interface{}{
		"code":        r.Code,
		"name":        r.Name,
		"scope_kind":  string(r.ScopeKind),
		"permissions": perms,
		"is_system":   r.IsSystem,
	}
}
