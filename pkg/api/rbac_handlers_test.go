package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
)

func (f *apiFixture) roleID(t *testing.T, code string) string {
	t.Helper()
	role, err := f.roles.GetRoleByCode(context.Background(), code)
	require.NoError(t, err)
	return role.ID
}

func TestRoleHandlers_ClinicAdminGrantsInOwnTenant(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	token := f.login(t, "alice", "")

	w := f.do(t, http.MethodPost, "/users/rita/roles", token, GrantRoleRequest{RoleID: f.roleID(t, rbac.RoleReceptionist)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	a := decode[rbac.RoleAssignment](t, w)
	assert.Equal(t, "clinic-a", a.TenantID)
	assert.Equal(t, "alice", a.GrantedBy)

	granted := f.recorded(t, ActionRoleGranted)
	require.Len(t, granted, 1)
	assert.Equal(t, "clinic-a", granted[0].TenantID)
	assert.Equal(t, audit.CategoryAdministration, granted[0].Category)

	// The same grant twice conflicts
	w = f.do(t, http.MethodPost, "/users/rita/roles", token, GrantRoleRequest{RoleID: f.roleID(t, rbac.RoleReceptionist)})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/users/rita/roles", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]rbac.RoleAssignment](t, w), 1)

	w = f.do(t, http.MethodDelete, "/users/rita/roles/"+a.RoleID, token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Len(t, f.recorded(t, ActionRoleRevoked), 1)

	assignments, err := f.roles.ListAssignments(context.Background(), "rita")
	require.NoError(t, err)
	assert.Empty(t, assignments)
}

func TestRoleHandlers_GrantOutsideTenantLooksMissing(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	token := f.login(t, "alice", "")

	w := f.do(t, http.MethodPost, "/users/rita/roles", token, GrantRoleRequest{
		RoleID:   f.roleID(t, rbac.RoleReceptionist),
		TenantID: "clinic-b",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, f.recorded(t, audit.ActionScopeViolation), 1)

	assignments, err := f.roles.ListAssignments(context.Background(), "rita")
	require.NoError(t, err)
	assert.Empty(t, assignments)
}

func TestRoleHandlers_NoEscalation(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	token := f.login(t, "alice", "")

	tests := []struct {
		name string
		role string
	}{
		// compliance_admin grants audit:export, which alice lacks
		{"broader role", rbac.RoleComplianceAdmin},
		{"global role", rbac.RolePlatformAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/users/mallory/roles", token, GrantRoleRequest{RoleID: f.roleID(t, tt.role)})
			assert.Equal(t, http.StatusForbidden, w.Code)
		})
	}

	assignments, err := f.roles.ListAssignments(context.Background(), "mallory")
	require.NoError(t, err)
	assert.Empty(t, assignments)
}

func TestRoleHandlers_GrantRejectsPastExpiry(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	token := f.login(t, "alice", "")

	past := time.Now().Add(-time.Hour)
	w := f.do(t, http.MethodPost, "/users/rita/roles", token, GrantRoleRequest{
		RoleID:    f.roleID(t, rbac.RoleReceptionist),
		ExpiresAt: &past,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoleHandlers_DefinitionsNeedGlobalCaller(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	f.grant(t, "root", rbac.RolePlatformAdmin, "")

	req := CreateRoleRequest{
		Code:        "billing_clerk",
		Name:        "Billing Clerk",
		ScopeKind:   string(rbac.ScopeSingleTenant),
		Permissions: []string{"patient:read", "appointment:read"},
	}

	w := f.do(t, http.MethodPost, "/roles", f.login(t, "alice", ""), req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	root := f.login(t, "root", "")
	w = f.do(t, http.MethodPost, "/roles", root, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	role := decode[rbac.Role](t, w)
	assert.False(t, role.IsSystem)
	assert.Len(t, f.recorded(t, ActionRoleCreated), 1)

	w = f.do(t, http.MethodPut, "/roles/"+role.ID+"/permissions", root, UpdatePermissionsRequest{Permissions: []string{"patient:read"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"patient:read"}, decode[rbac.Role](t, w).PermissionCodes())

	w = f.do(t, http.MethodPut, "/roles/"+role.ID+"/permissions", root, UpdatePermissionsRequest{Permissions: []string{"patient:teleport"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Catalog roles change only through the catalog
	w = f.do(t, http.MethodPut, "/roles/"+f.roleID(t, rbac.RoleReceptionist)+"/permissions", root, UpdatePermissionsRequest{Permissions: []string{"patient:read"}})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = f.do(t, http.MethodDelete, "/roles/"+f.roleID(t, rbac.RoleReceptionist), root, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodDelete, "/roles/"+role.ID, root, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, "/roles/"+role.ID, root, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoleHandlers_ListRequiresRoleManage(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "rita", rbac.RoleReceptionist, "clinic-a")

	w := f.do(t, http.MethodGet, "/roles", f.login(t, "rita", ""), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRoleHandlers_ListAssignmentsScopedToTenant(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	f.grant(t, "dr-who", rbac.RolePractitioner, "clinic-a")
	f.grant(t, "dr-who", rbac.RolePractitioner, "clinic-b")

	w := f.do(t, http.MethodGet, "/users/dr-who/roles", f.login(t, "alice", ""), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assignments := decode[[]rbac.RoleAssignment](t, w)
	require.Len(t, assignments, 1)
	assert.Equal(t, "clinic-a", assignments[0].TenantID)
}
