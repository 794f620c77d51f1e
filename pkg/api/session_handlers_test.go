package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/rbac"
)

func TestSessionHandlers_Get(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")

	w := f.do(t, http.MethodGet, "/session", f.login(t, "alice", ""), nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[SessionResponse](t, w)
	assert.Equal(t, "alice", resp.UserID)
	assert.Equal(t, "clinic-a", resp.ActiveTenant)
	assert.False(t, resp.AllTenants)
	assert.Equal(t, []string{"clinic-a"}, resp.Tenants)
	assert.Contains(t, resp.Roles, rbac.RoleClinicAdmin)
	assert.Contains(t, resp.Permissions, "audit:view")
	assert.Empty(t, resp.Token)
}

func TestSessionHandlers_SwitchTenant(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "dr-who", rbac.RolePractitioner, "clinic-a")
	f.grant(t, "dr-who", rbac.RolePractitioner, "clinic-b")
	token := f.login(t, "dr-who", "clinic-a")

	w := f.do(t, http.MethodPut, "/session/tenant", token, SwitchTenantRequest{TenantID: "clinic-b"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[SessionResponse](t, w)
	assert.Equal(t, "clinic-b", resp.ActiveTenant)
	require.NotEmpty(t, resp.Token)

	w = f.do(t, http.MethodGet, "/session", resp.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "clinic-b", decode[SessionResponse](t, w).ActiveTenant)

	switched := f.recorded(t, ActionTenantSwitched)
	require.Len(t, switched, 1)
	assert.Equal(t, "clinic-b", switched[0].TenantID)
	assert.Equal(t, "clinic-a", switched[0].Metadata["previous_tenant"])
}

func TestSessionHandlers_SwitchToUnauthorizedTenant(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "dr-who", rbac.RolePractitioner, "clinic-a")
	token := f.login(t, "dr-who", "clinic-a")

	w := f.do(t, http.MethodPut, "/session/tenant", token, SwitchTenantRequest{TenantID: "clinic-z"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPut, "/session/tenant", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The session is unchanged
	w = f.do(t, http.MethodGet, "/session", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "clinic-a", decode[SessionResponse](t, w).ActiveTenant)
}

func TestSessionHandlers_Revoke(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	token := f.login(t, "alice", "")

	w := f.do(t, http.MethodDelete, "/session", token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Len(t, f.recorded(t, ActionSessionRevoked), 1)

	w = f.do(t, http.MethodGet, "/session", token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
