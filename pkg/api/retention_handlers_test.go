package api

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/rbac"
	"github.com/platinummonkey/clinicguard/pkg/retention"
)

func auditPolicyRequest() PolicyRequest {
	return PolicyRequest{
		RecordClass:       retention.RecordClassAuditLog,
		RetentionDays:     7 * 365,
		ArchiveAfterDays:  365,
		Basis:             string(retention.BasisCreated),
		DestructionMethod: "secure-delete",
	}
}

func TestRetentionHandlers_PolicyLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "carol", rbac.RoleComplianceAdmin, "clinic-a")
	token := f.login(t, "carol", "clinic-a")

	w := f.do(t, http.MethodPost, "/retention/policies", token, auditPolicyRequest())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[PolicyResponse](t, w)
	assert.Equal(t, 7*365, created.RetentionDays)
	assert.Equal(t, 7*retention.Year, created.RetentionDuration)
	assert.Equal(t, int64(1), created.Version)

	// One policy per record class
	w = f.do(t, http.MethodPost, "/retention/policies", token, auditPolicyRequest())
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/retention/policies", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]PolicyResponse](t, w), 1)

	update := auditPolicyRequest()
	update.RetentionDays = 10 * 365
	update.Version = created.Version
	w = f.do(t, http.MethodPut, "/retention/policies/"+created.ID, token, update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[PolicyResponse](t, w)
	assert.Equal(t, 10*365, updated.RetentionDays)

	// Replaying the stale version conflicts
	w = f.do(t, http.MethodPut, "/retention/policies/"+created.ID, token, update)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodDelete, "/retention/policies/"+created.ID, token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/retention/policies/"+created.ID+"?version="+strconv.FormatInt(updated.Version, 10), token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/retention/policies/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetentionHandlers_PolicyValidation(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "carol", rbac.RoleComplianceAdmin, "clinic-a")
	token := f.login(t, "carol", "clinic-a")

	tests := []struct {
		name   string
		mutate func(*PolicyRequest)
	}{
		{"no record class", func(p *PolicyRequest) { p.RecordClass = "" }},
		{"zero retention", func(p *PolicyRequest) { p.RetentionDays = 0 }},
		{"unknown basis", func(p *PolicyRequest) { p.Basis = "FOREVER" }},
		{"archive after destruction", func(p *PolicyRequest) { p.ArchiveAfterDays = 8 * 365 }},
		{"no method", func(p *PolicyRequest) { p.DestructionMethod = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := auditPolicyRequest()
			tt.mutate(&req)
			w := f.do(t, http.MethodPost, "/retention/policies", token, req)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestRetentionHandlers_PolicyRequiresPermission(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	token := f.login(t, "alice", "")

	w := f.do(t, http.MethodPost, "/retention/policies", token, auditPolicyRequest())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRetentionHandlers_Holds(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "carol", rbac.RoleComplianceAdmin, "clinic-a")
	token := f.login(t, "carol", "clinic-a")

	// Reason is mandatory
	w := f.do(t, http.MethodPost, "/retention/holds", token, HoldRequest{
		TenantID:      "clinic-a",
		RecordClasses: []string{retention.RecordClassAuditLog},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/retention/holds", token, HoldRequest{
		TenantID:      "clinic-a",
		RecordClasses: []string{retention.RecordClassAuditLog},
		Reason:        "litigation: case 2026-7",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	hold := decode[retention.LegalHold](t, w)
	assert.Equal(t, retention.HoldActive, hold.Status)

	// A hold on a clinic outside the caller's scope is indistinguishable from a miss
	w = f.do(t, http.MethodPost, "/retention/holds", token, HoldRequest{
		TenantID:      "clinic-b",
		RecordClasses: []string{retention.RecordClassAuditLog},
		Reason:        "fishing",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/retention/holds", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]retention.LegalHold](t, w), 1)

	w = f.do(t, http.MethodPost, "/retention/holds/"+hold.ID+"/release", token, ReasonRequest{Reason: "case settled"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "version is required")

	w = f.do(t, http.MethodPost, "/retention/holds/"+hold.ID+"/release", token, ReasonRequest{Reason: "case settled", Version: hold.Version})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, retention.HoldReleased, decode[retention.LegalHold](t, w).Status)

	// Released holds cannot be released again
	w = f.do(t, http.MethodPost, "/retention/holds/"+hold.ID+"/release", token, ReasonRequest{Reason: "again", Version: hold.Version + 1})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetentionHandlers_Actions(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "carol", rbac.RoleComplianceAdmin, "clinic-a")
	token := f.login(t, "carol", "clinic-a")

	w := f.do(t, http.MethodGet, "/retention/actions", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]retention.Action](t, w))

	w = f.do(t, http.MethodGet, "/retention/actions/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/retention/actions/missing/approve", token, ApproveRequest{Note: "ok"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/retention/actions/missing/cancel", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/retention/certificates", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]retention.Certificate](t, w))
}

func TestRetentionHandlers_RunRequiresGlobalCaller(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "carol", rbac.RoleComplianceAdmin, "clinic-a")

	w := f.do(t, http.MethodPost, "/retention/run", f.login(t, "carol", "clinic-a"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	operator := &rbac.Role{
		Code:        "retention_operator",
		Name:        "Retention Operator",
		ScopeKind:   rbac.ScopeGlobal,
		Permissions: []rbac.Permission{rbac.RetentionActionExecute},
	}
	require.NoError(t, f.roles.CreateRole(context.Background(), operator))
	f.grant(t, "ops", operator.Code, "")

	w = f.do(t, http.MethodPost, "/retention/run", f.login(t, "ops", ""), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[retention.RunSummary](t, w)
	assert.Zero(t, summary.Destroyed)
}

func TestPolicyResponse_Days(t *testing.T) {
	p := &retention.Policy{RetentionDuration: 30 * 24 * time.Hour, ArchiveOffset: 7 * 24 * time.Hour}
	resp := policyResponse(p)
	assert.Equal(t, 30, resp.RetentionDays)
	assert.Equal(t, 7, resp.ArchiveAfterDays)
}
