package api

import (
	"bufio"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/middleware"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
)

func TestAuditHandlers_ListScopedToActiveTenant(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	token := f.login(t, "alice", "")

	w := f.do(t, http.MethodGet, "/audit/entries", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	page := decode[audit.Page](t, w)
	require.NotEmpty(t, page.Entries)
	for _, e := range page.Entries {
		assert.Equal(t, "clinic-a", e.TenantID)
	}

	// The query itself is audited
	reads := f.recorded(t, audit.ActionAuditRead)
	require.Len(t, reads, 1)
	assert.Equal(t, "alice", reads[0].ActorID)
}

func TestAuditHandlers_ForeignTenantLooksMissing(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	token := f.login(t, "alice", "")

	foreign := f.do(t, http.MethodGet, "/audit/entries/b1", token, nil)
	missing := f.do(t, http.MethodGet, "/audit/entries/nope", token, nil)

	assert.Equal(t, http.StatusNotFound, foreign.Code)
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, decode[map[string]interface{}](t, missing)["error"], decode[map[string]interface{}](t, foreign)["error"])
	assert.NotContains(t, foreign.Body.String(), "clinic-b")

	violations := f.recorded(t, audit.ActionScopeViolation)
	require.Len(t, violations, 1)
	assert.Equal(t, audit.SeverityCritical, violations[0].Severity)

	w := f.do(t, http.MethodGet, "/audit/entries?tenant_id=clinic-b", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditHandlers_GetOwnEntry(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	token := f.login(t, "alice", "")

	w := f.do(t, http.MethodGet, "/audit/entries/a1", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a1", decode[audit.Entry](t, w).EventID)
}

func TestAuditHandlers_GetCrossTenant(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "root", rbac.RolePlatformAdmin, "")
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	root := f.login(t, "root", "")

	w := f.do(t, http.MethodGet, "/audit/entries/b1", root, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/audit/entries/b1?cross_tenant=true", root, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "clinic-b", decode[audit.Entry](t, w).TenantID)

	reads := f.recorded(t, audit.ActionAuditRead)
	require.Len(t, reads, 1)
	assert.Equal(t, "true", reads[0].Metadata["cross_tenant"])
	assert.Empty(t, f.recorded(t, audit.ActionCrossTenantRead))

	w = f.do(t, http.MethodGet, "/audit/entries/b1?cross_tenant=true", f.login(t, "alice", ""), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditHandlers_RequiresAuditView(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "rita", rbac.RoleReceptionist, "clinic-a")
	token := f.login(t, "rita", "")

	w := f.do(t, http.MethodGet, "/audit/entries", token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Len(t, f.recorded(t, audit.ActionPermissionDenied), 1)
}

func TestAuditHandlers_InvalidQuery(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	token := f.login(t, "alice", "")

	for _, q := range []string{
		"?limit=abc",
		"?from=yesterday",
		"?severity=LOUD",
		"?after=-1",
		"?from=2026-03-02T10:00:00Z&to=2026-03-02T09:00:00Z",
	} {
		w := f.do(t, http.MethodGet, "/audit/entries"+q, token, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestAuditHandlers_Pagination(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	token := f.login(t, "alice", "")

	w := f.do(t, http.MethodGet, "/audit/entries?limit=1", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[audit.Page](t, w)
	require.Len(t, first.Entries, 1)
	require.NotZero(t, first.NextCursor)

	w = f.do(t, http.MethodGet, "/audit/entries?limit=1&action=patient.read&after="+strconv.FormatInt(first.NextCursor, 10), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[audit.Page](t, w)
	require.Len(t, second.Entries, 1)
	assert.Greater(t, second.Entries[0].Sequence, first.Entries[0].Sequence)
}

func TestAuditHandlers_Correction(t *testing.T) {
	f := newAPIFixture(t)
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	token := f.login(t, "alice", "")

	w := f.do(t, http.MethodPost, "/audit/entries/a1/corrections", token, CorrectionRequest{
		Reason:      "wrong patient recorded",
		Corrections: map[string]interface{}{"target_id": "p-42"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	correction := decode[audit.Entry](t, w)
	assert.Equal(t, "a1", correction.RefersTo)

	// The original is untouched
	original, err := f.audit.Get(t.Context(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "p-a1", original.Target.ID)

	w = f.do(t, http.MethodPost, "/audit/entries/a1/corrections", token, map[string]interface{}{"corrections": map[string]interface{}{"x": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditHandlers_Export(t *testing.T) {
	f := newAPIFixture(t, func(d *Dependencies) {
		d.ExportRateLimit = &middleware.RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2, MaxKeys: 10, IdleTTL: time.Minute}
	})
	f.grant(t, "carol", rbac.RoleComplianceAdmin, "clinic-a")
	token := f.login(t, "carol", "clinic-a")

	w := f.do(t, http.MethodGet, "/audit/export?format=ndjson", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "audit-export.ndjson")

	lines := 0
	sc := bufio.NewScanner(strings.NewReader(w.Body.String()))
	for sc.Scan() {
		assert.Contains(t, sc.Text(), `"tenant_id":"clinic-a"`)
		lines++
	}
	assert.Equal(t, 2, lines)
	assert.Len(t, f.recorded(t, audit.ActionAuditExport), 1)

	// Bad format fails before any output
	w = f.do(t, http.MethodGet, "/audit/export?format=xml", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Burst of two is spent
	w = f.do(t, http.MethodGet, "/audit/export?format=csv", token, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAuditHandlers_ExportRequiresPermission(t *testing.T) {
	f := newAPIFixture(t)
	// clinic_admin can view but not export
	f.grant(t, "alice", rbac.RoleClinicAdmin, "clinic-a")
	token := f.login(t, "alice", "")

	w := f.do(t, http.MethodGet, "/audit/export", token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Content-Disposition"))
}
