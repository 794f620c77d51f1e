package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/rbac"
)

type captureDenials struct {
	denials []Denial
}

func (c *captureDenials) RecordDenial(ctx context.Context, ac *Context, d Denial) {
	c.denials = append(c.denials, d)
}

func TestHasPermission(t *testing.T) {
	ac := NewContextForTest("u1", "A", []rbac.Grant{
		grant("receptionist", rbac.ScopeSingleTenant, "A", rbac.PatientRead),
	}, RequestMeta{})

	assert.True(t, HasPermission(ac, rbac.PatientRead))
	assert.False(t, HasPermission(ac, rbac.PatientDelete))
	assert.False(t, HasPermission(nil, rbac.PatientRead))
	assert.True(t, HasAnyPermission(ac, rbac.AuditView, rbac.PatientRead))
	assert.False(t, HasAnyPermission(ac))
}

func TestAuthorizer_Require(t *testing.T) {
	denials := &captureDenials{}
	authz := NewAuthorizer(denials, nil)
	ac := NewContextForTest("u1", "A", []rbac.Grant{
		grant("receptionist", rbac.ScopeSingleTenant, "A", rbac.PatientRead),
	}, RequestMeta{})

	require.NoError(t, authz.Require(context.Background(), ac, rbac.PatientRead, "patient", "p1"))
	assert.Empty(t, denials.denials)

	err := authz.Require(context.Background(), ac, rbac.PatientDelete, "patient", "p1")
	assert.ErrorIs(t, err, ErrForbidden)
	require.Len(t, denials.denials, 1)
	assert.Equal(t, Denial{Permission: rbac.PatientDelete, Resource: "patient", ResourceID: "p1"}, denials.denials[0])

	assert.ErrorIs(t, authz.Require(context.Background(), nil, rbac.PatientRead, "patient", ""), ErrUnauthenticated)
}

func TestAuthorizer_Authorize(t *testing.T) {
	denials := &captureDenials{}
	authz := NewAuthorizer(denials, nil)
	ac := NewContextForTest("u1", "A", []rbac.Grant{
		grant("practitioner", rbac.ScopeMultiTenant, "A", rbac.PatientRead, rbac.AppointmentWrite),
	}, RequestMeta{})

	assert.True(t, authz.Authorize(context.Background(), ac, rbac.AppointmentWrite, "appointment", "a1"))
	assert.Empty(t, denials.denials)

	assert.False(t, authz.Authorize(context.Background(), ac, rbac.AuditExport, "audit", ""))
	require.Len(t, denials.denials, 1)
	assert.Equal(t, rbac.AuditExport, denials.denials[0].Permission)

	assert.False(t, authz.Authorize(context.Background(), nil, rbac.PatientRead, "patient", ""))
	assert.Len(t, denials.denials, 1)
}

func TestAuthorizer_RequireTenant(t *testing.T) {
	authz := NewAuthorizer(nil, nil)
	global := NewContextForTest("admin", "", []rbac.Grant{
		grant("platform_admin", rbac.ScopeGlobal, "", rbac.AuditView),
	}, RequestMeta{})

	assert.ErrorIs(t, authz.RequireTenant(context.Background(), global, rbac.AuditView, "audit", ""), ErrNoTenantContext)

	scoped, err := global.WithActiveTenant("A")
	require.NoError(t, err)
	assert.NoError(t, authz.RequireTenant(context.Background(), scoped, rbac.AuditView, "audit", ""))
}
