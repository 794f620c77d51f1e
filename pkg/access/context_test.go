package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/contextkeys"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
)

type stubGrants struct {
	grants []rbac.Grant
	err    error
}

func (s stubGrants) ListActiveGrants(ctx context.Context, userID string, now time.Time) ([]rbac.Grant, error) {
	return s.grants, s.err
}

func grant(code string, scope rbac.ScopeKind, tenant string, perms ...rbac.Permission) rbac.Grant {
	return rbac.Grant{
		Assignment:  rbac.RoleAssignment{UserID: "u1", RoleID: code, TenantID: tenant},
		RoleCode:    code,
		ScopeKind:   scope,
		Permissions: perms,
	}
}

func liveSession(tenant string) *Session {
	now := time.Now()
	return &Session{ID: "s1", UserID: "u1", ActiveTenantID: tenant, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
}

func TestBuildContext(t *testing.T) {
	twoClinics := []rbac.Grant{
		grant("practitioner", rbac.ScopeMultiTenant, "A", rbac.PatientRead),
		grant("practitioner", rbac.ScopeMultiTenant, "B", rbac.PatientRead, rbac.PatientWrite),
	}

	tests := []struct {
		name       string
		grants     []rbac.Grant
		session    *Session
		opts       BuildOptions
		wantErr    error
		wantTenant string
	}{
		{
			name:       "session tenant is used",
			grants:     twoClinics,
			session:    liveSession("B"),
			wantTenant: "B",
		},
		{
			name:       "single authorized tenant is implied",
			grants:     twoClinics[:1],
			session:    liveSession(""),
			wantTenant: "A",
		},
		{
			name:       "ambiguous tenants leave none active",
			grants:     twoClinics,
			session:    liveSession(""),
			wantTenant: "",
		},
		{
			name:    "ambiguous tenants fail when a tenant is required",
			grants:  twoClinics,
			session: liveSession(""),
			opts:    BuildOptions{RequireTenant: true},
			wantErr: ErrNoTenantContext,
		},
		{
			name:    "unauthorized session tenant is forbidden",
			grants:  twoClinics,
			session: liveSession("C"),
			wantErr: ErrForbidden,
		},
		{
			name:    "nil session",
			grants:  twoClinics,
			session: nil,
			wantErr: ErrUnauthenticated,
		},
		{
			name:    "expired session",
			grants:  twoClinics,
			session: &Session{ID: "s1", UserID: "u1", ExpiresAt: time.Now().Add(-time.Second)},
			wantErr: ErrUnauthenticated,
		},
		{
			name:       "global user may pick any tenant",
			grants:     []rbac.Grant{grant("platform_admin", rbac.ScopeGlobal, "", rbac.AuditView)},
			session:    liveSession("Z"),
			wantTenant: "Z",
		},
		{
			name:       "global user gets no implied tenant",
			grants:     []rbac.Grant{grant("platform_admin", rbac.ScopeGlobal, "", rbac.AuditView)},
			session:    liveSession(""),
			wantTenant: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(stubGrants{grants: tt.grants})
			ac, err := b.BuildContext(context.Background(), tt.session, tt.opts)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, ac)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTenant, ac.ActiveTenant())
			assert.Equal(t, "u1", ac.UserID())
		})
	}
}

func TestBuildContext_GrantLoadFailureDenies(t *testing.T) {
	b := NewBuilder(stubGrants{err: errors.New("db down")})
	_, err := b.BuildContext(context.Background(), liveSession("A"), BuildOptions{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestBuildContext_PermissionsFollowActiveTenant(t *testing.T) {
	b := NewBuilder(stubGrants{grants: []rbac.Grant{
		grant("receptionist", rbac.ScopeSingleTenant, "A", rbac.AppointmentWrite),
		grant("practitioner", rbac.ScopeMultiTenant, "B", rbac.PatientWrite),
	}})

	ac, err := b.BuildContext(context.Background(), liveSession("A"), BuildOptions{})
	require.NoError(t, err)
	assert.True(t, HasPermission(ac, rbac.AppointmentWrite))
	assert.False(t, HasPermission(ac, rbac.PatientWrite))
	assert.Equal(t, []string{"receptionist"}, ac.RoleCodes())

	switched, err := ac.WithActiveTenant("B")
	require.NoError(t, err)
	assert.True(t, HasPermission(switched, rbac.PatientWrite))
	assert.False(t, HasPermission(switched, rbac.AppointmentWrite))
	// the original is untouched
	assert.Equal(t, "A", ac.ActiveTenant())

	_, err = ac.WithActiveTenant("C")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestBuildContext_MetaFromRequestContext(t *testing.T) {
	ctx := contextkeys.WithRequestID(context.Background(), "req-1")
	ctx = contextkeys.WithClient(ctx, "10.0.0.1", "curl/8")

	b := NewBuilder(stubGrants{grants: []rbac.Grant{grant("x", rbac.ScopeSingleTenant, "A")}})
	ac, err := b.BuildContext(ctx, liveSession(""), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, RequestMeta{RequestID: "req-1", IPAddress: "10.0.0.1", UserAgent: "curl/8"}, ac.Meta())
}

func TestContext_NotShared(t *testing.T) {
	b := NewBuilder(stubGrants{grants: []rbac.Grant{grant("x", rbac.ScopeSingleTenant, "A", rbac.PatientRead)}})

	var wg sync.WaitGroup
	contexts := make([]*Context, 8)
	for i := range contexts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ac, err := b.BuildContext(context.Background(), liveSession(""), BuildOptions{})
			if err == nil {
				contexts[i] = ac
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(contexts); i++ {
		require.NotNil(t, contexts[i])
		assert.NotSame(t, contexts[0], contexts[i])
	}

	codes := contexts[0].RoleCodes()
	codes[0] = "mutated"
	assert.Equal(t, []string{"x"}, contexts[0].RoleCodes())
}

func TestFromContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ac := NewContextForTest("u1", "A", nil, RequestMeta{})
	got, ok := FromContext(contextkeys.WithAccess(context.Background(), ac))
	assert.True(t, ok)
	assert.Same(t, ac, got)
}
