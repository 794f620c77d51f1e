package access

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/clinicguard/pkg/contextkeys"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
)

// Session is an authenticated login. ActiveTenantID is the clinic the user
// selected; it may be empty.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ActiveTenantID string    `json:"active_tenant_id,omitempty"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
}

// Valid reports whether the session identifies a user and is unexpired at now
func (s *Session) Valid(now time.Time) bool {
	return s != nil && strings.TrimSpace(s.ID) != "" && strings.TrimSpace(s.UserID) != "" &&
		now.Before(s.ExpiresAt)
}

// RequestMeta carries request metadata recorded with audit entries
type RequestMeta struct {
	RequestID string
	IPAddress string
	UserAgent string
}

// Context is the per-request identity and scope. It is immutable: fields are
// unexported, getters return copies, and nothing widens the authorized
// tenants after BuildContext.
type Context struct {
	sessionID    string
	userID       string
	roleCodes    []string
	activeTenant string
	authorized   TenantSet
	permissions  rbac.PermissionSet
	grants       []rbac.Grant
	resolvedAt   time.Time
	meta         RequestMeta
}

// UserID returns the caller's user id
func (c *Context) UserID() string { return c.userID }

// SessionID returns the id of the session the context was built from
func (c *Context) SessionID() string { return c.sessionID }

// ActiveTenant returns the active tenant id, or "" when none resolved
func (c *Context) ActiveTenant() string { return c.activeTenant }

// HasActiveTenant reports whether an active tenant resolved
func (c *Context) HasActiveTenant() bool { return c.activeTenant != "" }

// AuthorizedTenants returns the tenants the caller may act on
func (c *Context) AuthorizedTenants() TenantSet { return c.authorized }

// RoleCodes returns the codes of the roles in effect for the active tenant
func (c *Context) RoleCodes() []string {
	return append([]string(nil), c.roleCodes...)
}

// PermissionCodes returns the effective permission codes
func (c *Context) PermissionCodes() []string { return c.permissions.Codes() }

// Meta returns the request metadata
func (c *Context) Meta() RequestMeta { return c.meta }

// WithActiveTenant returns a copy narrowed to tenant, with permissions
// re-resolved for it. The tenant must already be authorized.
func (c *Context) WithActiveTenant(tenant string) (*Context, error) {
	if !c.authorized.Contains(tenant) {
		return nil, fmt.Errorf("%w: tenant %s is not authorized", ErrForbidden, tenant)
	}
	return newContext(c.sessionID, c.userID, tenant, c.authorized, c.grants, c.resolvedAt, c.meta), nil
}

func newContext(sessionID, userID, tenant string, authorized TenantSet, grants []rbac.Grant, now time.Time, meta RequestMeta) *Context {
	grants = append([]rbac.Grant(nil), grants...)
	return &Context{
		sessionID:    sessionID,
		userID:       userID,
		roleCodes:    rbac.RoleCodes(grants, tenant, now),
		activeTenant: tenant,
		authorized:   authorized,
		permissions:  rbac.Resolve(grants, tenant, now),
		grants:       grants,
		resolvedAt:   now,
		meta:         meta,
	}
}

// NewContextForTest builds a context from explicit grants. Production code
// goes through Builder.BuildContext.
func NewContextForTest(userID, activeTenant string, grants []rbac.Grant, meta RequestMeta) *Context {
	now := time.Now()
	return newContext("test-session", userID, activeTenant, authorizedFrom(grants, now), grants, now, meta)
}

func authorizedFrom(grants []rbac.Grant, now time.Time) TenantSet {
	global, tenants := rbac.AuthorizedTenants(grants, now)
	if global {
		return All()
	}
	return Tenants(tenants...)
}

// GrantSource loads a user's unexpired grants
type GrantSource interface {
	ListActiveGrants(ctx context.Context, userID string, now time.Time) ([]rbac.Grant, error)
}

// BuildOptions controls context construction for one operation
type BuildOptions struct {
	// RequireTenant fails with ErrNoTenantContext when no active tenant resolves
	RequireTenant bool
	Meta          RequestMeta
}

// Builder produces a Context once per request
type Builder struct {
	grants GrantSource
	now    func() time.Time
}

// NewBuilder creates a context builder over the grant source
func NewBuilder(grants GrantSource) *Builder {
	return &Builder{grants: grants, now: time.Now}
}

// BuildContext resolves the caller's tenants and permissions from the
// session. Permissions are computed here, once, and never shared.
func (b *Builder) BuildContext(ctx context.Context, session *Session, opts BuildOptions) (*Context, error) {
	now := b.now()
	if !session.Valid(now) {
		return nil, ErrUnauthenticated
	}

	grants, err := b.grants.ListActiveGrants(ctx, session.UserID, now)
	if err != nil {
		// Unresolvable permissions deny
		return nil, fmt.Errorf("%w: failed to load grants: %v", ErrForbidden, err)
	}

	authorized := authorizedFrom(grants, now)

	active := ""
	switch {
	case session.ActiveTenantID != "":
		if !authorized.Contains(session.ActiveTenantID) {
			return nil, fmt.Errorf("%w: session tenant %s is not authorized", ErrForbidden, session.ActiveTenantID)
		}
		active = session.ActiveTenantID
	case !authorized.IsAll() && authorized.Len() == 1:
		active = authorized.IDs()[0]
	}

	if opts.RequireTenant && active == "" {
		return nil, ErrNoTenantContext
	}

	meta := opts.Meta
	if meta.RequestID == "" {
		meta.RequestID = contextkeys.GetRequestID(ctx)
	}
	if meta.IPAddress == "" {
		meta.IPAddress = contextkeys.GetClientIP(ctx)
	}
	if meta.UserAgent == "" {
		meta.UserAgent = contextkeys.GetUserAgent(ctx)
	}

	return newContext(session.ID, session.UserID, active, authorized, grants, now, meta), nil
}

// FromContext returns the access context stored by the authentication middleware
func FromContext(ctx context.Context) (*Context, bool) {
	ac, ok := ctx.Value(contextkeys.AccessKey).(*Context)
	return ac, ok && ac != nil
}
