package rbac

import (
	"sort"
	"time"
)

// Resolve computes the effective permission set for a caller acting in
// activeTenant: the union of permissions across every unexpired grant that
// is GLOBAL or assigned for activeTenant. Permissions never subtract. An
// empty activeTenant matches GLOBAL grants only.
func Resolve(grants []Grant, activeTenant string, now time.Time) PermissionSet {
	var perms []Permission
	for _, g := range grants {
		if !applies(g, activeTenant, now) {
			continue
		}
		perms = append(perms, g.Permissions...)
	}
	return NewPermissionSet(perms...)
}

// RoleCodes returns the sorted, distinct codes of the roles that apply in
// activeTenant.
func RoleCodes(grants []Grant, activeTenant string, now time.Time) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, g := range grants {
		if !applies(g, activeTenant, now) {
			continue
		}
		if _, ok := seen[g.RoleCode]; ok {
			continue
		}
		seen[g.RoleCode] = struct{}{}
		out = append(out, g.RoleCode)
	}
	sort.Strings(out)
	return out
}

// AuthorizedTenants returns the tenants a caller may act on. global is true
// when any unexpired GLOBAL grant exists, in which case tenants is nil and
// the caller must go through an explicit cross-tenant path to use it.
func AuthorizedTenants(grants []Grant, now time.Time) (global bool, tenants []string) {
	seen := make(map[string]struct{})
	for _, g := range grants {
		if !g.Assignment.Active(now) {
			continue
		}
		if g.ScopeKind == ScopeGlobal {
			global = true
			continue
		}
		if g.Assignment.TenantID == "" {
			// A tenant-scoped role without a tenant authorizes nothing
			continue
		}
		if _, ok := seen[g.Assignment.TenantID]; !ok {
			seen[g.Assignment.TenantID] = struct{}{}
			tenants = append(tenants, g.Assignment.TenantID)
		}
	}
	if global {
		return true, nil
	}
	sort.Strings(tenants)
	return false, tenants
}

func applies(g Grant, activeTenant string, now time.Time) bool {
	if !g.Assignment.Active(now) {
		return false
	}
	if g.ScopeKind == ScopeGlobal {
		return true
	}
	return activeTenant != "" && g.Assignment.TenantID == activeTenant
}
