package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Repository for tests and single-node tools
type MemoryStore struct {
	mu          sync.RWMutex
	roles       map[string]Role
	assignments map[string]RoleAssignment
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory repository
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:       make(map[string]Role),
		assignments: make(map[string]RoleAssignment),
		now:         time.Now,
	}
}

func cloneRole(r Role) Role {
	r.Permissions = append([]Permission(nil), r.Permissions...)
	return r
}

func (m *MemoryStore) CreateRole(ctx context.Context, role *Role) error {
	if err := role.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.roles {
		if r.Code == role.Code {
			return fmt.Errorf("%w: %s", ErrRoleExists, role.Code)
		}
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	now := m.now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now
	m.roles[role.ID] = cloneRole(*role)
	return nil
}

func (m *MemoryStore) GetRole(ctx context.Context, id string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}
	r = cloneRole(r)
	return &r, nil
}

func (m *MemoryStore) GetRoleByCode(ctx context.Context, code string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.roles {
		if r.Code == code {
			r = cloneRole(r)
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, code)
}

func (m *MemoryStore) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsSystem != out[j].IsSystem {
			return out[i].IsSystem
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (m *MemoryStore) UpdateRolePermissions(ctx context.Context, id string, perms []Permission) (*Role, error) {
	if err := ValidatePermissions(perms); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}
	if r.IsSystem {
		return nil, ErrSystemRole
	}
	r.Permissions = append([]Permission(nil), perms...)
	r.UpdatedAt = m.now().UTC()
	m.roles[id] = r
	r = cloneRole(r)
	return &r, nil
}

func (m *MemoryStore) DeleteRole(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.roles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}
	if r.IsSystem {
		return ErrSystemRole
	}
	delete(m.roles, id)
	for aid, a := range m.assignments {
		if a.RoleID == id {
			delete(m.assignments, aid)
		}
	}
	return nil
}

func (m *MemoryStore) UpsertSystemRole(ctx context.Context, role *Role) error {
	role.IsSystem = true
	if err := role.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	for id, r := range m.roles {
		if r.Code == role.Code {
			role.ID = id
			role.CreatedAt = r.CreatedAt
			role.UpdatedAt = now
			m.roles[id] = cloneRole(*role)
			return nil
		}
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	role.CreatedAt, role.UpdatedAt = now, now
	m.roles[role.ID] = cloneRole(*role)
	return nil
}

func (m *MemoryStore) AssignRole(ctx context.Context, a *RoleAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	role, ok := m.roles[a.RoleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, a.RoleID)
	}
	if err := validateAssignment(&role, a, m.assignmentsFor(a.UserID)); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.GrantedAt.IsZero() {
		a.GrantedAt = m.now().UTC()
	}
	m.assignments[a.ID] = *a
	return nil
}

func (m *MemoryStore) RevokeRole(ctx context.Context, userID, roleID, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, a := range m.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.TenantID == tenantID {
			delete(m.assignments, id)
		}
	}
	return nil
}

func (m *MemoryStore) ListAssignments(ctx context.Context, userID string) ([]RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.assignmentsFor(userID), nil
}

func (m *MemoryStore) assignmentsFor(userID string) []RoleAssignment {
	var out []RoleAssignment
	for _, a := range m.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out
}

func (m *MemoryStore) ListActiveGrants(ctx context.Context, userID string, now time.Time) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var grants []Grant
	for _, a := range m.assignmentsFor(userID) {
		if !a.Active(now) {
			continue
		}
		r, ok := m.roles[a.RoleID]
		if !ok {
			continue
		}
		grants = append(grants, Grant{
			Assignment:  a,
			RoleCode:    r.Code,
			ScopeKind:   r.ScopeKind,
			Permissions: append([]Permission(nil), r.Permissions...),
		})
	}
	return grants, nil
}

func (m *MemoryStore) PurgeExpiredAssignments(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, a := range m.assignments {
		if !a.Active(now) {
			delete(m.assignments, id)
			n++
		}
	}
	return n, nil
}
