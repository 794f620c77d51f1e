package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/storage/postgres"
)

// Repository persists roles and role assignments
type Repository interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)
	GetRoleByCode(ctx context.Context, code string) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	// UpdateRolePermissions replaces a custom role's permissions
	UpdateRolePermissions(ctx context.Context, id string, perms []Permission) (*Role, error)
	DeleteRole(ctx context.Context, id string) error
	// UpsertSystemRole creates or reconciles a role from the system catalog
	UpsertSystemRole(ctx context.Context, role *Role) error

	AssignRole(ctx context.Context, a *RoleAssignment) error
	RevokeRole(ctx context.Context, userID, roleID, tenantID string) error
	ListAssignments(ctx context.Context, userID string) ([]RoleAssignment, error)
	ListActiveGrants(ctx context.Context, userID string, now time.Time) ([]Grant, error)
	PurgeExpiredAssignments(ctx context.Context, now time.Time) (int64, error)
}

// Migrations returns the role schema migrations
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     1,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id TEXT PRIMARY KEY,
					code TEXT NOT NULL UNIQUE,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					scope_kind TEXT NOT NULL CHECK (scope_kind IN ('GLOBAL', 'MULTI_TENANT', 'SINGLE_TENANT')),
					permissions TEXT[] NOT NULL DEFAULT '{}',
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create role_assignments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_assignments (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					tenant_id TEXT NOT NULL DEFAULT '',
					expires_at TIMESTAMPTZ,
					granted_by TEXT NOT NULL DEFAULT '',
					granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (user_id, role_id, tenant_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_assignments_user_id ON role_assignments(user_id);
				CREATE INDEX IF NOT EXISTS idx_role_assignments_expires_at ON role_assignments(expires_at);
			`,
		},
	}
}

// Store handles role persistence in PostgreSQL
type Store struct {
	db     *sql.DB
	logger *observability.Logger
	now    func() time.Time
}

// NewStore creates a new role store. Call Migrate before first use.
func NewStore(db *sql.DB, logger *observability.Logger) *Store {
	return &Store{db: db, logger: observability.OrDefault(logger), now: time.Now}
}

// Migrate applies the role schema
func (s *Store) Migrate(ctx context.Context) error {
	return postgres.Migrate(ctx, s.db, "rbac_migrations", Migrations(), s.logger)
}

const roleColumns = `id, code, name, description, scope_kind, permissions, is_system, created_at, updated_at`

// CreateRole creates a new custom role
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	if err := role.Validate(); err != nil {
		return err
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	now := s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (`+roleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, role.ID, role.Code, role.Name, role.Description, string(role.ScopeKind),
		pq.Array(role.PermissionCodes()), role.IsSystem, now)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrRoleExists, role.Code)
		}
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, id string) (*Role, error) {
	return s.getRole(ctx, "id", id)
}

// GetRoleByCode retrieves a role by its machine code
func (s *Store) GetRoleByCode(ctx context.Context, code string) (*Role, error) {
	return s.getRole(ctx, "code", code)
}

func (s *Store) getRole(ctx context.Context, column, value string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE `+column+` = $1`, value)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles lists all roles, system roles first
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY is_system DESC, code ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// UpdateRolePermissions replaces a custom role's permissions
func (s *Store) UpdateRolePermissions(ctx context.Context, id string, perms []Permission) (*Role, error) {
	if err := ValidatePermissions(perms); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE roles SET permissions = $2, updated_at = $3
		WHERE id = $1 AND is_system = FALSE
	`, id, pq.Array(permissionCodes(perms)), s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to update role: %w", err)
	}
	if err := s.explainNoRows(ctx, res, id); err != nil {
		return nil, err
	}
	return s.GetRole(ctx, id)
}

// DeleteRole deletes a custom role and its assignments
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1 AND is_system = FALSE`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return s.explainNoRows(ctx, res, id)
}

// explainNoRows turns a zero-row mutation into ErrSystemRole or ErrRoleNotFound
func (s *Store) explainNoRows(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	var isSystem bool
	err = s.db.QueryRowContext(ctx, `SELECT is_system FROM roles WHERE id = $1`, id).Scan(&isSystem)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to look up role: %w", err)
	}
	return ErrSystemRole
}

// UpsertSystemRole creates a catalog role or reconciles an existing one
func (s *Store) UpsertSystemRole(ctx context.Context, role *Role) error {
	role.IsSystem = true
	if err := role.Validate(); err != nil {
		return err
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	now := s.now().UTC()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO roles (`+roleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			scope_kind = EXCLUDED.scope_kind,
			permissions = EXCLUDED.permissions,
			is_system = TRUE,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`, role.ID, role.Code, role.Name, role.Description, string(role.ScopeKind),
		pq.Array(role.PermissionCodes()), now).Scan(&role.ID, &role.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert system role %s: %w", role.Code, err)
	}
	role.UpdatedAt = now
	return nil
}

// AssignRole grants a role to a user
func (s *Store) AssignRole(ctx context.Context, a *RoleAssignment) error {
	role, err := s.GetRole(ctx, a.RoleID)
	if err != nil {
		return err
	}
	existing, err := s.ListAssignments(ctx, a.UserID)
	if err != nil {
		return err
	}
	if err := validateAssignment(role, a, existing); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.GrantedAt.IsZero() {
		a.GrantedAt = s.now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO role_assignments (id, user_id, role_id, tenant_id, expires_at, granted_by, granted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.UserID, a.RoleID, a.TenantID, a.ExpiresAt, a.GrantedBy, a.GrantedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrAssignmentExists
		}
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RevokeRole removes an assignment. Revoking an absent assignment is a no-op.
func (s *Store) RevokeRole(ctx context.Context, userID, roleID, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM role_assignments WHERE user_id = $1 AND role_id = $2 AND tenant_id = $3
	`, userID, roleID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	return nil
}

// ListAssignments returns every assignment held by a user, expired included
func (s *Store) ListAssignments(ctx context.Context, userID string) ([]RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, role_id, tenant_id, expires_at, granted_by, granted_at
		FROM role_assignments WHERE user_id = $1 ORDER BY granted_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var out []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		var expires sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.TenantID, &expires, &a.GrantedBy, &a.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			a.ExpiresAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListActiveGrants returns the user's unexpired assignments joined with their roles
func (s *Store) ListActiveGrants(ctx context.Context, userID string, now time.Time) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.user_id, a.role_id, a.tenant_id, a.expires_at, a.granted_by, a.granted_at,
		       r.code, r.scope_kind, r.permissions
		FROM role_assignments a
		JOIN roles r ON r.id = a.role_id
		WHERE a.user_id = $1 AND (a.expires_at IS NULL OR a.expires_at > $2)
	`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var expires sql.NullTime
		var scope string
		var codes []string
		if err := rows.Scan(&g.Assignment.ID, &g.Assignment.UserID, &g.Assignment.RoleID, &g.Assignment.TenantID,
			&expires, &g.Assignment.GrantedBy, &g.Assignment.GrantedAt,
			&g.RoleCode, &scope, pq.Array(&codes)); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			g.Assignment.ExpiresAt = &t
		}
		g.ScopeKind = ScopeKind(scope)
		g.Permissions = s.knownPermissions(g.RoleCode, codes)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// PurgeExpiredAssignments deletes assignments whose expiry has passed
func (s *Store) PurgeExpiredAssignments(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM role_assignments WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired assignments: %w", err)
	}
	return res.RowsAffected()
}

// knownPermissions drops stored codes that are no longer in the catalog
func (s *Store) knownPermissions(roleCode string, codes []string) []Permission {
	perms := make([]Permission, 0, len(codes))
	for _, c := range codes {
		p, err := ParsePermission(c)
		if err != nil {
			s.logger.WithField("role", roleCode).WithField("permission", c).Warn("ignoring unknown stored permission")
			continue
		}
		perms = append(perms, p)
	}
	return perms
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row scanner) (*Role, error) {
	var role Role
	var scope string
	var codes []string
	if err := row.Scan(&role.ID, &role.Code, &role.Name, &role.Description, &scope,
		pq.Array(&codes), &role.IsSystem, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return nil, err
	}
	role.ScopeKind = ScopeKind(scope)
	for _, c := range codes {
		if p, err := ParsePermission(c); err == nil {
			role.Permissions = append(role.Permissions, p)
		}
	}
	return &role, nil
}

// validateAssignment enforces the scope rules of an assignment against the
// user's existing assignments.
func validateAssignment(role *Role, a *RoleAssignment, existing []RoleAssignment) error {
	if a.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrAssignmentInvalid)
	}
	switch role.ScopeKind {
	case ScopeGlobal:
		if a.TenantID != "" {
			return fmt.Errorf("%w: GLOBAL role %s cannot be assigned to a tenant", ErrAssignmentInvalid, role.Code)
		}
	default:
		if a.TenantID == "" {
			return fmt.Errorf("%w: role %s requires a tenant", ErrAssignmentInvalid, role.Code)
		}
	}
	for _, e := range existing {
		if e.RoleID != role.ID {
			continue
		}
		if e.TenantID == a.TenantID {
			return ErrAssignmentExists
		}
		if role.ScopeKind == ScopeSingleTenant {
			return fmt.Errorf("%w: role %s is already held for tenant %s", ErrAssignmentExists, role.Code, e.TenantID)
		}
	}
	return nil
}
