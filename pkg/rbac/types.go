package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Resource represents a resource type in the system
type Resource string

const (
	ResourcePatient         Resource = "patient"
	ResourceAppointment     Resource = "appointment"
	ResourceAudit           Resource = "audit"
	ResourceRetentionPolicy Resource = "retention:policy"
	ResourceRetentionAction Resource = "retention:action"
	ResourceLegalHold       Resource = "legalhold"
	ResourceRole            Resource = "role"
	ResourceTenant          Resource = "tenant"
)

// Action represents an action that can be performed on a resource
type Action string

const (
	ActionRead      Action = "read"
	ActionWrite     Action = "write"
	ActionDelete    Action = "delete"
	ActionView      Action = "view"
	ActionAnnotate  Action = "annotate"
	ActionExport    Action = "export"
	ActionManage    Action = "manage"
	ActionApprove   Action = "approve"
	ActionExecute   Action = "execute"
	ActionCrossRead Action = "cross_read"
)

// Permission represents a specific permission (resource + action)
type Permission struct {
	Resource Resource `json:"resource" yaml:"resource"`
	Action   Action   `json:"action" yaml:"action"`
}

// String returns the permission code, e.g. "audit:view"
func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action)
}

// The closed permission catalog. Call sites check these values through
// access.HasPermission and never compare role codes.
var (
	PatientRead            = Permission{ResourcePatient, ActionRead}
	PatientWrite           = Permission{ResourcePatient, ActionWrite}
	PatientDelete          = Permission{ResourcePatient, ActionDelete}
	AppointmentRead        = Permission{ResourceAppointment, ActionRead}
	AppointmentWrite       = Permission{ResourceAppointment, ActionWrite}
	AuditView              = Permission{ResourceAudit, ActionView}
	AuditAnnotate          = Permission{ResourceAudit, ActionAnnotate}
	AuditExport            = Permission{ResourceAudit, ActionExport}
	RetentionPolicyManage  = Permission{ResourceRetentionPolicy, ActionManage}
	RetentionActionView    = Permission{ResourceRetentionAction, ActionView}
	RetentionActionApprove = Permission{ResourceRetentionAction, ActionApprove}
	RetentionActionExecute = Permission{ResourceRetentionAction, ActionExecute}
	LegalHoldManage        = Permission{ResourceLegalHold, ActionManage}
	RoleManage             = Permission{ResourceRole, ActionManage}
	TenantCrossRead        = Permission{ResourceTenant, ActionCrossRead}
)

var catalog = []Permission{
	PatientRead, PatientWrite, PatientDelete,
	AppointmentRead, AppointmentWrite,
	AuditView, AuditAnnotate, AuditExport,
	RetentionPolicyManage, RetentionActionView, RetentionActionApprove, RetentionActionExecute,
	LegalHoldManage, RoleManage, TenantCrossRead,
}

var catalogIndex = func() map[string]Permission {
	idx := make(map[string]Permission, len(catalog))
	for _, p := range catalog {
		idx[p.String()] = p
	}
	return idx
}()

// Catalog returns every known permission
func Catalog() []Permission {
	out := make([]Permission, len(catalog))
	copy(out, catalog)
	return out
}

// ParsePermission resolves a permission code such as "retention:policy:manage"
// against the catalog.
func ParsePermission(code string) (Permission, error) {
	code = strings.TrimSpace(code)
	if p, ok := catalogIndex[code]; ok {
		return p, nil
	}
	return Permission{}, fmt.Errorf("%w: %q", ErrUnknownPermission, code)
}

// ParsePermissions resolves a list of codes, failing on the first unknown one
func ParsePermissions(codes []string) ([]Permission, error) {
	out := make([]Permission, 0, len(codes))
	for _, c := range codes {
		p, err := ParsePermission(c)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// PermissionSet is an immutable set of permissions
type PermissionSet struct {
	codes map[string]struct{}
}

// NewPermissionSet builds a set from the given permissions
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := PermissionSet{codes: make(map[string]struct{}, len(perms))}
	for _, p := range perms {
		s.codes[p.String()] = struct{}{}
	}
	return s
}

// Has reports whether p is in the set
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s.codes[p.String()]
	return ok
}

// Len returns the number of permissions
func (s PermissionSet) Len() int {
	return len(s.codes)
}

// Codes returns the sorted permission codes
func (s PermissionSet) Codes() []string {
	out := make([]string, 0, len(s.codes))
	for c := range s.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both sets hold the same permissions
func (s PermissionSet) Equal(other PermissionSet) bool {
	if len(s.codes) != len(other.codes) {
		return false
	}
	for c := range s.codes {
		if _, ok := other.codes[c]; !ok {
			return false
		}
	}
	return true
}

// ScopeKind is the breadth of tenants a role may act across
type ScopeKind string

const (
	ScopeGlobal       ScopeKind = "GLOBAL"
	ScopeMultiTenant  ScopeKind = "MULTI_TENANT"
	ScopeSingleTenant ScopeKind = "SINGLE_TENANT"
)

// Valid reports whether k is a known scope kind
func (k ScopeKind) Valid() bool {
	switch k {
	case ScopeGlobal, ScopeMultiTenant, ScopeSingleTenant:
		return true
	}
	return false
}

// Role represents a role with an ordered set of permissions
type Role struct {
	ID          string       `json:"id"`
	Code        string       `json:"code"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	ScopeKind   ScopeKind    `json:"scope_kind"`
	Permissions []Permission `json:"permissions"`
	IsSystem    bool         `json:"is_system"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Validate checks structural invariants of a role definition
func (r Role) Validate() error {
	if strings.TrimSpace(r.Code) == "" {
		return errors.New("role code is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("role name is required")
	}
	if !r.ScopeKind.Valid() {
		return fmt.Errorf("invalid scope kind %q", r.ScopeKind)
	}
	return ValidatePermissions(r.Permissions)
}

// ValidatePermissions rejects permissions outside the catalog
func ValidatePermissions(perms []Permission) error {
	for _, p := range perms {
		if _, ok := catalogIndex[p.String()]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPermission, p.String())
		}
	}
	return nil
}

func permissionCodes(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}

// PermissionCodes returns the role's permission codes in order
func (r Role) PermissionCodes() []string {
	return permissionCodes(r.Permissions)
}

// RoleAssignment binds a role to a user within a tenant. GLOBAL roles are
// assigned with an empty TenantID.
type RoleAssignment struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	RoleID    string     `json:"role_id"`
	TenantID  string     `json:"tenant_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	GrantedBy string     `json:"granted_by,omitempty"`
	GrantedAt time.Time  `json:"granted_at"`
}

// Active reports whether the assignment is unexpired at now
func (a RoleAssignment) Active(now time.Time) bool {
	return a.ExpiresAt == nil || now.Before(*a.ExpiresAt)
}

// Grant is an assignment joined with the role it grants
type Grant struct {
	Assignment  RoleAssignment
	RoleCode    string
	ScopeKind   ScopeKind
	Permissions []Permission
}

// Errors returned by the role store and catalog
var (
	ErrUnknownPermission = errors.New("unknown permission")
	ErrRoleNotFound      = errors.New("role not found")
	ErrRoleExists        = errors.New("role already exists")
	ErrSystemRole        = errors.New("system roles cannot be modified or deleted")
	ErrAssignmentExists  = errors.New("role assignment already exists")
	ErrAssignmentInvalid = errors.New("invalid role assignment")
)
