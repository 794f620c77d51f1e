package tenancy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether name is safe to splice into SQL as a
// table or column name.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// SameColumn reports whether two identifiers name the same column. Both
// SQLite and PostgreSQL fold unquoted identifiers, so TENANT_ID and
// tenant_id are one column.
func SameColumn(a, b string) bool {
	return strings.EqualFold(a, b)
}

// duplicateColumn returns a column of r that case-folds to another one
func duplicateColumn(r Record) (string, bool) {
	seen := make(map[string]struct{}, len(r))
	for col := range r {
		key := strings.ToLower(col)
		if _, ok := seen[key]; ok {
			return col, true
		}
		seen[key] = struct{}{}
	}
	return "", false
}

// Class describes how a record class is stored and scoped
type Class struct {
	Name         string
	Table        string
	IDColumn     string
	TenantColumn string // empty for global classes
}

// TenantScoped reports whether rows of the class belong to a tenant
func (c Class) TenantScoped() bool {
	return c.TenantColumn != ""
}

// Registry records which classes are tenant-scoped and which are global.
// Classes absent from the registry are refused.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]Class
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]Class)}
}

// RegisterTenantScoped registers a class whose rows carry a tenant column
func (r *Registry) RegisterTenantScoped(name, table, tenantColumn string) error {
	if !ValidIdentifier(tenantColumn) {
		return fmt.Errorf("%w: invalid tenant column %q", ErrInvalidQuery, tenantColumn)
	}
	return r.register(Class{Name: name, Table: table, IDColumn: "id", TenantColumn: tenantColumn})
}

// RegisterGlobal registers a class that is shared across tenants
func (r *Registry) RegisterGlobal(name, table string) error {
	return r.register(Class{Name: name, Table: table, IDColumn: "id"})
}

// Register adds a fully described class
func (r *Registry) Register(c Class) error {
	if c.TenantColumn != "" && !ValidIdentifier(c.TenantColumn) {
		return fmt.Errorf("%w: invalid tenant column %q", ErrInvalidQuery, c.TenantColumn)
	}
	if c.IDColumn == "" {
		c.IDColumn = "id"
	}
	return r.register(c)
}

func (r *Registry) register(c Class) error {
	if c.Name == "" {
		return fmt.Errorf("%w: class name is required", ErrInvalidQuery)
	}
	if !ValidIdentifier(c.Table) || !ValidIdentifier(c.IDColumn) {
		return fmt.Errorf("%w: invalid table or id column for class %s", ErrInvalidQuery, c.Name)
	}
	if c.TenantColumn != "" && SameColumn(c.TenantColumn, c.IDColumn) {
		return fmt.Errorf("%w: tenant column of class %s is its id column", ErrInvalidQuery, c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.classes[c.Name]; ok && existing != c {
		return fmt.Errorf("class %s already registered with a different layout", c.Name)
	}
	r.classes[c.Name] = c
	return nil
}

// Lookup returns the class or ErrUnregisteredClass
func (r *Registry) Lookup(name string) (Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	if !ok {
		return Class{}, fmt.Errorf("%w: %s", ErrUnregisteredClass, name)
	}
	return c, nil
}

// Names returns the registered class names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
