package tenancy

import (
	"context"
	"fmt"
	"sort"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
)

// Operation names the kind of data access being scoped
type Operation string

const (
	OpRead   Operation = "read"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ViolationRecorder receives the security events raised while scoping.
// The audit recorder implements it.
type ViolationRecorder interface {
	// RecordScopeViolation is CRITICAL
	RecordScopeViolation(ctx context.Context, ac *access.Context, v *ViolationError)
	// RecordCrossTenantAccess is WARNING
	RecordCrossTenantAccess(ctx context.Context, ac *access.Context, class string)
	// RecordBypassAttempt is CRITICAL: a create carried a foreign tenant id
	RecordBypassAttempt(ctx context.Context, ac *access.Context, class, forgedTenant string)
}

// ScopedQuery is a read that has passed through WithTenantScope. Only the
// interceptor can build one.
type ScopedQuery struct {
	class Class
	query Query
	// tenants constrains the tenant column; nil with unconstrained set
	// means an audited cross-tenant read.
	tenants       []string
	unconstrained bool
	ac            *access.Context
}

// Class returns the scoped record class
func (q ScopedQuery) Class() Class { return q.class }

// Tenants returns the tenant ids the read is limited to. It is nil for
// unconstrained reads and for global classes.
func (q ScopedQuery) Tenants() []string { return append([]string(nil), q.tenants...) }

// CrossTenant reports whether the read carries no tenant constraint
func (q ScopedQuery) CrossTenant() bool { return q.unconstrained }

// ScopedRecord is a create payload whose tenant column was set by the interceptor
type ScopedRecord struct {
	class  Class
	record Record
}

// Record returns a copy of the payload to be written
func (r ScopedRecord) Record() Record { return r.record.Clone() }

// GuardedFilter is an update or delete target constrained to the active tenant
type GuardedFilter struct {
	class     Class
	filter    Filter
	tenant    string
	operation Operation
	ac        *access.Context
}

// Tenant returns the tenant the mutation is confined to
func (g GuardedFilter) Tenant() string { return g.tenant }

// Interceptor applies tenant scoping to every operation on registered classes
type Interceptor struct {
	registry *Registry
	recorder ViolationRecorder
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// Option configures an Interceptor
type Option func(*Interceptor)

// WithRecorder sets the security event recorder
func WithRecorder(r ViolationRecorder) Option {
	return func(i *Interceptor) { i.recorder = r }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(i *Interceptor) { i.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option {
	return func(i *Interceptor) { i.metrics = m }
}

// NewInterceptor creates an interceptor over the registry
func NewInterceptor(registry *Registry, opts ...Option) *Interceptor {
	i := &Interceptor{registry: registry}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = observability.OrDefault(i.logger)
	return i
}

// Registry returns the class registry
func (i *Interceptor) Registry() *Registry { return i.registry }

// WithTenantScope constrains a read to the caller's tenants. With an active
// tenant the read is limited to it; CrossTenant widens it to the authorized
// set, or removes the constraint for GLOBAL callers holding tenant:cross_read.
func (i *Interceptor) WithTenantScope(ctx context.Context, ac *access.Context, q Query) (ScopedQuery, error) {
	if ac == nil {
		return ScopedQuery{}, access.ErrUnauthenticated
	}
	class, err := i.registry.Lookup(q.Class)
	if err != nil {
		return ScopedQuery{}, err
	}
	if err := q.Filter.validate(); err != nil {
		return ScopedQuery{}, err
	}
	for _, o := range q.OrderBy {
		if !ValidIdentifier(o.Column) {
			return ScopedQuery{}, fmt.Errorf("%w: invalid order column %q", ErrInvalidQuery, o.Column)
		}
	}
	if q.Limit < 0 || q.Offset < 0 {
		return ScopedQuery{}, fmt.Errorf("%w: negative limit or offset", ErrInvalidQuery)
	}

	sq := ScopedQuery{class: class, query: q, ac: ac}
	if !class.TenantScoped() {
		return sq, nil
	}

	authorized := ac.AuthorizedTenants()
	requested := q.Filter.tenantValues(class.TenantColumn)

	switch {
	case q.CrossTenant && authorized.IsAll():
		if !access.HasPermission(ac, rbac.TenantCrossRead) {
			return ScopedQuery{}, fmt.Errorf("%w: cross-tenant read requires %s", access.ErrForbidden, rbac.TenantCrossRead)
		}
		sq.unconstrained = true
		i.logger.WithFields(map[string]interface{}{
			"user_id": ac.UserID(),
			"class":   class.Name,
		}).Warn("cross-tenant read")
		if i.metrics != nil {
			i.metrics.CrossTenantReadsTotal.WithLabelValues(class.Name).Inc()
		}
		if i.recorder != nil {
			i.recorder.RecordCrossTenantAccess(ctx, ac, class.Name)
		}
		return sq, nil
	case q.CrossTenant:
		sq.tenants = authorized.IDs()
	case ac.HasActiveTenant():
		sq.tenants = []string{ac.ActiveTenant()}
	case !authorized.IsAll():
		sq.tenants = authorized.IDs()
	default:
		// GLOBAL without an active tenant and without explicit intent
		return ScopedQuery{}, access.ErrNoTenantContext
	}

	if len(sq.tenants) == 0 {
		return ScopedQuery{}, i.violation(ctx, ac, class, OpRead, requested, "caller has no authorized tenant")
	}
	if outside := notIn(requested, sq.tenants); len(outside) > 0 {
		return ScopedQuery{}, i.violation(ctx, ac, class, OpRead, requested, "filter names a tenant outside the caller's scope")
	}
	return sq, nil
}

// WithTenantAssignment sets the tenant column of a create payload to the
// active tenant, overwriting whatever the caller supplied under any
// spelling of the column.
func (i *Interceptor) WithTenantAssignment(ctx context.Context, ac *access.Context, class string, record Record) (ScopedRecord, error) {
	if ac == nil {
		return ScopedRecord{}, access.ErrUnauthenticated
	}
	c, err := i.registry.Lookup(class)
	if err != nil {
		return ScopedRecord{}, err
	}
	for col := range record {
		if !ValidIdentifier(col) {
			return ScopedRecord{}, fmt.Errorf("%w: invalid column %q", ErrInvalidQuery, col)
		}
	}

	out := record.Clone()
	if !c.TenantScoped() {
		return ScopedRecord{class: c, record: out}, nil
	}
	if !ac.HasActiveTenant() {
		return ScopedRecord{}, access.ErrNoTenantContext
	}

	active := ac.ActiveTenant()
	for col, supplied := range record {
		if !SameColumn(col, c.TenantColumn) {
			continue
		}
		delete(out, col)
		if supplied == nil {
			continue
		}
		forged := fmt.Sprint(supplied)
		if forged != "" && forged != active && !ac.AuthorizedTenants().Contains(forged) {
			i.logger.WithFields(map[string]interface{}{
				"user_id":       ac.UserID(),
				"class":         c.Name,
				"column":        col,
				"active_tenant": active,
				"forged_tenant": forged,
			}).Error("foreign tenant id supplied on create")
			if i.recorder != nil {
				i.recorder.RecordBypassAttempt(ctx, ac, c.Name, forged)
			}
		}
	}
	if col, dup := duplicateColumn(out); dup {
		return ScopedRecord{}, fmt.Errorf("%w: column %q given twice", ErrInvalidQuery, col)
	}
	out[c.TenantColumn] = active
	return ScopedRecord{class: c, record: out}, nil
}

// WithTenantGuard confines an update or delete filter to the active tenant
func (i *Interceptor) WithTenantGuard(ctx context.Context, ac *access.Context, class string, op Operation, filter Filter) (GuardedFilter, error) {
	if ac == nil {
		return GuardedFilter{}, access.ErrUnauthenticated
	}
	if op != OpUpdate && op != OpDelete {
		return GuardedFilter{}, fmt.Errorf("%w: guard applies to update and delete, not %s", ErrInvalidQuery, op)
	}
	c, err := i.registry.Lookup(class)
	if err != nil {
		return GuardedFilter{}, err
	}
	if err := filter.validate(); err != nil {
		return GuardedFilter{}, err
	}
	if len(filter) == 0 {
		return GuardedFilter{}, fmt.Errorf("%w: %s requires a target filter", ErrInvalidQuery, op)
	}

	g := GuardedFilter{class: c, filter: filter, operation: op, ac: ac}
	if !c.TenantScoped() {
		return g, nil
	}

	requested := filter.tenantValues(c.TenantColumn)
	if !ac.HasActiveTenant() {
		return GuardedFilter{}, i.violation(ctx, ac, c, op, requested, "mutation without an active tenant")
	}
	g.tenant = ac.ActiveTenant()
	if outside := notIn(requested, []string{g.tenant}); len(outside) > 0 {
		return GuardedFilter{}, i.violation(ctx, ac, c, op, requested, "target names a tenant other than the active tenant")
	}
	return g, nil
}

func (i *Interceptor) violation(ctx context.Context, ac *access.Context, c Class, op Operation, requested []string, reason string) error {
	v := &ViolationError{
		Class:            c.Name,
		Operation:        op,
		UserID:           ac.UserID(),
		ActiveTenant:     ac.ActiveTenant(),
		RequestedTenants: uniqueSorted(requested),
		Reason:           reason,
	}
	i.report(ctx, ac, v)
	return v
}

func (i *Interceptor) report(ctx context.Context, ac *access.Context, v *ViolationError) {
	i.logger.WithFields(map[string]interface{}{
		"user_id":           v.UserID,
		"class":             v.Class,
		"operation":         string(v.Operation),
		"active_tenant":     v.ActiveTenant,
		"requested_tenants": v.RequestedTenants,
	}).Error(v.Reason)
	if i.metrics != nil {
		i.metrics.ScopeViolationsTotal.WithLabelValues(v.Class, string(v.Operation)).Inc()
	}
	if i.recorder != nil {
		i.recorder.RecordScopeViolation(ctx, ac, v)
	}
}

func notIn(values, allowed []string) []string {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	var out []string
	for _, v := range values {
		if _, ok := set[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
