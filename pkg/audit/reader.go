package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
	"github.com/platinummonkey/clinicguard/pkg/tenancy"
)

const (
	// DefaultPageSize applies when a query has no limit
	DefaultPageSize = 100
	// MaxPageSize caps caller-supplied limits
	MaxPageSize = 500

	recordClass = "audit_entry"
)

// Query is a caller's audit log query
type Query struct {
	Filter Filter
	// CrossTenant widens the read to every authorized tenant
	CrossTenant bool
}

// Lookup names a single entry
type Lookup struct {
	EventID string
	// CrossTenant reaches entries of any tenant, under the same rules as Query
	CrossTenant bool
}

// Page is one page of results
type Page struct {
	Entries []Entry `json:"entries"`
	// NextCursor is the AfterSequence for the following page, zero at the end
	NextCursor int64 `json:"next_cursor,omitempty"`
}

// Reader exposes the audit log to authenticated callers. Tenant scoping
// follows the same rules as every other tenant-scoped record, and each
// successful call is itself audited.
type Reader struct {
	store    Store
	recorder *Recorder
	authz    *access.Authorizer
	logger   *observability.Logger
}

// NewReader creates a Reader
func NewReader(store Store, recorder *Recorder, authz *access.Authorizer, logger *observability.Logger) *Reader {
	return &Reader{
		store:    store,
		recorder: recorder,
		authz:    authz,
		logger:   observability.OrDefault(logger).WithField("component", "audit_reader"),
	}
}

// scope is the resolved tenant restriction for one call
type scope struct {
	tenants       []string
	unconstrained bool
	crossTenant   bool
}

func (r *Reader) resolveScope(ctx context.Context, ac *access.Context, requested []string, crossTenant bool) (scope, error) {
	authorized := ac.AuthorizedTenants()
	var s scope

	switch {
	case crossTenant && authorized.IsAll():
		if err := r.authz.Require(ctx, ac, rbac.TenantCrossRead, recordClass, ""); err != nil {
			return scope{}, err
		}
		s = scope{unconstrained: true, crossTenant: true}
		r.logger.WithField("user_id", ac.UserID()).Warn("cross-tenant audit read")
		if len(requested) > 0 {
			s.tenants = requested
			s.unconstrained = false
		}
		return s, nil
	case crossTenant:
		s = scope{tenants: authorized.IDs(), crossTenant: true}
	case ac.HasActiveTenant():
		s = scope{tenants: []string{ac.ActiveTenant()}}
	case !authorized.IsAll():
		s = scope{tenants: authorized.IDs()}
	default:
		return scope{}, access.ErrNoTenantContext
	}

	if len(s.tenants) == 0 {
		return scope{}, r.violation(ctx, ac, requested, "caller has no authorized tenant")
	}
	if len(requested) > 0 {
		allowed := make(map[string]struct{}, len(s.tenants))
		for _, t := range s.tenants {
			allowed[t] = struct{}{}
		}
		for _, t := range requested {
			if _, ok := allowed[t]; !ok {
				return scope{}, r.violation(ctx, ac, requested, "requested tenant outside scope")
			}
		}
		s.tenants = requested
	}
	return s, nil
}

func (r *Reader) violation(ctx context.Context, ac *access.Context, requested []string, reason string) error {
	v := &tenancy.ViolationError{
		Class:            recordClass,
		Operation:        tenancy.OpRead,
		UserID:           ac.UserID(),
		ActiveTenant:     ac.ActiveTenant(),
		RequestedTenants: append([]string(nil), requested...),
		Reason:           reason,
	}
	r.logger.WithError(v).Error("audit log scope violation")
	r.recorder.RecordScopeViolation(ctx, ac, v)
	return v
}

func (s scope) apply(f Filter) Filter {
	if s.unconstrained {
		f.TenantIDs = nil
		f.IncludeSystem = true
		return f
	}
	f.TenantIDs = append([]string(nil), s.tenants...)
	f.IncludeSystem = false
	return f
}

func (s scope) allows(tenant string) bool {
	if s.unconstrained {
		return true
	}
	for _, t := range s.tenants {
		if t == tenant {
			return true
		}
	}
	return false
}

func normalizeLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("%w: negative limit", ErrInvalidFilter)
	case limit == 0:
		return DefaultPageSize, nil
	case limit > MaxPageSize:
		return MaxPageSize, nil
	}
	return limit, nil
}

func validateFilter(f Filter) error {
	if f.AfterSequence < 0 {
		return fmt.Errorf("%w: negative cursor", ErrInvalidFilter)
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return fmt.Errorf("%w: from must be before to", ErrInvalidFilter)
	}
	for _, s := range f.Severities {
		if !s.Valid() {
			return fmt.Errorf("%w: unknown severity %q", ErrInvalidFilter, s)
		}
	}
	return nil
}

// Query returns one page of entries visible to ac
func (r *Reader) Query(ctx context.Context, ac *access.Context, q Query) (Page, error) {
	if err := r.authz.Require(ctx, ac, rbac.AuditView, recordClass, ""); err != nil {
		return Page{}, err
	}
	if err := validateFilter(q.Filter); err != nil {
		return Page{}, err
	}
	limit, err := normalizeLimit(q.Filter.Limit)
	if err != nil {
		return Page{}, err
	}
	s, err := r.resolveScope(ctx, ac, q.Filter.TenantIDs, q.CrossTenant)
	if err != nil {
		return Page{}, err
	}

	f := s.apply(q.Filter)
	f.Limit = limit + 1
	entries, err := r.store.Query(ctx, f)
	if err != nil {
		return Page{}, err
	}

	page := Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.NextCursor = page.Entries[limit-1].Sequence
	}

	r.recordRead(ctx, ac, ActionAuditRead, s, page.Entries, map[string]string{
		"result_count": strconv.Itoa(len(page.Entries)),
	})
	return page, nil
}

// Get returns one entry. An entry outside the caller's scope is a scope
// violation, not a miss.
func (r *Reader) Get(ctx context.Context, ac *access.Context, l Lookup) (Entry, error) {
	if err := r.authz.Require(ctx, ac, rbac.AuditView, recordClass, l.EventID); err != nil {
		return Entry{}, err
	}
	e, s, err := r.load(ctx, ac, l)
	if err != nil {
		return Entry{}, err
	}
	r.recordRead(ctx, ac, ActionAuditRead, s, []Entry{e}, map[string]string{"event_id": l.EventID})
	return e, nil
}

func (r *Reader) load(ctx context.Context, ac *access.Context, l Lookup) (Entry, scope, error) {
	s, err := r.resolveScope(ctx, ac, nil, l.CrossTenant)
	if err != nil {
		return Entry{}, scope{}, err
	}
	e, err := r.store.Get(ctx, l.EventID)
	if err != nil {
		return Entry{}, scope{}, err
	}
	if !s.allows(e.TenantID) {
		return Entry{}, scope{}, r.violation(ctx, ac, []string{e.TenantID}, "entry belongs to another tenant")
	}
	return *e, s, nil
}

// Export streams every matching entry to w and returns the count written
func (r *Reader) Export(ctx context.Context, ac *access.Context, q Query, format Format, w io.Writer) (int, error) {
	if err := r.authz.Require(ctx, ac, rbac.AuditExport, recordClass, ""); err != nil {
		return 0, err
	}
	if err := validateFilter(q.Filter); err != nil {
		return 0, err
	}
	enc, err := NewEncoder(format, w)
	if err != nil {
		return 0, err
	}
	s, err := r.resolveScope(ctx, ac, q.Filter.TenantIDs, q.CrossTenant)
	if err != nil {
		return 0, err
	}

	f := s.apply(q.Filter)
	max := q.Filter.Limit
	count := 0
	protected := false
	for {
		f.Limit = MaxPageSize
		if max > 0 && max-count < MaxPageSize {
			f.Limit = max - count
		}
		entries, err := r.store.Query(ctx, f)
		if err != nil {
			return count, err
		}
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return count, err
			}
			protected = protected || e.ProtectedData
			count++
		}
		if len(entries) < f.Limit || (max > 0 && count >= max) {
			break
		}
		f.AfterSequence = entries[len(entries)-1].Sequence
	}
	if err := enc.Close(); err != nil {
		return count, err
	}

	sens := NotProtected()
	if protected {
		sens = Protected("audit_export")
	}
	severity := SeverityInfo
	if s.crossTenant {
		severity = SeverityWarning
	}
	r.recorder.Record(ctx, ac, EventSpec{
		Action:      ActionAuditExport,
		Category:    CategoryAccess,
		Severity:    severity,
		Target:      Target{Type: recordClass},
		Sensitivity: sens,
		Metadata: map[string]string{
			"format":       string(format),
			"result_count": strconv.Itoa(count),
			"cross_tenant": strconv.FormatBool(s.crossTenant),
		},
	})
	return count, nil
}

// Correct appends an entry amending the looked up one. The original is
// never changed.
func (r *Reader) Correct(ctx context.Context, ac *access.Context, l Lookup, reason string, corrections map[string]interface{}) (Entry, error) {
	if err := r.authz.Require(ctx, ac, rbac.AuditAnnotate, recordClass, l.EventID); err != nil {
		return Entry{}, err
	}
	if reason == "" {
		return Entry{}, fmt.Errorf("%w: correction reason is required", ErrInvalidFilter)
	}
	original, s, err := r.load(ctx, ac, l)
	if err != nil {
		return Entry{}, err
	}

	sens := NotProtected()
	if original.ProtectedData {
		sens = Protected(original.ProtectedCategories...)
	}
	severity := SeverityInfo
	var meta map[string]string
	if s.crossTenant {
		severity = SeverityWarning
		meta = map[string]string{"cross_tenant": "true"}
	}
	e := r.recorder.RecordEntry(ctx, ac, EventSpec{
		Action:        ActionAuditCorrection,
		Category:      CategoryAdministration,
		Severity:      severity,
		Metadata:      meta,
		Target:        original.Target,
		TenantID:      original.TenantID,
		After:         corrections,
		Sensitivity:   sens,
		OutcomeReason: reason,
		RefersTo:      original.EventID,
	})
	return e, nil
}

func (r *Reader) recordRead(ctx context.Context, ac *access.Context, action string, s scope, entries []Entry, meta map[string]string) {
	protected := false
	for _, e := range entries {
		if e.ProtectedData {
			protected = true
			break
		}
	}
	sens := NotProtected()
	if protected {
		sens = Protected("audit_read")
	}
	severity := SeverityInfo
	if s.crossTenant {
		severity = SeverityWarning
		meta["cross_tenant"] = "true"
	}
	r.recorder.Record(ctx, ac, EventSpec{
		Action:      action,
		Category:    CategoryAccess,
		Severity:    severity,
		Target:      Target{Type: recordClass},
		Sensitivity: sens,
		Metadata:    meta,
	})
}

// IsNotFound reports whether err is a miss rather than a refusal
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
