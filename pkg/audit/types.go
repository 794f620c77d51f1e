package audit

import (
	"encoding/json"
	"time"
)

// Severity classifies an entry for alerting and review
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Category groups entries by the kind of event
type Category string

const (
	CategoryAccess         Category = "access"
	CategoryMutation       Category = "mutation"
	CategorySecurity       Category = "security"
	CategoryRetention      Category = "retention"
	CategoryAdministration Category = "administration"
)

// Outcome is the result of the audited operation
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Actor types
const (
	ActorUser   = "user"
	ActorSystem = "system"
)

// SystemActorID identifies entries written by the platform itself
const SystemActorID = "system"

// Common action codes
const (
	ActionPermissionDenied   = "authz.permission_denied"
	ActionScopeViolation     = "tenancy.scope_violation"
	ActionCrossTenantRead    = "tenancy.cross_tenant_read"
	ActionBypassAttempt      = "tenancy.tenant_bypass_attempt"
	ActionAuditRead          = "audit.read"
	ActionAuditExport        = "audit.export"
	ActionAuditCorrection    = "audit.correction"
	ActionSensitivityUnknown = "audit.sensitivity_undeclared"
)

// Sensitivity is the caller's declaration of whether an event touches
// protected personal data. The zero value is undeclared.
type Sensitivity struct {
	declared   bool
	protected  bool
	categories []string
}

// NotProtected declares that the event touches no protected data
func NotProtected() Sensitivity {
	return Sensitivity{declared: true}
}

// Protected declares protected data of the given categories
func Protected(categories ...string) Sensitivity {
	return Sensitivity{declared: true, protected: true, categories: append([]string(nil), categories...)}
}

// Declared reports whether the caller made a determination
func (s Sensitivity) Declared() bool { return s.declared }

// Target identifies the entity an event is about
type Target struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Entry is one immutable audit record
type Entry struct {
	EventID  string `json:"event_id"`
	Sequence int64  `json:"sequence,omitempty"`
	// Timestamp is server-assigned and strictly increasing per recorder
	Timestamp time.Time `json:"timestamp"`

	ActorType string `json:"actor_type"`
	ActorID   string `json:"actor_id"`

	Action   string   `json:"action"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Target   Target   `json:"target"`

	// TenantID is empty only for system events that legitimately span tenants
	TenantID string `json:"tenant_id,omitempty"`

	ProtectedData       bool     `json:"protected_data"`
	ProtectedCategories []string `json:"protected_categories,omitempty"`

	Outcome       Outcome `json:"outcome"`
	OutcomeReason string  `json:"outcome_reason,omitempty"`

	Before   map[string]interface{} `json:"before,omitempty"`
	After    map[string]interface{} `json:"after,omitempty"`
	Metadata map[string]string      `json:"metadata,omitempty"`

	// RefersTo is the event id a correction amends
	RefersTo string `json:"refers_to,omitempty"`
	// RetentionExempt entries are never destroyed by retention
	RetentionExempt bool `json:"retention_exempt,omitempty"`
}

// Clone returns a deep copy so stored entries cannot be mutated through
// returned values.
func (e Entry) Clone() Entry {
	out := e
	out.ProtectedCategories = append([]string(nil), e.ProtectedCategories...)
	out.Before = cloneMap(e.Before)
	out.After = cloneMap(e.After)
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	// JSON round trip gives a deep copy of arbitrary snapshot values
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// EventSpec is what a caller declares when recording an event
type EventSpec struct {
	Action   string
	Category Category
	// Severity defaults to INFO
	Severity Severity
	Target   Target
	// TenantID overrides the tenant for system events; user events default
	// to the caller's active tenant
	TenantID      string
	Before        map[string]interface{}
	After         map[string]interface{}
	Sensitivity   Sensitivity
	Outcome       Outcome
	OutcomeReason string
	Metadata      map[string]string
	RefersTo      string
	// RetentionExempt marks entries such as destruction certificates
	RetentionExempt bool
}

// Filter selects entries from a Store. Results are ordered by sequence.
type Filter struct {
	ActorID    string
	TargetType string
	TargetID   string
	Action     string
	Severities []Severity
	// TenantIDs restricts to these tenants; nil means no tenant restriction
	TenantIDs []string
	// IncludeSystem also matches entries without a tenant when TenantIDs is set
	IncludeSystem bool
	// From is inclusive, To exclusive
	From *time.Time
	To   *time.Time
	// AfterSequence is the keyset cursor
	AfterSequence int64
	Limit         int
}

// Batch is one tenant's entries for one calendar month (UTC)
type Batch struct {
	TenantID string
	Month    time.Time // first instant of the month
	Count    int64
	Latest   time.Time
}

// Key returns a stable identifier such as "clinic-a/2019-03"
func (b Batch) Key() string {
	tenant := b.TenantID
	if tenant == "" {
		tenant = "_system"
	}
	return tenant + "/" + b.Month.Format("2006-01")
}

// End returns the first instant after the batch month
func (b Batch) End() time.Time {
	return b.Month.AddDate(0, 1, 0)
}

// MonthOf truncates t to the first instant of its UTC month
func MonthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
