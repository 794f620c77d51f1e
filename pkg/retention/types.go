package retention

import (
	"fmt"
	"strings"
	"time"
)

// Basis selects which date a retention period counts from
type Basis string

const (
	BasisCreated      Basis = "CREATED"
	BasisLastActivity Basis = "LAST_ACTIVITY"
)

// State is a record set's position in the retention lifecycle
type State string

const (
	StateActive             State = "ACTIVE"
	StateArchived           State = "ARCHIVED"
	StatePendingDestruction State = "PENDING_DESTRUCTION"
	StateDestroyed          State = "DESTROYED"
)

// Terminal reports whether no further transition exists
func (s State) Terminal() bool { return s == StateDestroyed }

// ActionType is the kind of retention work
type ActionType string

const (
	ActionArchive     ActionType = "ARCHIVE"
	ActionDestruction ActionType = "DESTRUCTION"
	ActionHold        ActionType = "HOLD"
	ActionRelease     ActionType = "RELEASE"
)

// ActionStatus tracks an action through approval and execution
type ActionStatus string

const (
	StatusAwaitingApproval ActionStatus = "AWAITING_APPROVAL"
	StatusApproved         ActionStatus = "APPROVED"
	StatusDeferred         ActionStatus = "DEFERRED"
	StatusExecuted         ActionStatus = "EXECUTED"
	StatusCancelled        ActionStatus = "CANCELLED"
	StatusFailed           ActionStatus = "FAILED"
)

// Year is the calendar-independent year used for retention periods
const Year = 365 * 24 * time.Hour

// Policy governs one record class. It never destroys anything directly.
type Policy struct {
	ID                string        `json:"id"`
	RecordClass       string        `json:"record_class" validate:"required"`
	RetentionDuration time.Duration `json:"retention_duration" validate:"required,gt=0"`
	Basis             Basis         `json:"basis" validate:"required,oneof=CREATED LAST_ACTIVITY"`
	// ArchiveOffset is how long after the basis date a set is archived
	ArchiveOffset     time.Duration `json:"archive_offset" validate:"gte=0"`
	DestructionMethod string        `json:"destruction_method" validate:"required"`
	Description       string        `json:"description,omitempty"`
	Version           int64         `json:"version"`
	CreatedBy         string        `json:"created_by,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Validate checks the policy's internal consistency
func (p *Policy) Validate() error {
	switch {
	case strings.TrimSpace(p.RecordClass) == "":
		return fmt.Errorf("%w: record class is required", ErrInvalidPolicy)
	case p.RetentionDuration <= 0:
		return fmt.Errorf("%w: retention duration must be positive", ErrInvalidPolicy)
	case p.ArchiveOffset < 0 || p.ArchiveOffset > p.RetentionDuration:
		return fmt.Errorf("%w: archive offset must be between zero and the retention duration", ErrInvalidPolicy)
	case p.Basis != BasisCreated && p.Basis != BasisLastActivity:
		return fmt.Errorf("%w: unknown basis %q", ErrInvalidPolicy, p.Basis)
	case strings.TrimSpace(p.DestructionMethod) == "":
		return fmt.Errorf("%w: destruction method is required", ErrInvalidPolicy)
	}
	return nil
}

// RecordSet is the unit the state machine walks: one tenant's records of one
// class for one period (an audit batch is a tenant-month).
type RecordSet struct {
	ID          string `json:"id"`
	RecordClass string `json:"record_class"`
	TenantID    string `json:"tenant_id,omitempty"`
	// Key identifies the set within its source, e.g. "clinic-a/2019-03"
	Key       string `json:"key"`
	SubjectID string `json:"subject_id,omitempty"`
	// PeriodStart and PeriodEnd bound the records the set contains
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	CreatedDate time.Time `json:"created_date"`
	// LastActivity is the most recent record in the set
	LastActivity    time.Time `json:"last_activity"`
	RecordCount     int64     `json:"record_count"`
	State           State     `json:"state"`
	ArchiveLocation string    `json:"archive_location,omitempty"`
	Version         int64     `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BasisDate returns the date p counts from for this set
func (s RecordSet) BasisDate(b Basis) time.Time {
	if b == BasisLastActivity && !s.LastActivity.IsZero() {
		return s.LastActivity
	}
	return s.CreatedDate
}

// Approval records the human step that makes a destruction executable
type Approval struct {
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
	Note       string    `json:"note,omitempty"`
}

// Witness is the certification metadata a destruction requires
type Witness struct {
	WitnessID string `json:"witness_id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Statement string `json:"statement,omitempty"`
}

// Result is what an execution attempt produced
type Result struct {
	Message        string     `json:"message,omitempty"`
	DestroyedCount int64      `json:"destroyed_count,omitempty"`
	CertificateID  string     `json:"certificate_id,omitempty"`
	HoldID         string     `json:"hold_id,omitempty"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	// PendingCount and PurgeStartedAt are set once a destruction is
	// committed to; the purge may already have run.
	PendingCount   int64      `json:"pending_count,omitempty"`
	PurgeStartedAt *time.Time `json:"purge_started_at,omitempty"`
}

// deferredBy returns the result of a hold deferral, keeping any purge
// already under way.
func (r *Result) deferredBy(holdID string) *Result {
	out := &Result{Message: "deferred by legal hold", HoldID: holdID}
	if r != nil && r.PurgeStartedAt != nil {
		out.CertificateID = r.CertificateID
		out.PendingCount = r.PendingCount
		out.PurgeStartedAt = r.PurgeStartedAt
	}
	return out
}

// Action is a scheduled or executed unit of retention work
type Action struct {
	ID          string       `json:"id"`
	Type        ActionType   `json:"type"`
	RecordSetID string       `json:"record_set_id"`
	RecordClass string       `json:"record_class"`
	TenantID    string       `json:"tenant_id,omitempty"`
	PolicyID    string       `json:"policy_id,omitempty"`
	Status      ActionStatus `json:"status"`
	Approval    *Approval    `json:"approval,omitempty"`
	// LegalHoldCleared is set only by the hold check at execution time
	LegalHoldCleared bool       `json:"legal_hold_cleared"`
	Witness          *Witness   `json:"witness,omitempty"`
	Result           *Result    `json:"result,omitempty"`
	Attempts         int        `json:"attempts"`
	NextEvaluationAt *time.Time `json:"next_evaluation_at,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// purgeStarted reports whether an execution got past its checks
func (a Action) purgeStarted() bool {
	return a.Result != nil && a.Result.PurgeStartedAt != nil
}

// due reports whether the engine should attempt the action at now
func (a Action) due(now time.Time) bool {
	switch a.Status {
	case StatusApproved:
		return true
	case StatusDeferred:
		return a.NextEvaluationAt == nil || !now.Before(*a.NextEvaluationAt)
	}
	return false
}

// HoldStatus is a legal hold's lifecycle state
type HoldStatus string

const (
	HoldActive   HoldStatus = "ACTIVE"
	HoldReleased HoldStatus = "RELEASED"
	HoldExpired  HoldStatus = "EXPIRED"
)

// SystemScope is the hold scope tenant for tenantless records such as
// cross-tenant system events. Only GLOBAL callers may use it.
const SystemScope = "_system"

// HoldScope selects the records a hold freezes. SubjectID and the date
// range are optional narrowing.
type HoldScope struct {
	TenantID      string     `json:"tenant_id" validate:"required"`
	RecordClasses []string   `json:"record_classes" validate:"required,min=1,dive,required"`
	SubjectID     string     `json:"subject_id,omitempty"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
}

// recordTenant is the TenantID of the record sets the scope names
func (s HoldScope) recordTenant() string {
	if s.TenantID == SystemScope {
		return ""
	}
	return s.TenantID
}

// holdTenant is the scope tenant that names records of tenant
func holdTenant(tenant string) string {
	if tenant == "" {
		return SystemScope
	}
	return tenant
}

// Release is the metadata captured when a hold is lifted
type Release struct {
	ReleasedBy string    `json:"released_by"`
	ReleasedAt time.Time `json:"released_at"`
	Reason     string    `json:"reason"`
}

// LegalHold suspends every transition for records in its scope
type LegalHold struct {
	ID        string     `json:"id"`
	Scope     HoldScope  `json:"scope"`
	Status    HoldStatus `json:"status"`
	Reason    string     `json:"reason"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Release   *Release   `json:"release,omitempty"`
	Version   int64      `json:"version"`
}

// EffectiveStatus applies expiry to a stored ACTIVE hold
func (h LegalHold) EffectiveStatus(now time.Time) HoldStatus {
	if h.Status == HoldActive && h.ExpiresAt != nil && !now.Before(*h.ExpiresAt) {
		return HoldExpired
	}
	return h.Status
}

// Covers reports whether the hold freezes set at now
func (h LegalHold) Covers(set RecordSet, now time.Time) bool {
	if h.EffectiveStatus(now) != HoldActive {
		return false
	}
	if h.Scope.recordTenant() != set.TenantID {
		return false
	}
	classMatch := false
	for _, c := range h.Scope.RecordClasses {
		if c == set.RecordClass {
			classMatch = true
			break
		}
	}
	if !classMatch {
		return false
	}
	if h.Scope.SubjectID != "" && set.SubjectID != "" && h.Scope.SubjectID != set.SubjectID {
		return false
	}
	// Overlap of [From, To) with [PeriodStart, PeriodEnd); unknown periods match
	if h.Scope.From != nil && !set.PeriodEnd.IsZero() && !set.PeriodEnd.After(*h.Scope.From) {
		return false
	}
	if h.Scope.To != nil && !set.PeriodStart.IsZero() && !set.PeriodStart.Before(*h.Scope.To) {
		return false
	}
	return true
}

// Certificate is the permanent record of a destruction. No operation
// deletes or updates one.
type Certificate struct {
	ID             string    `json:"id"`
	ActionID       string    `json:"action_id"`
	RecordSet      RecordSet `json:"record_set"`
	DestroyedCount int64     `json:"destroyed_count"`
	Method         string    `json:"method"`
	Witness        Witness   `json:"witness"`
	ApprovedBy     string    `json:"approved_by"`
	ExecutedBy     string    `json:"executed_by"`
	ExecutedAt     time.Time `json:"executed_at"`
	AuditEventID   string    `json:"audit_event_id"`
}
