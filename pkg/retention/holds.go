package retention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
	"github.com/platinummonkey/clinicguard/pkg/tenancy"
)

const targetLegalHold = "legal_hold"

// HoldRequest is what an administrator supplies to place a hold
type HoldRequest struct {
	Scope     HoldScope  `json:"scope"`
	Reason    string     `json:"reason" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (r HoldRequest) validate(now time.Time) error {
	if strings.TrimSpace(r.Reason) == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidHold)
	}
	if err := validate.Struct(r.Scope); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHold, err)
	}
	if r.Scope.From != nil && r.Scope.To != nil && !r.Scope.From.Before(*r.Scope.To) {
		return fmt.Errorf("%w: scope start must precede scope end", ErrInvalidHold)
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expiry must be in the future", ErrInvalidHold)
	}
	return nil
}

// CreateHold places a legal hold. It takes the same tenant lock as
// Execute, so a destruction that has not yet checked holds will see it.
func (e *Engine) CreateHold(ctx context.Context, ac *access.Context, req HoldRequest) (*LegalHold, error) {
	if err := e.authz.Require(ctx, ac, rbac.LegalHoldManage, string(rbac.ResourceLegalHold), ""); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	if err := req.validate(now); err != nil {
		return nil, err
	}
	if err := e.authorizeTenant(ctx, ac, targetLegalHold, req.Scope.TenantID, tenancy.OpCreate); err != nil {
		return nil, err
	}

	// Keyed like Execute, which locks the record set's tenant
	unlock, err := e.locker.Acquire(ctx, req.Scope.recordTenant())
	if err != nil {
		return nil, err
	}
	defer unlock()

	hold := &LegalHold{
		ID:        uuid.NewString(),
		Scope:     req.Scope,
		Status:    HoldActive,
		Reason:    req.Reason,
		CreatedBy: ac.UserID(),
		CreatedAt: now,
		ExpiresAt: req.ExpiresAt,
	}
	err = e.store.Tx(ctx, func(tx Store) error {
		if err := tx.LockTenant(ctx, hold.Scope.recordTenant()); err != nil {
			return err
		}
		if err := tx.CreateHold(ctx, hold); err != nil {
			return err
		}
		return tx.CreateAction(ctx, holdAction(ActionHold, hold, now, "legal hold placed"))
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(map[string]interface{}{
		"hold_id":        hold.ID,
		"tenant_id":      hold.Scope.TenantID,
		"record_classes": strings.Join(hold.Scope.RecordClasses, ","),
	}).Info("legal hold created")
	e.recorder.Record(ctx, ac, audit.EventSpec{
		Action:        EventHoldCreated,
		Category:      audit.CategoryRetention,
		Severity:      audit.SeverityWarning,
		Target:        audit.Target{Type: targetLegalHold, ID: hold.ID},
		TenantID:      hold.Scope.recordTenant(),
		Sensitivity:   audit.NotProtected(),
		OutcomeReason: hold.Reason,
		After:         holdSnapshot(hold),
	})
	return hold, nil
}

// ReleaseHold lifts a hold. Destructions it deferred become due at once.
func (e *Engine) ReleaseHold(ctx context.Context, ac *access.Context, id, reason string, expectedVersion int64) (*LegalHold, error) {
	if err := e.authz.Require(ctx, ac, rbac.LegalHoldManage, string(rbac.ResourceLegalHold), id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}

	hold, err := e.store.GetHold(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeTenant(ctx, ac, targetLegalHold, hold.Scope.TenantID, tenancy.OpUpdate); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	if hold.EffectiveStatus(now) != HoldActive {
		return nil, fmt.Errorf("%w: hold is %s", ErrInvalidTransition, hold.EffectiveStatus(now))
	}

	var rescheduled int
	err = e.store.Tx(ctx, func(tx Store) error {
		hold.Status = HoldReleased
		hold.Release = &Release{ReleasedBy: ac.UserID(), ReleasedAt: now, Reason: reason}
		if err := tx.UpdateHold(ctx, hold, expectedVersion); err != nil {
			return err
		}
		n, err := e.wakeDeferred(ctx, tx, hold.Scope.recordTenant(), now)
		if err != nil {
			return err
		}
		rescheduled = n
		return tx.CreateAction(ctx, holdAction(ActionRelease, hold, now, reason))
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(map[string]interface{}{
		"hold_id":     hold.ID,
		"rescheduled": rescheduled,
	}).Info("legal hold released")
	e.recorder.Record(ctx, ac, audit.EventSpec{
		Action:        EventHoldReleased,
		Category:      audit.CategoryRetention,
		Severity:      audit.SeverityWarning,
		Target:        audit.Target{Type: targetLegalHold, ID: hold.ID},
		TenantID:      hold.Scope.recordTenant(),
		Sensitivity:   audit.NotProtected(),
		OutcomeReason: reason,
		After:         holdSnapshot(hold),
	})
	return hold, nil
}

// ListHolds returns holds in the caller's scope with expiry applied
func (e *Engine) ListHolds(ctx context.Context, ac *access.Context, f HoldFilter) ([]LegalHold, error) {
	if err := e.authz.Require(ctx, ac, rbac.LegalHoldManage, string(rbac.ResourceLegalHold), ""); err != nil {
		return nil, err
	}
	var requested []string
	if f.TenantID != "" {
		requested = []string{f.TenantID}
	}
	tenants, err := e.visibleTenants(ctx, ac, targetLegalHold, requested)
	if err != nil {
		return nil, err
	}
	if len(tenants) == 1 {
		f.TenantID = tenants[0]
	}

	holds, err := e.store.ListHolds(ctx, HoldFilter{TenantID: f.TenantID})
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]LegalHold, 0, len(holds))
	for _, h := range holds {
		h = e.applyExpiry(ctx, h, now)
		if len(f.Statuses) > 0 && !containsHoldStatus(f.Statuses, h.Status) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// GetHold returns one hold with expiry applied
func (e *Engine) GetHold(ctx context.Context, ac *access.Context, id string) (*LegalHold, error) {
	if err := e.authz.Require(ctx, ac, rbac.LegalHoldManage, string(rbac.ResourceLegalHold), id); err != nil {
		return nil, err
	}
	h, err := e.store.GetHold(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeTenant(ctx, ac, targetLegalHold, h.Scope.TenantID, tenancy.OpRead); err != nil {
		return nil, err
	}
	out := e.applyExpiry(ctx, *h, e.now())
	return &out, nil
}

// activeHolds lists holds in force at now, expiring lapsed ones on the way
func (e *Engine) activeHolds(ctx context.Context, tenant string, now time.Time) ([]LegalHold, error) {
	holds, err := e.store.ListHolds(ctx, HoldFilter{TenantID: tenant, Statuses: []HoldStatus{HoldActive}})
	if err != nil {
		return nil, fmt.Errorf("failed to list legal holds: %w", err)
	}
	out := holds[:0]
	for _, h := range holds {
		if h = e.applyExpiry(ctx, h, now); h.Status == HoldActive {
			out = append(out, h)
		}
	}
	return out, nil
}

// applyExpiry persists EXPIRED for a lapsed hold. A lost race is harmless:
// the other writer either expired or released it.
func (e *Engine) applyExpiry(ctx context.Context, h LegalHold, now time.Time) LegalHold {
	if h.Status != HoldActive || h.EffectiveStatus(now) != HoldExpired {
		return h
	}
	h.Status = HoldExpired
	version := h.Version
	err := e.store.Tx(ctx, func(tx Store) error {
		if err := tx.UpdateHold(ctx, &h, version); err != nil {
			return err
		}
		if _, err := e.wakeDeferred(ctx, tx, h.Scope.recordTenant(), now); err != nil {
			return err
		}
		return tx.CreateAction(ctx, holdAction(ActionRelease, &h, now, "legal hold expired"))
	})
	switch {
	case err == nil:
		e.recorder.RecordSystem(ctx, audit.EventSpec{
			Action:      EventHoldExpired,
			Category:    audit.CategoryRetention,
			Target:      audit.Target{Type: targetLegalHold, ID: h.ID},
			TenantID:    h.Scope.recordTenant(),
			Sensitivity: audit.NotProtected(),
		})
	case !errors.Is(err, ErrVersionConflict):
		e.logger.WithError(err).WithField("hold_id", h.ID).Error("failed to expire legal hold")
	}
	return h
}

// wakeDeferred makes the tenant's deferred destructions due at now. Each one
// re-checks every hold when it executes, so waking too many is safe.
func (e *Engine) wakeDeferred(ctx context.Context, tx Store, tenant string, now time.Time) (int, error) {
	deferred, err := tx.ListActions(ctx, ActionFilter{
		Type:      ActionDestruction,
		Statuses:  []ActionStatus{StatusDeferred},
		TenantIDs: []string{tenant},
	})
	if err != nil {
		return 0, err
	}
	for i := range deferred {
		a := deferred[i]
		due := now
		a.NextEvaluationAt = &due
		if err := tx.UpdateAction(ctx, &a, a.Version); err != nil {
			return 0, err
		}
	}
	return len(deferred), nil
}

func holdAction(t ActionType, h *LegalHold, now time.Time, message string) *Action {
	executed := now
	return &Action{
		ID:          uuid.NewString(),
		Type:        t,
		RecordClass: strings.Join(h.Scope.RecordClasses, ","),
		TenantID:    h.Scope.recordTenant(),
		Status:      StatusExecuted,
		Attempts:    1,
		Result:      &Result{Message: message, HoldID: h.ID, ExecutedAt: &executed},
	}
}

func holdSnapshot(h *LegalHold) map[string]interface{} {
	out := map[string]interface{}{
		"status":         string(h.Status),
		"tenant_id":      h.Scope.TenantID,
		"record_classes": h.Scope.RecordClasses,
		"reason":         h.Reason,
		"version":        h.Version,
	}
	if h.Scope.SubjectID != "" {
		out["subject_id"] = h.Scope.SubjectID
	}
	if h.ExpiresAt != nil {
		out["expires_at"] = h.ExpiresAt.Format(time.RFC3339)
	}
	return out
}
