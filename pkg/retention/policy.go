package retention

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
)

const targetPolicy = "retention_policy"

func checkPolicy(p *Policy) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return p.Validate()
}

// CreatePolicy adds the policy for a record class. A class has at most one.
func (e *Engine) CreatePolicy(ctx context.Context, ac *access.Context, p Policy) (*Policy, error) {
	if err := e.authz.Require(ctx, ac, rbac.RetentionPolicyManage, string(rbac.ResourceRetentionPolicy), ""); err != nil {
		return nil, err
	}
	if err := checkPolicy(&p); err != nil {
		return nil, err
	}
	p.ID = uuid.NewString()
	p.CreatedBy = ac.UserID()
	if err := e.store.CreatePolicy(ctx, &p); err != nil {
		return nil, err
	}

	e.recordPolicy(ctx, ac, EventPolicyCreated, &p, nil)
	return &p, nil
}

// UpdatePolicy replaces a policy's rules if expectedVersion is current.
// The record class cannot change.
func (e *Engine) UpdatePolicy(ctx context.Context, ac *access.Context, id string, p Policy, expectedVersion int64) (*Policy, error) {
	if err := e.authz.Require(ctx, ac, rbac.RetentionPolicyManage, string(rbac.ResourceRetentionPolicy), id); err != nil {
		return nil, err
	}
	cur, err := e.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.RecordClass != "" && p.RecordClass != cur.RecordClass {
		return nil, fmt.Errorf("%w: record class cannot change", ErrInvalidPolicy)
	}
	p.ID = cur.ID
	p.RecordClass = cur.RecordClass
	p.CreatedBy = cur.CreatedBy
	if err := checkPolicy(&p); err != nil {
		return nil, err
	}
	if err := e.store.UpdatePolicy(ctx, &p, expectedVersion); err != nil {
		return nil, err
	}

	e.recordPolicy(ctx, ac, EventPolicyUpdated, &p, cur)
	return &p, nil
}

// DeletePolicy removes a policy. Sets of its class stop moving; none are
// destroyed by the deletion.
func (e *Engine) DeletePolicy(ctx context.Context, ac *access.Context, id string, expectedVersion int64) error {
	if err := e.authz.Require(ctx, ac, rbac.RetentionPolicyManage, string(rbac.ResourceRetentionPolicy), id); err != nil {
		return err
	}
	cur, err := e.store.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.DeletePolicy(ctx, id, expectedVersion); err != nil {
		return err
	}
	e.recordPolicy(ctx, ac, EventPolicyDeleted, nil, cur)
	return nil
}

// GetPolicy returns one policy
func (e *Engine) GetPolicy(ctx context.Context, ac *access.Context, id string) (*Policy, error) {
	if err := e.requirePolicyRead(ctx, ac, id); err != nil {
		return nil, err
	}
	return e.store.GetPolicy(ctx, id)
}

// ListPolicies returns every policy ordered by record class
func (e *Engine) ListPolicies(ctx context.Context, ac *access.Context) ([]Policy, error) {
	if err := e.requirePolicyRead(ctx, ac, ""); err != nil {
		return nil, err
	}
	return e.store.ListPolicies(ctx)
}

// Policies are global configuration; managers and action viewers may read them
func (e *Engine) requirePolicyRead(ctx context.Context, ac *access.Context, id string) error {
	if access.HasAnyPermission(ac, rbac.RetentionPolicyManage, rbac.RetentionActionView) {
		return nil
	}
	return e.authz.Require(ctx, ac, rbac.RetentionPolicyManage, string(rbac.ResourceRetentionPolicy), id)
}

func (e *Engine) recordPolicy(ctx context.Context, ac *access.Context, action string, after, before *Policy) {
	spec := audit.EventSpec{
		Action:      action,
		Category:    audit.CategoryAdministration,
		Severity:    audit.SeverityWarning,
		Sensitivity: audit.NotProtected(),
	}
	if after != nil {
		spec.Target = audit.Target{Type: targetPolicy, ID: after.ID}
		spec.After = policySnapshot(after)
	}
	if before != nil {
		spec.Target = audit.Target{Type: targetPolicy, ID: before.ID}
		spec.Before = policySnapshot(before)
	}
	e.recorder.Record(ctx, ac, spec)
}

func policySnapshot(p *Policy) map[string]interface{} {
	return map[string]interface{}{
		"record_class":       p.RecordClass,
		"retention_duration": p.RetentionDuration.String(),
		"basis":              string(p.Basis),
		"archive_offset":     p.ArchiveOffset.String(),
		"destruction_method": p.DestructionMethod,
		"version":            p.Version,
	}
}
