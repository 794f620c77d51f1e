package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RecordSetFilter selects record sets. Empty fields match everything.
type RecordSetFilter struct {
	RecordClass string
	TenantIDs   []string
	States      []State
}

// ActionFilter selects actions. Empty fields match everything.
type ActionFilter struct {
	Type        ActionType
	Statuses    []ActionStatus
	RecordSetID string
	// TenantIDs nil means any tenant
	TenantIDs []string
	Limit     int
}

// HoldFilter selects holds by stored status
type HoldFilter struct {
	TenantID string
	Statuses []HoldStatus
}

// Store persists retention state. Mutations take the version the caller
// read and fail with ErrVersionConflict when it has moved.
type Store interface {
	// Tx runs fn against a transactional view; an error rolls back
	Tx(ctx context.Context, fn func(Store) error) error
	// LockTenant serializes hold checks and hold creation for tenant until
	// the enclosing Tx ends
	LockTenant(ctx context.Context, tenantID string) error

	CreatePolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	GetPolicyByClass(ctx context.Context, recordClass string) (*Policy, error)
	ListPolicies(ctx context.Context) ([]Policy, error)
	UpdatePolicy(ctx context.Context, p *Policy, expectedVersion int64) error
	DeletePolicy(ctx context.Context, id string, expectedVersion int64) error

	GetRecordSet(ctx context.Context, id string) (*RecordSet, error)
	GetRecordSetByKey(ctx context.Context, recordClass, key string) (*RecordSet, error)
	CreateRecordSet(ctx context.Context, s *RecordSet) error
	UpdateRecordSet(ctx context.Context, s *RecordSet, expectedVersion int64) error
	ListRecordSets(ctx context.Context, f RecordSetFilter) ([]RecordSet, error)

	CreateAction(ctx context.Context, a *Action) error
	GetAction(ctx context.Context, id string) (*Action, error)
	UpdateAction(ctx context.Context, a *Action, expectedVersion int64) error
	ListActions(ctx context.Context, f ActionFilter) ([]Action, error)

	CreateHold(ctx context.Context, h *LegalHold) error
	GetHold(ctx context.Context, id string) (*LegalHold, error)
	UpdateHold(ctx context.Context, h *LegalHold, expectedVersion int64) error
	ListHolds(ctx context.Context, f HoldFilter) ([]LegalHold, error)

	CreateCertificate(ctx context.Context, c *Certificate) error
	GetCertificate(ctx context.Context, id string) (*Certificate, error)
	ListCertificates(ctx context.Context, tenantIDs []string) ([]Certificate, error)
}

// MemoryStore is an in-process Store. Tx serializes transactions and
// restores a snapshot on error.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data memoryData
	now  func() time.Time
}

type memoryData struct {
	Policies     map[string]Policy
	Sets         map[string]RecordSet
	Actions      map[string]Action
	Holds        map[string]LegalHold
	Certificates map[string]Certificate
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: memoryData{
			Policies:     make(map[string]Policy),
			Sets:         make(map[string]RecordSet),
			Actions:      make(map[string]Action),
			Holds:        make(map[string]LegalHold),
			Certificates: make(map[string]Certificate),
		},
		now: time.Now,
	}
}

// Tx runs fn with rollback on error
func (m *MemoryStore) Tx(ctx context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot, err := m.data.clone()
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.data = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// LockTenant is a no-op; Tx already serializes
func (m *MemoryStore) LockTenant(ctx context.Context, tenantID string) error { return nil }

func (d memoryData) clone() (memoryData, error) {
	// JSON round trip deep-copies the pointer fields inside actions and holds
	raw, err := json.Marshal(d)
	if err != nil {
		return memoryData{}, fmt.Errorf("failed to snapshot retention store: %w", err)
	}
	var out memoryData
	if err := json.Unmarshal(raw, &out); err != nil {
		return memoryData{}, fmt.Errorf("failed to snapshot retention store: %w", err)
	}
	return out, nil
}

func (m *MemoryStore) CreatePolicy(ctx context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.Policies {
		if existing.RecordClass == p.RecordClass {
			return fmt.Errorf("%w: %s", ErrPolicyExists, p.RecordClass)
		}
	}
	now := m.now().UTC()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	m.data.Policies[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.data.Policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: policy %s", ErrNotFound, id)
	}
	return &p, nil
}

func (m *MemoryStore) GetPolicyByClass(ctx context.Context, recordClass string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.data.Policies {
		if p.RecordClass == recordClass {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%w: policy for %s", ErrNotFound, recordClass)
}

func (m *MemoryStore) ListPolicies(ctx context.Context) ([]Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Policy, 0, len(m.data.Policies))
	for _, p := range m.data.Policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordClass < out[j].RecordClass })
	return out, nil
}

func (m *MemoryStore) UpdatePolicy(ctx context.Context, p *Policy, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data.Policies[p.ID]
	if !ok {
		return fmt.Errorf("%w: policy %s", ErrNotFound, p.ID)
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = m.now().UTC()
	m.data.Policies[p.ID] = *p
	return nil
}

func (m *MemoryStore) DeletePolicy(ctx context.Context, id string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data.Policies[id]
	if !ok {
		return fmt.Errorf("%w: policy %s", ErrNotFound, id)
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	delete(m.data.Policies, id)
	return nil
}

func (m *MemoryStore) GetRecordSet(ctx context.Context, id string) (*RecordSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data.Sets[id]
	if !ok {
		return nil, fmt.Errorf("%w: record set %s", ErrNotFound, id)
	}
	return &s, nil
}

func (m *MemoryStore) GetRecordSetByKey(ctx context.Context, recordClass, key string) (*RecordSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.data.Sets {
		if s.RecordClass == recordClass && s.Key == key {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: record set %s/%s", ErrNotFound, recordClass, key)
}

func (m *MemoryStore) CreateRecordSet(ctx context.Context, s *RecordSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Version = 1
	s.UpdatedAt = m.now().UTC()
	m.data.Sets[s.ID] = *s
	return nil
}

func (m *MemoryStore) UpdateRecordSet(ctx context.Context, s *RecordSet, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data.Sets[s.ID]
	if !ok {
		return fmt.Errorf("%w: record set %s", ErrNotFound, s.ID)
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.Version = expectedVersion + 1
	s.UpdatedAt = m.now().UTC()
	m.data.Sets[s.ID] = *s
	return nil
}

func (m *MemoryStore) ListRecordSets(ctx context.Context, f RecordSetFilter) ([]RecordSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RecordSet
	for _, s := range m.data.Sets {
		if f.RecordClass != "" && s.RecordClass != f.RecordClass {
			continue
		}
		if f.TenantIDs != nil && !contains(f.TenantIDs, s.TenantID) {
			continue
		}
		if len(f.States) > 0 && !containsState(f.States, s.State) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) CreateAction(ctx context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now
	m.data.Actions[a.ID] = cloneAction(*a)
	return nil
}

func (m *MemoryStore) GetAction(ctx context.Context, id string) (*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.data.Actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: action %s", ErrNotFound, id)
	}
	out := cloneAction(a)
	return &out, nil
}

func (m *MemoryStore) UpdateAction(ctx context.Context, a *Action, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data.Actions[a.ID]
	if !ok {
		return fmt.Errorf("%w: action %s", ErrNotFound, a.ID)
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	a.Version = expectedVersion + 1
	a.CreatedAt = cur.CreatedAt
	a.UpdatedAt = m.now().UTC()
	m.data.Actions[a.ID] = cloneAction(*a)
	return nil
}

func (m *MemoryStore) ListActions(ctx context.Context, f ActionFilter) ([]Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Action
	for _, a := range m.data.Actions {
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			continue
		}
		if f.RecordSetID != "" && a.RecordSetID != f.RecordSetID {
			continue
		}
		if f.TenantIDs != nil && !contains(f.TenantIDs, a.TenantID) {
			continue
		}
		out = append(out, cloneAction(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateHold(ctx context.Context, h *LegalHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.Version = 1
	m.data.Holds[h.ID] = cloneHold(*h)
	return nil
}

func (m *MemoryStore) GetHold(ctx context.Context, id string) (*LegalHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.data.Holds[id]
	if !ok {
		return nil, fmt.Errorf("%w: legal hold %s", ErrNotFound, id)
	}
	out := cloneHold(h)
	return &out, nil
}

func (m *MemoryStore) UpdateHold(ctx context.Context, h *LegalHold, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data.Holds[h.ID]
	if !ok {
		return fmt.Errorf("%w: legal hold %s", ErrNotFound, h.ID)
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	h.Version = expectedVersion + 1
	m.data.Holds[h.ID] = cloneHold(*h)
	return nil
}

func (m *MemoryStore) ListHolds(ctx context.Context, f HoldFilter) ([]LegalHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []LegalHold
	for _, h := range m.data.Holds {
		if f.TenantID != "" && h.Scope.TenantID != f.TenantID {
			continue
		}
		if len(f.Statuses) > 0 && !containsHoldStatus(f.Statuses, h.Status) {
			continue
		}
		out = append(out, cloneHold(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateCertificate(ctx context.Context, c *Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Certificates[c.ID]; ok {
		return fmt.Errorf("certificate %s already exists", c.ID)
	}
	m.data.Certificates[c.ID] = *c
	return nil
}

func (m *MemoryStore) GetCertificate(ctx context.Context, id string) (*Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.data.Certificates[id]
	if !ok {
		return nil, fmt.Errorf("%w: certificate %s", ErrNotFound, id)
	}
	return &c, nil
}

func (m *MemoryStore) ListCertificates(ctx context.Context, tenantIDs []string) ([]Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Certificate
	for _, c := range m.data.Certificates {
		if tenantIDs != nil && !contains(tenantIDs, c.RecordSet.TenantID) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

func cloneAction(a Action) Action {
	if a.Approval != nil {
		v := *a.Approval
		a.Approval = &v
	}
	if a.Witness != nil {
		v := *a.Witness
		a.Witness = &v
	}
	if a.Result != nil {
		v := *a.Result
		a.Result = &v
	}
	if a.NextEvaluationAt != nil {
		v := *a.NextEvaluationAt
		a.NextEvaluationAt = &v
	}
	return a
}

func cloneHold(h LegalHold) LegalHold {
	h.Scope.RecordClasses = append([]string(nil), h.Scope.RecordClasses...)
	if h.Release != nil {
		v := *h.Release
		h.Release = &v
	}
	return h
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsState(list []State, s State) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsStatus(list []ActionStatus, s ActionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsHoldStatus(list []HoldStatus, s HoldStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
