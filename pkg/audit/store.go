package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the append-only audit sink. It has no update or delete method.
// Append is idempotent on EventID so journal replay cannot duplicate entries.
type Store interface {
	Append(ctx context.Context, entries ...Entry) error
	Get(ctx context.Context, eventID string) (*Entry, error)
	Query(ctx context.Context, filter Filter) ([]Entry, error)
}

// BatchStore is implemented by stores the retention engine can govern.
// PurgeBatch removes the batch's non-exempt entries.
type BatchStore interface {
	Batches(ctx context.Context, before time.Time) ([]Batch, error)
	PurgeBatch(ctx context.Context, b Batch) (int64, error)
}

// MemoryStore is an in-process append-only store
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
	seq     int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

// Append stores copies of entries, assigning sequences. Known ids are skipped.
func (m *MemoryStore) Append(ctx context.Context, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, ok := m.byID[e.EventID]; ok {
			continue
		}
		m.seq++
		e = e.Clone()
		e.Sequence = m.seq
		m.byID[e.EventID] = len(m.entries)
		m.entries = append(m.entries, e)
	}
	return nil
}

// Get returns a copy of the entry
func (m *MemoryStore) Get(ctx context.Context, eventID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	e := m.entries[i].Clone()
	return &e, nil
}

// Query returns matching entries ordered by sequence
func (m *MemoryStore) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if !filter.matches(e) {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored entries
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Batches groups entries older than before by tenant and month
func (m *MemoryStore) Batches(ctx context.Context, before time.Time) ([]Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type key struct {
		tenant string
		month  time.Time
	}
	groups := make(map[key]*Batch)
	for _, e := range m.entries {
		if e.RetentionExempt || !e.Timestamp.Before(before) {
			continue
		}
		k := key{tenant: e.TenantID, month: MonthOf(e.Timestamp)}
		b, ok := groups[k]
		if !ok {
			b = &Batch{TenantID: k.tenant, Month: k.month}
			groups[k] = b
		}
		b.Count++
		if e.Timestamp.After(b.Latest) {
			b.Latest = e.Timestamp
		}
	}

	out := make([]Batch, 0, len(groups))
	for _, b := range groups {
		out = append(out, *b)
	}
	sortBatches(out)
	return out, nil
}

// PurgeBatch removes the batch's non-exempt entries
func (m *MemoryStore) PurgeBatch(ctx context.Context, b Batch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	var removed int64
	for _, e := range m.entries {
		if inBatch(e, b) && !e.RetentionExempt {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	m.byID = make(map[string]int, len(kept))
	for i, e := range kept {
		m.byID[e.EventID] = i
	}
	return removed, nil
}

func inBatch(e Entry, b Batch) bool {
	return e.TenantID == b.TenantID && !e.Timestamp.Before(b.Month) && e.Timestamp.Before(b.End())
}

func sortBatches(bs []Batch) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].Month.Equal(bs[j].Month) {
			return bs[i].Month.Before(bs[j].Month)
		}
		return bs[i].TenantID < bs[j].TenantID
	})
}

func (f Filter) matches(e Entry) bool {
	if f.AfterSequence > 0 && e.Sequence <= f.AfterSequence {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.TargetType != "" && e.Target.Type != f.TargetType {
		return false
	}
	if f.TargetID != "" && e.Target.ID != f.TargetID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if f.TenantIDs != nil {
		if e.TenantID == "" {
			if !f.IncludeSystem {
				return false
			}
		} else if !containsString(f.TenantIDs, e.TenantID) {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.Timestamp.Before(*f.To) {
		return false
	}
	return true
}

func containsSeverity(list []Severity, s Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
