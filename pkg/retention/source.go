package retention

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/clinicguard/pkg/audit"
)

// RecordClassAuditLog is the record class of the audit trail itself
const RecordClassAuditLog = "AuditLog"

// Source exposes one record class to the engine
type Source interface {
	RecordClass() string
	// Discover returns the sets that exist at now. IDs and states are
	// assigned by the engine.
	Discover(ctx context.Context, now time.Time) ([]RecordSet, error)
	// Export serializes the set for the archive
	Export(ctx context.Context, set RecordSet) ([]byte, error)
	// Count returns how many of the set's records a purge would destroy
	Count(ctx context.Context, set RecordSet) (int64, error)
	// Purge destroys the set's records and returns how many went. It must be
	// safe to call again after a partial failure.
	Purge(ctx context.Context, set RecordSet) (int64, error)
}

// Archiver stores exported sets. storage/s3.Archiver implements it.
type Archiver interface {
	Archive(ctx context.Context, key string, payload []byte, metadata map[string]string) (string, error)
}

// AuditLogSource governs the audit trail as monthly per-tenant batches.
// Retention-exempt entries are never part of a batch.
type AuditLogSource struct {
	entries audit.Store
	batches audit.BatchStore
}

// NewAuditLogSource creates a source over an audit store that supports batches
func NewAuditLogSource(entries audit.Store, batches audit.BatchStore) *AuditLogSource {
	return &AuditLogSource{entries: entries, batches: batches}
}

func (s *AuditLogSource) RecordClass() string { return RecordClassAuditLog }

// Discover reports closed months only; the current month is still filling
func (s *AuditLogSource) Discover(ctx context.Context, now time.Time) ([]RecordSet, error) {
	batches, err := s.batches.Batches(ctx, audit.MonthOf(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit batches: %w", err)
	}

	sets := make([]RecordSet, 0, len(batches))
	for _, b := range batches {
		sets = append(sets, RecordSet{
			RecordClass: RecordClassAuditLog,
			TenantID:    b.TenantID,
			Key:         b.Key(),
			PeriodStart: b.Month,
			PeriodEnd:   b.End(),
			// The set counts from the close of its month so no entry in it
			// is younger than the set
			CreatedDate:  b.End(),
			LastActivity: b.Latest,
			RecordCount:  b.Count,
		})
	}
	return sets, nil
}

// Export renders the batch as NDJSON in sequence order
func (s *AuditLogSource) Export(ctx context.Context, set RecordSet) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := audit.NewEncoder(audit.FormatNDJSON, &buf)
	if err != nil {
		return nil, err
	}

	filter := s.filter(set)
	for {
		page, err := s.entries.Query(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to read audit batch %s: %w", set.Key, err)
		}
		for _, e := range page {
			if err := enc.Encode(e); err != nil {
				return nil, err
			}
		}
		if len(page) < filter.Limit {
			break
		}
		filter.AfterSequence = page[len(page)-1].Sequence
	}

	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Count returns the batch's non-exempt entry count
func (s *AuditLogSource) Count(ctx context.Context, set RecordSet) (int64, error) {
	batches, err := s.batches.Batches(ctx, set.PeriodEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit batch %s: %w", set.Key, err)
	}
	month := audit.MonthOf(set.PeriodStart)
	for _, b := range batches {
		if b.TenantID == set.TenantID && b.Month.Equal(month) {
			return b.Count, nil
		}
	}
	return 0, nil
}

// Purge removes the batch's non-exempt entries
func (s *AuditLogSource) Purge(ctx context.Context, set RecordSet) (int64, error) {
	n, err := s.batches.PurgeBatch(ctx, audit.Batch{
		TenantID: set.TenantID,
		Month:    set.PeriodStart,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit batch %s: %w", set.Key, err)
	}
	return n, nil
}

func (s *AuditLogSource) filter(set RecordSet) audit.Filter {
	from, to := set.PeriodStart, set.PeriodEnd
	f := audit.Filter{From: &from, To: &to, Limit: audit.MaxPageSize}
	if set.TenantID == "" {
		// Empty non-nil list with IncludeSystem selects system entries only
		f.TenantIDs = []string{}
		f.IncludeSystem = true
	} else {
		f.TenantIDs = []string{set.TenantID}
	}
	return f
}
