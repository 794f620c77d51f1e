package retention

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/audit"
)

func TestAuditLogSource_DiscoverClosedMonthsOnly(t *testing.T) {
	ctx := context.Background()
	store := audit.NewMemoryStore()
	now := time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx,
		seedEntry("old-a", "clinic-a", march2015.AddDate(0, 0, 3)),
		seedEntry("old-sys", "", march2015.AddDate(0, 0, 4)),
		seedEntry("current", "clinic-a", now.Add(-time.Hour)),
	))

	src := NewAuditLogSource(store, store)
	sets, err := src.Discover(ctx, now)
	require.NoError(t, err)
	require.Len(t, sets, 2)

	byKey := map[string]RecordSet{}
	for _, s := range sets {
		byKey[s.Key] = s
	}
	a := byKey["clinic-a/2015-03"]
	assert.Equal(t, RecordClassAuditLog, a.RecordClass)
	assert.Equal(t, int64(1), a.RecordCount)
	assert.Equal(t, march2015, a.PeriodStart)
	assert.Equal(t, march2015.AddDate(0, 1, 0), a.PeriodEnd)
	assert.Equal(t, a.PeriodEnd, a.CreatedDate)

	sys, ok := byKey["_system/2015-03"]
	require.True(t, ok)
	assert.Empty(t, sys.TenantID)
}

func TestAuditLogSource_ExportPages(t *testing.T) {
	ctx := context.Background()
	store := audit.NewMemoryStore()
	total := audit.MaxPageSize + 7
	entries := make([]audit.Entry, 0, total+1)
	for i := 0; i < total; i++ {
		entries = append(entries, seedEntry(fmt.Sprintf("e-%d", i), "clinic-a", march2015.Add(time.Duration(i)*time.Minute)))
	}
	entries = append(entries, seedEntry("other", "clinic-b", march2015.Add(time.Hour)))
	require.NoError(t, store.Append(ctx, entries...))

	src := NewAuditLogSource(store, store)
	sets, err := src.Discover(ctx, time.Date(2015, 4, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	var set RecordSet
	for _, s := range sets {
		if s.TenantID == "clinic-a" {
			set = s
		}
	}
	require.Equal(t, int64(total), set.RecordCount)

	payload, err := src.Export(ctx, set)
	require.NoError(t, err)

	sc := bufio.NewScanner(bytes.NewReader(payload))
	lines := 0
	for sc.Scan() {
		var e audit.Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		assert.Equal(t, "clinic-a", e.TenantID)
		lines++
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, total, lines)
}

func TestAuditLogSource_PurgeKeepsExemptEntries(t *testing.T) {
	ctx := context.Background()
	store := audit.NewMemoryStore()
	exempt := seedEntry("certificate", "clinic-a", march2015.AddDate(0, 0, 9))
	exempt.RetentionExempt = true
	require.NoError(t, store.Append(ctx,
		seedEntry("a1", "clinic-a", march2015.AddDate(0, 0, 1)),
		seedEntry("a2", "clinic-a", march2015.AddDate(0, 0, 2)),
		seedEntry("a-april", "clinic-a", march2015.AddDate(0, 1, 2)),
		exempt,
	))

	src := NewAuditLogSource(store, store)
	set := RecordSet{
		RecordClass: RecordClassAuditLog,
		TenantID:    "clinic-a",
		Key:         "clinic-a/2015-03",
		PeriodStart: march2015,
		PeriodEnd:   march2015.AddDate(0, 1, 0),
	}
	pending, err := src.Count(ctx, set)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	n, err := src.Purge(ctx, set)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 2, store.Len())

	// A repeated purge finds nothing left
	pending, err = src.Count(ctx, set)
	require.NoError(t, err)
	assert.Zero(t, pending)
	n, err = src.Purge(ctx, set)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = store.Get(ctx, "certificate")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "a-april")
	assert.NoError(t, err)
}
