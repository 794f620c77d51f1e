//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
	"github.com/platinummonkey/clinicguard/pkg/retention"
)

func entry(id, tenant string, ts time.Time, exempt bool) audit.Entry {
	return audit.Entry{
		EventID:         id,
		Timestamp:       ts,
		ActorType:       audit.ActorUser,
		ActorID:         "dr-who",
		Action:          "patient.read",
		Category:        audit.CategoryAccess,
		Severity:        audit.SeverityInfo,
		Target:          audit.Target{Type: "patient", ID: "p-1"},
		TenantID:        tenant,
		Outcome:         audit.OutcomeSuccess,
		RetentionExempt: exempt,
	}
}

func TestAuditEntries_AppendOnly(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	store := audit.NewPGStore(db, observability.NewNopLogger())
	require.NoError(t, store.Migrate(ctx))

	march := time.Date(2019, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx,
		entry("e1", "clinic-a", march, false),
		entry("e2", "clinic-a", march.Add(time.Hour), false),
		entry("cert", "clinic-a", march.Add(2*time.Hour), true),
	))

	// Replays are idempotent
	require.NoError(t, store.Append(ctx, entry("e1", "clinic-a", march, false)))

	t.Run("update rejected", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `UPDATE audit_entries SET actor_id = 'mallory' WHERE event_id = 'e1'`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "immutable")
	})

	t.Run("delete rejected without purge flag", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `DELETE FROM audit_entries WHERE event_id = 'e1'`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "append-only")
	})

	t.Run("truncate rejected", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `TRUNCATE audit_entries`)
		require.Error(t, err)
	})

	got, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "dr-who", got.ActorID)

	t.Run("purge removes only the non-exempt batch", func(t *testing.T) {
		batches, err := store.Batches(ctx, audit.MonthOf(time.Now()))
		require.NoError(t, err)
		require.Len(t, batches, 1)
		assert.Equal(t, int64(2), batches[0].Count)

		removed, err := store.PurgeBatch(ctx, batches[0])
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		remaining, err := store.Query(ctx, audit.Filter{})
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, "cert", remaining[0].EventID)
	})

	t.Run("purge flag is transaction scoped", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `DELETE FROM audit_entries WHERE event_id = 'cert'`)
		require.Error(t, err)
	})
}

func TestDestructionCertificates_Permanent(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	store := retention.NewPGStore(db, observability.NewNopLogger())
	require.NoError(t, store.Migrate(ctx))

	cert := &retention.Certificate{
		ID:       "cert-1",
		ActionID: "action-1",
		RecordSet: retention.RecordSet{
			ID:          "set-1",
			RecordClass: retention.RecordClassAuditLog,
			TenantID:    "clinic-a",
			Key:         "clinic-a/2019-03",
			State:       retention.StateDestroyed,
		},
		DestroyedCount: 2,
		Method:         "secure-delete",
		Witness:        retention.Witness{WitnessID: "w-1", Name: "Records Officer"},
		ApprovedBy:     "carol",
		ExecutedBy:     "carol",
		ExecutedAt:     time.Now().UTC().Truncate(time.Microsecond),
		AuditEventID:   "evt-1",
	}
	require.NoError(t, store.CreateCertificate(ctx, cert))

	_, err := db.ExecContext(ctx, `UPDATE destruction_certificates SET destroyed_count = 0 WHERE id = 'cert-1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permanent")

	_, err = db.ExecContext(ctx, `DELETE FROM destruction_certificates WHERE id = 'cert-1'`)
	require.Error(t, err)

	got, err := store.GetCertificate(ctx, "cert-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.DestroyedCount)
	assert.Equal(t, "clinic-a/2019-03", got.RecordSet.Key)
}

func TestRoleStore_GrantsAfterCatalogSync(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	logger := observability.NewNopLogger()
	store := rbac.NewStore(db, logger)
	require.NoError(t, store.Migrate(ctx))

	require.NoError(t, rbac.SyncSystemRoles(ctx, store, rbac.SystemRoles(), logger))
	// A second sync reconciles rather than duplicates
	require.NoError(t, rbac.SyncSystemRoles(ctx, store, rbac.SystemRoles(), logger))

	roles, err := store.ListRoles(ctx)
	require.NoError(t, err)
	assert.Len(t, roles, len(rbac.SystemRoles()))

	clinicAdmin, err := store.GetRoleByCode(ctx, rbac.RoleClinicAdmin)
	require.NoError(t, err)
	require.NoError(t, store.AssignRole(ctx, &rbac.RoleAssignment{UserID: "alice", RoleID: clinicAdmin.ID, TenantID: "clinic-a"}))

	// SINGLE_TENANT roles hold one tenant
	err = store.AssignRole(ctx, &rbac.RoleAssignment{UserID: "alice", RoleID: clinicAdmin.ID, TenantID: "clinic-b"})
	assert.ErrorIs(t, err, rbac.ErrAssignmentExists)

	grants, err := store.ListActiveGrants(ctx, "alice", time.Now())
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, rbac.RoleClinicAdmin, grants[0].RoleCode)
	assert.True(t, rbac.Resolve(grants, "clinic-a", time.Now()).Has(rbac.AuditView))
	assert.False(t, rbac.Resolve(grants, "clinic-b", time.Now()).Has(rbac.AuditView))
}
