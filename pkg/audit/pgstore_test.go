package audit

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/observability"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db, observability.NewNopLogger()), mock
}

func entryRow(e Entry) *sqlmock.Rows {
	cols := strings.Split(strings.Join(strings.Fields(entryColumns), ""), ",")
	return sqlmock.NewRows(cols).AddRow(
		e.Sequence, e.EventID, e.Timestamp, e.ActorType, e.ActorID, e.Action, string(e.Category), string(e.Severity),
		e.Target.Type, e.Target.ID, e.TenantID, e.ProtectedData, "{demographics}",
		string(e.Outcome), e.OutcomeReason, []byte(`{"name":"Ada"}`), nil, []byte(`{"request_id":"r1"}`), nil, e.RetentionExempt,
	)
}

func TestPGStore_Append(t *testing.T) {
	store, mock := newMockStore(t)
	e1, e2 := journalEntry("e1"), journalEntry("e2")

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO audit_entries")
	prep.ExpectExec().WithArgs(
		"e1", e1.Timestamp, ActorUser, "u1", "patient.read", "", "INFO",
		"", "", "clinic-a", false, sqlmock.AnyArg(),
		"", "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), false,
	).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(
		"e2", e2.Timestamp, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, store.Append(context.Background(), e1, e2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_AppendRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO audit_entries").ExpectExec().WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.Append(context.Background(), journalEntry("e1"))
	assert.ErrorContains(t, err, "failed to insert audit entry e1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_Query(t *testing.T) {
	store, mock := newMockStore(t)
	e := journalEntry("e1")
	e.Sequence = 7
	e.ProtectedData = true

	mock.ExpectQuery(regexp.QuoteMeta(`FROM audit_entries WHERE sequence > $1 AND tenant_id = ANY($2) ORDER BY sequence ASC LIMIT $3`)).
		WithArgs(int64(3), sqlmock.AnyArg(), 10).
		WillReturnRows(entryRow(e))

	got, err := store.Query(context.Background(), Filter{TenantIDs: []string{"clinic-a"}, AfterSequence: 3, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].Sequence)
	assert.Equal(t, "clinic-a", got[0].TenantID)
	assert.Equal(t, []string{"demographics"}, got[0].ProtectedCategories)
	assert.Equal(t, "Ada", got[0].Before["name"])
	assert.Nil(t, got[0].After)
	assert.Equal(t, "r1", got[0].Metadata["request_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_QueryIncludesSystemEntries(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE (tenant_id = ANY($1) OR tenant_id IS NULL)`)).
		WillReturnRows(sqlmock.NewRows(nil))

	got, err := store.Query(context.Background(), Filter{TenantIDs: []string{"clinic-a"}, IncludeSystem: true})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM audit_entries WHERE event_id = \\$1").WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_PurgeBatch(t *testing.T) {
	store, mock := newMockStore(t)
	b := Batch{TenantID: "clinic-a", Month: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT set_config('clinicguard.audit_purge', 'on', true)`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM audit_entries").
		WithArgs("clinic-a", b.Month, b.End()).
		WillReturnResult(sqlmock.NewResult(0, 42))
	mock.ExpectCommit()

	removed, err := store.PurgeBatch(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, int64(42), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_Batches(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)
	latest := time.Date(2019, 1, 31, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("GROUP BY 1, 2").WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"tenant", "month", "count", "max"}).
			AddRow("clinic-a", time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), 12, latest).
			AddRow("", time.Date(2019, 2, 1, 0, 0, 0, 0, time.UTC), 3, latest.AddDate(0, 0, 5)))

	batches, err := store.Batches(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "clinic-a/2019-01", batches[0].Key())
	assert.Equal(t, int64(12), batches[0].Count)
	assert.Equal(t, "_system/2019-02", batches[1].Key())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrations_GuardTrigger(t *testing.T) {
	migrations := Migrations()
	require.Len(t, migrations, 2)
	guard := migrations[1].SQL
	assert.Contains(t, guard, "BEFORE UPDATE OR DELETE ON audit_entries")
	assert.Contains(t, guard, "BEFORE TRUNCATE ON audit_entries")
	assert.Contains(t, guard, PurgeSetting)
}
