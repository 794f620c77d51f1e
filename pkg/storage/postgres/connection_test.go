package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/storage"
)

// TestParseReplicaURLs tests the ParseReplicaURLs function
func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "single URL",
			input:    "postgres://localhost:5432/db",
			expected: []string{"postgres://localhost:5432/db"},
		},
		{
			name:  "URLs with whitespace and empty entries",
			input: " postgres://host1:5432/db ,, postgres://host2:5432/db ,",
			expected: []string{
				"postgres://host1:5432/db",
				"postgres://host2:5432/db",
			},
		},
		{
			name:     "only commas and whitespace",
			input:    " , , , ",
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.PostgresURL = "postgres://primary/db"
	cfg.PostgresReplicaURLs = []string{"postgres://replica/db"}

	cc := ConfigFrom(cfg)
	assert.Equal(t, "postgres://primary/db", cc.PrimaryURL)
	assert.Equal(t, []string{"postgres://replica/db"}, cc.ReplicaURLs)
	assert.Equal(t, cfg.PostgresMaxConns, cc.MaxConns)
	assert.Equal(t, cfg.PostgresTimeout, cc.Timeout)
}

// mockOpener hands out sqlmock databases keyed by DSN
func mockOpener(t *testing.T, pingErrs map[string]error) (func(string) (*sql.DB, error), map[string]sqlmock.Sqlmock) {
	mocks := make(map[string]sqlmock.Sqlmock)
	return func(dsn string) (*sql.DB, error) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		exp := mock.ExpectPing()
		if pingErr := pingErrs[dsn]; pingErr != nil {
			exp.WillReturnError(pingErr)
			mock.ExpectClose()
		}
		mocks[dsn] = mock
		return db, nil
	}, mocks
}

func TestNewConnectionManager(t *testing.T) {
	t.Run("primary with one healthy and one broken replica", func(t *testing.T) {
		opener, mocks := mockOpener(t, map[string]error{"replica-b": errors.New("connection refused")})

		cm, err := newConnectionManager(ConnectionConfig{
			PrimaryURL:  "primary",
			ReplicaURLs: []string{"replica-a", "replica-b"},
			MaxConns:    10,
			MinConns:    2,
			Timeout:     time.Second,
		}, observability.NewNopLogger(), opener)
		require.NoError(t, err)

		assert.Len(t, cm.replicas, 1)
		assert.NotSame(t, cm.Primary(), cm.Replica())
		assert.NoError(t, mocks["replica-b"].ExpectationsWereMet())
	})

	t.Run("unreachable primary", func(t *testing.T) {
		opener, _ := mockOpener(t, map[string]error{"primary": errors.New("no route to host")})

		cm, err := newConnectionManager(ConnectionConfig{PrimaryURL: "primary", MaxConns: 4, Timeout: time.Second},
			observability.NewNopLogger(), opener)
		assert.Nil(t, cm)
		assert.ErrorContains(t, err, "failed to ping primary")
	})

	t.Run("open failure", func(t *testing.T) {
		cm, err := newConnectionManager(ConnectionConfig{PrimaryURL: "primary"}, observability.NewNopLogger(),
			func(string) (*sql.DB, error) { return nil, errors.New("bad dsn") })
		assert.Nil(t, cm)
		assert.ErrorContains(t, err, "failed to open primary connection")
	})
}

// TestConnectionManager_Replica tests replica selection
func TestConnectionManager_Replica(t *testing.T) {
	t.Run("no replicas falls back to primary", func(t *testing.T) {
		primaryDB := &sql.DB{}
		cm := &ConnectionManager{primary: primaryDB}
		assert.Same(t, primaryDB, cm.Replica())
	})

	t.Run("round robin", func(t *testing.T) {
		a, b := &sql.DB{}, &sql.DB{}
		cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{a, b}}

		first := cm.Replica()
		second := cm.Replica()
		third := cm.Replica()
		assert.NotSame(t, first, second)
		assert.Same(t, first, third)
	})
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	newMock := func(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		return db, mock
	}

	t.Run("primary down", func(t *testing.T) {
		primary, mock := newMock(t)
		mock.ExpectPing().WillReturnError(errors.New("down"))

		cm := &ConnectionManager{primary: primary}
		assert.ErrorContains(t, cm.HealthCheck(context.Background()), "primary unhealthy")
	})

	t.Run("all replicas down", func(t *testing.T) {
		primary, pm := newMock(t)
		pm.ExpectPing()
		replica, rm := newMock(t)
		rm.ExpectPing().WillReturnError(errors.New("down"))

		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{replica}}
		assert.ErrorContains(t, cm.HealthCheck(context.Background()), "all replicas unhealthy")
	})

	t.Run("remove unhealthy replicas", func(t *testing.T) {
		good, gm := newMock(t)
		gm.ExpectPing()
		bad, bm := newMock(t)
		bm.ExpectPing().WillReturnError(errors.New("down"))
		bm.ExpectClose()

		cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{good, bad}}
		assert.Equal(t, 1, cm.RemoveUnhealthyReplicas(context.Background()))
		assert.Equal(t, []*sql.DB{good}, cm.replicas)
	})
}

func TestErrorClassification(t *testing.T) {
	unique := &pq.Error{Code: "23505"}
	raised := &pq.Error{Code: "P0001", Message: "audit entries are append-only"}

	assert.True(t, IsUniqueViolation(unique))
	assert.True(t, IsUniqueViolation(errors.Join(errors.New("insert"), unique)))
	assert.False(t, IsUniqueViolation(raised))
	assert.True(t, IsRaisedException(raised))
	assert.False(t, IsSerializationFailure(errors.New("plain")))
}

func TestWithTx(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO t").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err = WithTx(context.Background(), db, nil, func(tx *sql.Tx) error {
			_, err := tx.Exec("INSERT INTO t VALUES (1)")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback on error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		mock.ExpectBegin()
		mock.ExpectRollback()

		sentinel := errors.New("stop")
		err = WithTx(context.Background(), db, nil, func(tx *sql.Tx) error { return sentinel })
		assert.ErrorIs(t, err, sentinel)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
