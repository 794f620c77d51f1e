package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/observability"
)

func TestMigrate(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Description: "create a", SQL: "CREATE TABLE a (id TEXT)"},
		{Version: 2, Description: "create b", SQL: "CREATE TABLE b (id TEXT)"},
	}

	t.Run("applies only newer migrations", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS demo_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT COALESCE\\(MAX\\(version\\), 0\\) FROM demo_migrations").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(1))
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE b").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO demo_migrations").WithArgs(2, "create b").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, Migrate(context.Background(), db, "demo_migrations", migrations, observability.NewNopLogger()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed migration rolls back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS demo_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT COALESCE").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE a").WillReturnError(errors.New("syntax error"))
		mock.ExpectRollback()

		err = Migrate(context.Background(), db, "demo_migrations", migrations, observability.NewNopLogger())
		assert.ErrorContains(t, err, "failed to execute migration 1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unsafe table names", func(t *testing.T) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		assert.Error(t, Migrate(context.Background(), db, "x; DROP TABLE y", migrations, nil))
	})
}
