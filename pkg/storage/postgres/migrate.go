package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/platinummonkey/clinicguard/pkg/observability"
)

// Migration is one forward-only schema step
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var migrationTable = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Migrate applies every migration newer than the latest version recorded in
// table. Each migration runs in its own transaction together with its
// bookkeeping row.
func Migrate(ctx context.Context, db *sql.DB, table string, migrations []Migration, logger *observability.Logger) error {
	if !migrationTable.MatchString(table) {
		return fmt.Errorf("invalid migration table name %q", table)
	}
	logger = observability.OrDefault(logger).WithField("migrations", table)

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, table)); err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}

	var current int
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", table)).Scan(&current); err != nil {
		return fmt.Errorf("failed to read current migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		err := WithTx(ctx, db, nil, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s (version, description) VALUES ($1, $2)", table),
				m.Version, m.Description,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		logger.WithField("version", m.Version).Infof("applied migration: %s", m.Description)
	}

	return nil
}
