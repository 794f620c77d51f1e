package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/storage/postgres"
)

// PurgeSetting is the transaction-local flag the immutability trigger
// checks before allowing a DELETE.
const PurgeSetting = "clinicguard.audit_purge"

// Migrations returns the audit schema. The trigger refuses UPDATE and
// TRUNCATE always, and DELETE unless the purge flag is set for the
// transaction and the row is not retention exempt.
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     1,
			Description: "Create audit_entries table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_entries (
					sequence BIGSERIAL PRIMARY KEY,
					event_id TEXT NOT NULL UNIQUE,
					ts TIMESTAMPTZ NOT NULL,
					actor_type TEXT NOT NULL,
					actor_id TEXT NOT NULL,
					action TEXT NOT NULL,
					category TEXT NOT NULL,
					severity TEXT NOT NULL CHECK (severity IN ('INFO', 'WARNING', 'CRITICAL')),
					target_type TEXT NOT NULL DEFAULT '',
					target_id TEXT NOT NULL DEFAULT '',
					tenant_id TEXT,
					protected_data BOOLEAN NOT NULL,
					protected_categories TEXT[] NOT NULL DEFAULT '{}',
					outcome TEXT NOT NULL,
					outcome_reason TEXT NOT NULL DEFAULT '',
					before_snapshot JSONB,
					after_snapshot JSONB,
					metadata JSONB,
					refers_to TEXT,
					retention_exempt BOOLEAN NOT NULL DEFAULT FALSE
				);

				CREATE INDEX IF NOT EXISTS idx_audit_entries_tenant_ts ON audit_entries(tenant_id, ts);
				CREATE INDEX IF NOT EXISTS idx_audit_entries_actor ON audit_entries(actor_id);
				CREATE INDEX IF NOT EXISTS idx_audit_entries_target ON audit_entries(target_type, target_id);
				CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries(action);
			`,
		},
		{
			Version:     2,
			Description: "Enforce append-only audit_entries",
			SQL: `
				CREATE OR REPLACE FUNCTION audit_entries_guard() RETURNS trigger AS $$
				BEGIN
					IF TG_OP = 'UPDATE' OR TG_OP = 'TRUNCATE' THEN
						RAISE EXCEPTION 'audit entries are immutable';
					END IF;
					IF COALESCE(current_setting('` + PurgeSetting + `', true), '') <> 'on' THEN
						RAISE EXCEPTION 'audit entries are append-only';
					END IF;
					IF OLD.retention_exempt THEN
						RAISE EXCEPTION 'audit entry % is retention exempt', OLD.event_id;
					END IF;
					RETURN OLD;
				END;
				$$ LANGUAGE plpgsql;

				DROP TRIGGER IF EXISTS audit_entries_immutable ON audit_entries;
				CREATE TRIGGER audit_entries_immutable
					BEFORE UPDATE OR DELETE ON audit_entries
					FOR EACH ROW EXECUTE FUNCTION audit_entries_guard();

				DROP TRIGGER IF EXISTS audit_entries_no_truncate ON audit_entries;
				CREATE TRIGGER audit_entries_no_truncate
					BEFORE TRUNCATE ON audit_entries
					FOR EACH STATEMENT EXECUTE FUNCTION audit_entries_guard();
			`,
		},
	}
}

const entryColumns = `sequence, event_id, ts, actor_type, actor_id, action, category, severity,
	target_type, target_id, tenant_id, protected_data, protected_categories,
	outcome, outcome_reason, before_snapshot, after_snapshot, metadata, refers_to, retention_exempt`

// PGStore is the PostgreSQL audit store. Reads may go to a replica.
type PGStore struct {
	db     *sql.DB
	reader func() *sql.DB
	logger *observability.Logger
}

// PGOption configures a PGStore
type PGOption func(*PGStore)

// WithReader routes Get and Query to the returned database, typically
// ConnectionManager.Replica.
func WithReader(reader func() *sql.DB) PGOption {
	return func(s *PGStore) { s.reader = reader }
}

// NewPGStore creates a PostgreSQL audit store
func NewPGStore(db *sql.DB, logger *observability.Logger, opts ...PGOption) *PGStore {
	s := &PGStore{db: db, logger: observability.OrDefault(logger)}
	s.reader = func() *sql.DB { return s.db }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies the audit schema
func (s *PGStore) Migrate(ctx context.Context) error {
	return postgres.Migrate(ctx, s.db, "audit_migrations", Migrations(), s.logger)
}

// Append inserts entries in one transaction. Entries whose event id already
// exists are skipped.
func (s *PGStore) Append(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, span := observability.Tracer().Start(ctx, "audit.PGStore.Append")
	defer span.End()
	span.SetAttributes(attribute.Int("audit.entries", len(entries)))

	return postgres.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO audit_entries (
				event_id, ts, actor_type, actor_id, action, category, severity,
				target_type, target_id, tenant_id, protected_data, protected_categories,
				outcome, outcome_reason, before_snapshot, after_snapshot, metadata, refers_to, retention_exempt
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			ON CONFLICT (event_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare audit insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			before, after, meta, err := encodeSnapshots(e)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				e.EventID, e.Timestamp, e.ActorType, e.ActorID, e.Action, string(e.Category), string(e.Severity),
				e.Target.Type, e.Target.ID, nullString(e.TenantID), e.ProtectedData, pq.Array(nonNil(e.ProtectedCategories)),
				string(e.Outcome), e.OutcomeReason, before, after, meta, nullString(e.RefersTo), e.RetentionExempt,
			); err != nil {
				return fmt.Errorf("failed to insert audit entry %s: %w", e.EventID, err)
			}
		}
		return nil
	})
}

// Get returns the entry with eventID
func (s *PGStore) Get(ctx context.Context, eventID string) (*Entry, error) {
	row := s.reader().QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE event_id = $1`, eventID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Query returns matching entries ordered by sequence
func (s *PGStore) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	ctx, span := observability.Tracer().Start(ctx, "audit.PGStore.Query")
	defer span.End()

	where, args := filter.sql()
	query := `SELECT ` + entryColumns + ` FROM audit_entries` + where + ` ORDER BY sequence ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return out, nil
}

// Batches groups non-exempt entries older than before by tenant and month
func (s *PGStore) Batches(ctx context.Context, before time.Time) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(tenant_id, ''), date_trunc('month', ts AT TIME ZONE 'UTC') AS month, COUNT(*), MAX(ts)
		FROM audit_entries
		WHERE ts < $1 AND NOT retention_exempt
		GROUP BY 1, 2
		ORDER BY 2, 1`, before)
	if err != nil {
		return nil, fmt.Errorf("failed to group audit entries: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.TenantID, &b.Month, &b.Count, &b.Latest); err != nil {
			return nil, fmt.Errorf("failed to scan audit batch: %w", err)
		}
		b.Month = MonthOf(b.Month)
		out = append(out, b)
	}
	return out, rows.Err()
}

// PurgeBatch deletes the batch's non-exempt entries with the purge flag set
// for the transaction only.
func (s *PGStore) PurgeBatch(ctx context.Context, b Batch) (int64, error) {
	ctx, span := observability.Tracer().Start(ctx, "audit.PGStore.PurgeBatch")
	defer span.End()
	span.SetAttributes(attribute.String("audit.batch", b.Key()))

	var removed int64
	err := postgres.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT set_config('`+PurgeSetting+`', 'on', true)`); err != nil {
			return fmt.Errorf("failed to enable audit purge: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM audit_entries
			WHERE COALESCE(tenant_id, '') = $1 AND ts >= $2 AND ts < $3 AND NOT retention_exempt`,
			b.TenantID, b.Month, b.End())
		if err != nil {
			return fmt.Errorf("failed to purge audit batch %s: %w", b.Key(), err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (f Filter) sql() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.AfterSequence > 0 {
		add("sequence > $%d", f.AfterSequence)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.TargetType != "" {
		add("target_type = $%d", f.TargetType)
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if len(f.Severities) > 0 {
		sev := make([]string, len(f.Severities))
		for i, s := range f.Severities {
			sev[i] = string(s)
		}
		add("severity = ANY($%d)", pq.Array(sev))
	}
	if f.TenantIDs != nil {
		args = append(args, pq.Array(f.TenantIDs))
		clause := fmt.Sprintf("tenant_id = ANY($%d)", len(args))
		if f.IncludeSystem {
			clause = "(" + clause + " OR tenant_id IS NULL)"
		}
		clauses = append(clauses, clause)
	}
	if f.From != nil {
		add("ts >= $%d", *f.From)
	}
	if f.To != nil {
		add("ts < $%d", *f.To)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                       Entry
		category, severity      string
		outcome                 string
		tenant, refersTo        sql.NullString
		categories              pq.StringArray
		before, after, metadata []byte
	)
	if err := row.Scan(
		&e.Sequence, &e.EventID, &e.Timestamp, &e.ActorType, &e.ActorID, &e.Action, &category, &severity,
		&e.Target.Type, &e.Target.ID, &tenant, &e.ProtectedData, &categories,
		&outcome, &e.OutcomeReason, &before, &after, &metadata, &refersTo, &e.RetentionExempt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}

	e.Category = Category(category)
	e.Severity = Severity(severity)
	e.Outcome = Outcome(outcome)
	e.TenantID = tenant.String
	e.RefersTo = refersTo.String
	e.Timestamp = e.Timestamp.UTC()
	if len(categories) > 0 {
		e.ProtectedCategories = []string(categories)
	}

	if err := decodeJSON(before, &e.Before); err != nil {
		return nil, err
	}
	if err := decodeJSON(after, &e.After); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &e.Metadata); err != nil {
		return nil, err
	}
	return &e, nil
}

func encodeSnapshots(e Entry) (before, after, meta sql.NullString, err error) {
	if before, err = encodeJSON(e.Before); err != nil {
		return
	}
	if after, err = encodeJSON(e.After); err != nil {
		return
	}
	meta, err = encodeJSON(e.Metadata)
	return
}

// encodeJSON leaves the column NULL for a nil map
func encodeJSON[T any](m map[string]T) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode audit snapshot: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(data []byte, dest interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode audit snapshot: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
