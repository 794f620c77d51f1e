package retention

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/storage/postgres"
)

// Migrations returns the retention schema. Certificates carry a trigger
// refusing UPDATE and DELETE.
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     1,
			Description: "Create retention_policies table",
			SQL: `
				CREATE TABLE IF NOT EXISTS retention_policies (
					id TEXT PRIMARY KEY,
					record_class TEXT NOT NULL UNIQUE,
					retention_seconds BIGINT NOT NULL CHECK (retention_seconds > 0),
					basis TEXT NOT NULL CHECK (basis IN ('CREATED', 'LAST_ACTIVITY')),
					archive_offset_seconds BIGINT NOT NULL DEFAULT 0,
					destruction_method TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					version BIGINT NOT NULL DEFAULT 1,
					created_by TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create retention_record_sets table",
			SQL: `
				CREATE TABLE IF NOT EXISTS retention_record_sets (
					id TEXT PRIMARY KEY,
					record_class TEXT NOT NULL,
					tenant_id TEXT NOT NULL DEFAULT '',
					set_key TEXT NOT NULL,
					subject_id TEXT NOT NULL DEFAULT '',
					period_start TIMESTAMPTZ,
					period_end TIMESTAMPTZ,
					created_date TIMESTAMPTZ NOT NULL,
					last_activity TIMESTAMPTZ,
					record_count BIGINT NOT NULL DEFAULT 0,
					state TEXT NOT NULL CHECK (state IN ('ACTIVE', 'ARCHIVED', 'PENDING_DESTRUCTION', 'DESTROYED')),
					archive_location TEXT NOT NULL DEFAULT '',
					version BIGINT NOT NULL DEFAULT 1,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (record_class, set_key)
				);

				CREATE INDEX IF NOT EXISTS idx_retention_record_sets_class_state ON retention_record_sets(record_class, state);
			`,
		},
		{
			Version:     3,
			Description: "Create retention_actions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS retention_actions (
					id TEXT PRIMARY KEY,
					type TEXT NOT NULL CHECK (type IN ('ARCHIVE', 'DESTRUCTION', 'HOLD', 'RELEASE')),
					record_set_id TEXT NOT NULL DEFAULT '',
					record_class TEXT NOT NULL DEFAULT '',
					tenant_id TEXT NOT NULL DEFAULT '',
					policy_id TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					approval JSONB,
					legal_hold_cleared BOOLEAN NOT NULL DEFAULT FALSE,
					witness JSONB,
					result JSONB,
					attempts INTEGER NOT NULL DEFAULT 0,
					next_evaluation_at TIMESTAMPTZ,
					cancel_reason TEXT NOT NULL DEFAULT '',
					version BIGINT NOT NULL DEFAULT 1,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_retention_actions_status ON retention_actions(type, status);
				CREATE INDEX IF NOT EXISTS idx_retention_actions_record_set ON retention_actions(record_set_id);
			`,
		},
		{
			Version:     4,
			Description: "Create legal_holds table",
			SQL: `
				CREATE TABLE IF NOT EXISTS legal_holds (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					record_classes TEXT[] NOT NULL,
					subject_id TEXT NOT NULL DEFAULT '',
					scope_from TIMESTAMPTZ,
					scope_to TIMESTAMPTZ,
					status TEXT NOT NULL CHECK (status IN ('ACTIVE', 'RELEASED', 'EXPIRED')),
					reason TEXT NOT NULL CHECK (reason <> ''),
					created_by TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					expires_at TIMESTAMPTZ,
					release JSONB,
					version BIGINT NOT NULL DEFAULT 1
				);

				CREATE INDEX IF NOT EXISTS idx_legal_holds_tenant_status ON legal_holds(tenant_id, status);
			`,
		},
		{
			Version:     5,
			Description: "Create destruction_certificates table",
			SQL: `
				CREATE TABLE IF NOT EXISTS destruction_certificates (
					id TEXT PRIMARY KEY,
					action_id TEXT NOT NULL UNIQUE,
					tenant_id TEXT NOT NULL DEFAULT '',
					record_set JSONB NOT NULL,
					destroyed_count BIGINT NOT NULL,
					method TEXT NOT NULL DEFAULT '',
					witness JSONB NOT NULL,
					approved_by TEXT NOT NULL,
					executed_by TEXT NOT NULL,
					executed_at TIMESTAMPTZ NOT NULL,
					audit_event_id TEXT NOT NULL
				);

				CREATE OR REPLACE FUNCTION destruction_certificates_guard() RETURNS trigger AS $$
				BEGIN
					RAISE EXCEPTION 'destruction certificates are permanent';
				END;
				$$ LANGUAGE plpgsql;

				DROP TRIGGER IF EXISTS destruction_certificates_permanent ON destruction_certificates;
				CREATE TRIGGER destruction_certificates_permanent
					BEFORE UPDATE OR DELETE ON destruction_certificates
					FOR EACH ROW EXECUTE FUNCTION destruction_certificates_guard();
			`,
		},
	}
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PGStore is the PostgreSQL retention store
type PGStore struct {
	db     *sql.DB
	q      querier
	inTx   bool
	logger *observability.Logger
	now    func() time.Time
}

// NewPGStore creates a retention store. Call Migrate before first use.
func NewPGStore(db *sql.DB, logger *observability.Logger) *PGStore {
	return &PGStore{db: db, q: db, logger: observability.OrDefault(logger), now: time.Now}
}

// Migrate applies the retention schema
func (s *PGStore) Migrate(ctx context.Context) error {
	return postgres.Migrate(ctx, s.db, "retention_migrations", Migrations(), s.logger)
}

// Tx runs fn in a database transaction. Nested calls join the outer one.
func (s *PGStore) Tx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return postgres.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		return fn(&PGStore{db: s.db, q: tx, inTx: true, logger: s.logger, now: s.now})
	})
}

// LockTenant takes a transaction-scoped advisory lock on the tenant
func (s *PGStore) LockTenant(ctx context.Context, tenantID string) error {
	if _, err := s.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "retention:"+tenantID); err != nil {
		return fmt.Errorf("failed to lock tenant %s: %w", tenantID, err)
	}
	return nil
}

const policyColumns = `id, record_class, retention_seconds, basis, archive_offset_seconds,
	destruction_method, description, version, created_by, created_at, updated_at`

func (s *PGStore) CreatePolicy(ctx context.Context, p *Policy) error {
	now := s.now().UTC()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO retention_policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9, $9)
	`, p.ID, p.RecordClass, seconds(p.RetentionDuration), string(p.Basis), seconds(p.ArchiveOffset),
		p.DestructionMethod, p.Description, p.CreatedBy, now)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrPolicyExists, p.RecordClass)
		}
		return fmt.Errorf("failed to create retention policy: %w", err)
	}
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (s *PGStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	return s.getPolicy(ctx, "id", id)
}

func (s *PGStore) GetPolicyByClass(ctx context.Context, recordClass string) (*Policy, error) {
	return s.getPolicy(ctx, "record_class", recordClass)
}

func (s *PGStore) getPolicy(ctx context.Context, column, value string) (*Policy, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM retention_policies WHERE `+column+` = $1`, value)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: policy %s", ErrNotFound, value)
	}
	return p, err
}

func (s *PGStore) ListPolicies(ctx context.Context) ([]Policy, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+policyColumns+` FROM retention_policies ORDER BY record_class`)
	if err != nil {
		return nil, fmt.Errorf("failed to list retention policies: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdatePolicy(ctx context.Context, p *Policy, expectedVersion int64) error {
	now := s.now().UTC()
	res, err := s.q.ExecContext(ctx, `
		UPDATE retention_policies
		SET retention_seconds = $1, basis = $2, archive_offset_seconds = $3,
			destruction_method = $4, description = $5, version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8
	`, seconds(p.RetentionDuration), string(p.Basis), seconds(p.ArchiveOffset),
		p.DestructionMethod, p.Description, now, p.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update retention policy: %w", err)
	}
	if err := s.versioned(ctx, res, "retention_policies", p.ID); err != nil {
		return err
	}
	p.Version = expectedVersion + 1
	p.UpdatedAt = now
	return nil
}

func (s *PGStore) DeletePolicy(ctx context.Context, id string, expectedVersion int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM retention_policies WHERE id = $1 AND version = $2`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete retention policy: %w", err)
	}
	return s.versioned(ctx, res, "retention_policies", id)
}

const setColumns = `id, record_class, tenant_id, set_key, subject_id, period_start, period_end,
	created_date, last_activity, record_count, state, archive_location, version, updated_at`

func (s *PGStore) GetRecordSet(ctx context.Context, id string) (*RecordSet, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+setColumns+` FROM retention_record_sets WHERE id = $1`, id)
	set, err := scanRecordSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: record set %s", ErrNotFound, id)
	}
	return set, err
}

func (s *PGStore) GetRecordSetByKey(ctx context.Context, recordClass, key string) (*RecordSet, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+setColumns+` FROM retention_record_sets
		WHERE record_class = $1 AND set_key = $2`, recordClass, key)
	set, err := scanRecordSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: record set %s/%s", ErrNotFound, recordClass, key)
	}
	return set, err
}

func (s *PGStore) CreateRecordSet(ctx context.Context, set *RecordSet) error {
	now := s.now().UTC()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO retention_record_sets (`+setColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13)
	`, set.ID, set.RecordClass, set.TenantID, set.Key, set.SubjectID, nullTime(set.PeriodStart), nullTime(set.PeriodEnd),
		set.CreatedDate, nullTime(set.LastActivity), set.RecordCount, string(set.State), set.ArchiveLocation, now)
	if err != nil {
		return fmt.Errorf("failed to create record set: %w", err)
	}
	set.Version = 1
	set.UpdatedAt = now
	return nil
}

func (s *PGStore) UpdateRecordSet(ctx context.Context, set *RecordSet, expectedVersion int64) error {
	now := s.now().UTC()
	res, err := s.q.ExecContext(ctx, `
		UPDATE retention_record_sets
		SET last_activity = $1, record_count = $2, state = $3, archive_location = $4,
			version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7
	`, nullTime(set.LastActivity), set.RecordCount, string(set.State), set.ArchiveLocation, now, set.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update record set: %w", err)
	}
	if err := s.versioned(ctx, res, "retention_record_sets", set.ID); err != nil {
		return err
	}
	set.Version = expectedVersion + 1
	set.UpdatedAt = now
	return nil
}

func (s *PGStore) ListRecordSets(ctx context.Context, f RecordSetFilter) ([]RecordSet, error) {
	var w where
	if f.RecordClass != "" {
		w.add("record_class = $%d", f.RecordClass)
	}
	if f.TenantIDs != nil {
		w.add("tenant_id = ANY($%d)", pq.Array(f.TenantIDs))
	}
	if len(f.States) > 0 {
		w.add("state = ANY($%d)", pq.Array(stateStrings(f.States)))
	}

	rows, err := s.q.QueryContext(ctx, `SELECT `+setColumns+` FROM retention_record_sets`+w.sql()+` ORDER BY set_key`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list record sets: %w", err)
	}
	defer rows.Close()

	var out []RecordSet
	for rows.Next() {
		set, err := scanRecordSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *set)
	}
	return out, rows.Err()
}

const actionColumns = `id, type, record_set_id, record_class, tenant_id, policy_id, status, approval,
	legal_hold_cleared, witness, result, attempts, next_evaluation_at, cancel_reason, version, created_at, updated_at`

func (s *PGStore) CreateAction(ctx context.Context, a *Action) error {
	approval, witness, result, err := encodeAction(a)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO retention_actions (`+actionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $15)
	`, a.ID, string(a.Type), a.RecordSetID, a.RecordClass, a.TenantID, a.PolicyID, string(a.Status),
		approval, a.LegalHoldCleared, witness, result, a.Attempts, a.NextEvaluationAt, a.CancelReason, now)
	if err != nil {
		return fmt.Errorf("failed to create retention action: %w", err)
	}
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

func (s *PGStore) GetAction(ctx context.Context, id string) (*Action, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM retention_actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: action %s", ErrNotFound, id)
	}
	return a, err
}

func (s *PGStore) UpdateAction(ctx context.Context, a *Action, expectedVersion int64) error {
	approval, witness, result, err := encodeAction(a)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	res, err := s.q.ExecContext(ctx, `
		UPDATE retention_actions
		SET status = $1, approval = $2, legal_hold_cleared = $3, witness = $4, result = $5,
			attempts = $6, next_evaluation_at = $7, cancel_reason = $8, version = version + 1, updated_at = $9
		WHERE id = $10 AND version = $11
	`, string(a.Status), approval, a.LegalHoldCleared, witness, result,
		a.Attempts, a.NextEvaluationAt, a.CancelReason, now, a.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update retention action: %w", err)
	}
	if err := s.versioned(ctx, res, "retention_actions", a.ID); err != nil {
		return err
	}
	a.Version = expectedVersion + 1
	a.UpdatedAt = now
	return nil
}

func (s *PGStore) ListActions(ctx context.Context, f ActionFilter) ([]Action, error) {
	var w where
	if f.Type != "" {
		w.add("type = $%d", string(f.Type))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		w.add("status = ANY($%d)", pq.Array(statuses))
	}
	if f.RecordSetID != "" {
		w.add("record_set_id = $%d", f.RecordSetID)
	}
	if f.TenantIDs != nil {
		w.add("tenant_id = ANY($%d)", pq.Array(f.TenantIDs))
	}
	query := `SELECT ` + actionColumns + ` FROM retention_actions` + w.sql() + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list retention actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

const holdColumns = `id, tenant_id, record_classes, subject_id, scope_from, scope_to, status,
	reason, created_by, created_at, expires_at, release, version`

func (s *PGStore) CreateHold(ctx context.Context, h *LegalHold) error {
	release, err := encodeJSON(h.Release)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO legal_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
	`, h.ID, h.Scope.TenantID, pq.Array(h.Scope.RecordClasses), h.Scope.SubjectID, h.Scope.From, h.Scope.To,
		string(h.Status), h.Reason, h.CreatedBy, h.CreatedAt, h.ExpiresAt, release)
	if err != nil {
		return fmt.Errorf("failed to create legal hold: %w", err)
	}
	h.Version = 1
	return nil
}

func (s *PGStore) GetHold(ctx context.Context, id string) (*LegalHold, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM legal_holds WHERE id = $1`, id)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: legal hold %s", ErrNotFound, id)
	}
	return h, err
}

func (s *PGStore) UpdateHold(ctx context.Context, h *LegalHold, expectedVersion int64) error {
	release, err := encodeJSON(h.Release)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE legal_holds SET status = $1, release = $2, version = version + 1
		WHERE id = $3 AND version = $4
	`, string(h.Status), release, h.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update legal hold: %w", err)
	}
	if err := s.versioned(ctx, res, "legal_holds", h.ID); err != nil {
		return err
	}
	h.Version = expectedVersion + 1
	return nil
}

func (s *PGStore) ListHolds(ctx context.Context, f HoldFilter) ([]LegalHold, error) {
	var w where
	if f.TenantID != "" {
		w.add("tenant_id = $%d", f.TenantID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		w.add("status = ANY($%d)", pq.Array(statuses))
	}

	rows, err := s.q.QueryContext(ctx, `SELECT `+holdColumns+` FROM legal_holds`+w.sql()+` ORDER BY created_at`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list legal holds: %w", err)
	}
	defer rows.Close()

	var out []LegalHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

const certificateColumns = `id, action_id, tenant_id, record_set, destroyed_count, method, witness,
	approved_by, executed_by, executed_at, audit_event_id`

func (s *PGStore) CreateCertificate(ctx context.Context, c *Certificate) error {
	set, err := encodeJSON(&c.RecordSet)
	if err != nil {
		return err
	}
	witness, err := encodeJSON(&c.Witness)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO destruction_certificates (`+certificateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.ActionID, c.RecordSet.TenantID, set, c.DestroyedCount, c.Method, witness,
		c.ApprovedBy, c.ExecutedBy, c.ExecutedAt, c.AuditEventID)
	if err != nil {
		return fmt.Errorf("failed to create destruction certificate: %w", err)
	}
	return nil
}

func (s *PGStore) GetCertificate(ctx context.Context, id string) (*Certificate, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM destruction_certificates WHERE id = $1`, id)
	c, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: certificate %s", ErrNotFound, id)
	}
	return c, err
}

func (s *PGStore) ListCertificates(ctx context.Context, tenantIDs []string) ([]Certificate, error) {
	var w where
	if tenantIDs != nil {
		w.add("tenant_id = ANY($%d)", pq.Array(tenantIDs))
	}
	rows, err := s.q.QueryContext(ctx, `SELECT `+certificateColumns+` FROM destruction_certificates`+w.sql()+` ORDER BY executed_at`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list destruction certificates: %w", err)
	}
	defer rows.Close()

	var out []Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// versioned maps a zero-row optimistic update to ErrNotFound or ErrVersionConflict
func (s *PGStore) versioned(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ErrVersionConflict
}

type where struct {
	clauses []string
	args    []interface{}
}

func (w *where) add(clause string, v interface{}) {
	w.args = append(w.args, v)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row scanner) (*Policy, error) {
	var (
		p                     Policy
		basis                 string
		retention, archiveOff int64
	)
	if err := row.Scan(&p.ID, &p.RecordClass, &retention, &basis, &archiveOff,
		&p.DestructionMethod, &p.Description, &p.Version, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Basis = Basis(basis)
	p.RetentionDuration = time.Duration(retention) * time.Second
	p.ArchiveOffset = time.Duration(archiveOff) * time.Second
	return &p, nil
}

func scanRecordSet(row scanner) (*RecordSet, error) {
	var (
		s                        RecordSet
		state                    string
		start, end, lastActivity sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.RecordClass, &s.TenantID, &s.Key, &s.SubjectID, &start, &end,
		&s.CreatedDate, &lastActivity, &s.RecordCount, &state, &s.ArchiveLocation, &s.Version, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.State = State(state)
	s.PeriodStart = start.Time
	s.PeriodEnd = end.Time
	s.LastActivity = lastActivity.Time
	return &s, nil
}

func scanAction(row scanner) (*Action, error) {
	var (
		a                         Action
		typ, status               string
		approval, witness, result []byte
		next                      sql.NullTime
	)
	if err := row.Scan(&a.ID, &typ, &a.RecordSetID, &a.RecordClass, &a.TenantID, &a.PolicyID, &status,
		&approval, &a.LegalHoldCleared, &witness, &result, &a.Attempts, &next, &a.CancelReason,
		&a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Type = ActionType(typ)
	a.Status = ActionStatus(status)
	if next.Valid {
		t := next.Time
		a.NextEvaluationAt = &t
	}
	if err := decodeJSON(approval, &a.Approval); err != nil {
		return nil, err
	}
	if err := decodeJSON(witness, &a.Witness); err != nil {
		return nil, err
	}
	if err := decodeJSON(result, &a.Result); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanHold(row scanner) (*LegalHold, error) {
	var (
		h                 LegalHold
		status            string
		from, to, expires sql.NullTime
		release           []byte
	)
	if err := row.Scan(&h.ID, &h.Scope.TenantID, pq.Array(&h.Scope.RecordClasses), &h.Scope.SubjectID,
		&from, &to, &status, &h.Reason, &h.CreatedBy, &h.CreatedAt, &expires, &release, &h.Version); err != nil {
		return nil, err
	}
	h.Status = HoldStatus(status)
	h.Scope.From = timePtr(from)
	h.Scope.To = timePtr(to)
	h.ExpiresAt = timePtr(expires)
	if err := decodeJSON(release, &h.Release); err != nil {
		return nil, err
	}
	return &h, nil
}

func scanCertificate(row scanner) (*Certificate, error) {
	var (
		c            Certificate
		tenant       string
		set, witness []byte
	)
	if err := row.Scan(&c.ID, &c.ActionID, &tenant, &set, &c.DestroyedCount, &c.Method, &witness,
		&c.ApprovedBy, &c.ExecutedBy, &c.ExecutedAt, &c.AuditEventID); err != nil {
		return nil, err
	}
	if err := decodeJSON(set, &c.RecordSet); err != nil {
		return nil, err
	}
	if err := decodeJSON(witness, &c.Witness); err != nil {
		return nil, err
	}
	return &c, nil
}

func encodeAction(a *Action) (approval, witness, result sql.NullString, err error) {
	if approval, err = encodeJSON(a.Approval); err != nil {
		return
	}
	if witness, err = encodeJSON(a.Witness); err != nil {
		return
	}
	result, err = encodeJSON(a.Result)
	return
}

// encodeJSON leaves the column NULL for a nil pointer
func encodeJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(data []byte, dest interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode %T: %w", dest, err)
	}
	return nil
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func stateStrings(states []State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}
