package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/platinummonkey/clinicguard/pkg/observability"
)

// Placeholder selects the bind parameter syntax of the SQL dialect
type Placeholder int

const (
	// Dollar is $1, $2, ... (PostgreSQL)
	Dollar Placeholder = iota
	// Question is ?, ?, ... (SQLite, MySQL)
	Question
)

// DBTX is satisfied by *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Executor runs scoped operations against a SQL database. It only accepts
// inputs produced by an Interceptor, so every statement it issues carries
// the tenant constraint.
type Executor struct {
	db          DBTX
	interceptor *Interceptor
	placeholder Placeholder
	logger      *observability.Logger
}

// NewExecutor creates an executor. The interceptor supplies the violation
// recorder used when a Get finds a row of a foreign tenant.
func NewExecutor(db DBTX, interceptor *Interceptor, placeholder Placeholder) *Executor {
	return &Executor{db: db, interceptor: interceptor, placeholder: placeholder, logger: interceptor.logger}
}

// WithTx returns an executor bound to tx
func (e *Executor) WithTx(tx *sql.Tx) *Executor {
	cp := *e
	cp.db = tx
	return &cp
}

type args struct {
	style  Placeholder
	values []any
}

func (a *args) add(v any) string {
	a.values = append(a.values, v)
	if a.style == Question {
		return "?"
	}
	return "$" + strconv.Itoa(len(a.values))
}

func (a *args) list(vs []any) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = a.add(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func buildWhere(a *args, filter Filter, tenantColumn string, tenants []string) string {
	var clauses []string
	if tenantColumn != "" && tenants != nil {
		vs := make([]any, len(tenants))
		for i, t := range tenants {
			vs[i] = t
		}
		clauses = append(clauses, tenantColumn+" IN "+a.list(vs))
	}
	for _, p := range filter {
		if p.Op == OpIn {
			clauses = append(clauses, p.Column+" IN "+a.list(p.Values))
			continue
		}
		clauses = append(clauses, p.Column+" "+string(p.Op)+" "+a.add(p.Value))
	}
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

func (e *Executor) selectSQL(sq ScopedQuery, columns string, extra Filter) (string, []any) {
	a := &args{style: e.placeholder}
	filter := sq.query.Filter.And(extra...)
	query := "SELECT " + columns + " FROM " + sq.class.Table +
		buildWhere(a, filter, sq.class.TenantColumn, sq.tenants)
	return query, a.values
}

// List returns every row matching the scoped query
func (e *Executor) List(ctx context.Context, sq ScopedQuery) ([]Record, error) {
	query, values := e.selectSQL(sq, "*", nil)
	if len(sq.query.OrderBy) > 0 {
		terms := make([]string, len(sq.query.OrderBy))
		for i, o := range sq.query.OrderBy {
			terms[i] = o.Column
			if o.Desc {
				terms[i] += " DESC"
			}
		}
		query += " ORDER BY " + strings.Join(terms, ", ")
	}
	if sq.query.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(sq.query.Limit)
	}
	if sq.query.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(sq.query.Offset)
	}

	rows, err := e.db.QueryContext(ctx, query, values...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", sq.class.Name, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Count returns the number of rows matching the scoped query
func (e *Executor) Count(ctx context.Context, sq ScopedQuery) (int64, error) {
	query, values := e.selectSQL(sq, "COUNT(*)", nil)
	var n int64
	if err := e.db.QueryRowContext(ctx, query, values...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", sq.class.Name, err)
	}
	return n, nil
}

// Get returns the row with the given id inside the scope. When the id
// exists under a tenant outside the scope, Get reports a ViolationError
// instead of ErrNotFound.
func (e *Executor) Get(ctx context.Context, sq ScopedQuery, id any) (Record, error) {
	query, values := e.selectSQL(sq, "*", Filter{Eq(sq.class.IDColumn, id)})
	rows, err := e.db.QueryContext(ctx, query+" LIMIT 1", values...)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", sq.class.Name, err)
	}
	records, err := scanRecords(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		return records[0], nil
	}

	if !sq.class.TenantScoped() || sq.unconstrained {
		return nil, ErrNotFound
	}
	return nil, e.explainMiss(ctx, sq, id)
}

// explainMiss looks up the real tenant of a row missing from the scoped result
func (e *Executor) explainMiss(ctx context.Context, sq ScopedQuery, id any) error {
	a := &args{style: e.placeholder}
	query := "SELECT " + sq.class.TenantColumn + " FROM " + sq.class.Table +
		" WHERE " + sq.class.IDColumn + " = " + a.add(id)

	var tenant sql.NullString
	err := e.db.QueryRowContext(ctx, query, a.values...).Scan(&tenant)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		// A failed lookup must not turn into a silent not-found
		return fmt.Errorf("failed to verify scope of %s: %w", sq.class.Name, err)
	}
	for _, t := range sq.tenants {
		if t == tenant.String {
			// In scope; the caller's own filter excluded it
			return ErrNotFound
		}
	}

	v := &ViolationError{
		Class:            sq.class.Name,
		Operation:        OpRead,
		UserID:           sq.ac.UserID(),
		ActiveTenant:     sq.ac.ActiveTenant(),
		RequestedTenants: []string{tenant.String},
		Reason:           fmt.Sprintf("get of %v resolved to a row outside the caller's scope", id),
	}
	e.interceptor.report(ctx, sq.ac, v)
	return v
}

// Create inserts a scoped record
func (e *Executor) Create(ctx context.Context, sr ScopedRecord) error {
	if len(sr.record) == 0 {
		return fmt.Errorf("%w: empty record", ErrInvalidQuery)
	}
	a := &args{style: e.placeholder}
	columns := sortedColumns(sr.record)
	vs := make([]any, len(columns))
	for i, c := range columns {
		vs[i] = sr.record[c]
	}
	query := "INSERT INTO " + sr.class.Table + " (" + strings.Join(columns, ", ") + ") VALUES " + a.list(vs)
	if _, err := e.db.ExecContext(ctx, query, a.values...); err != nil {
		return fmt.Errorf("failed to create %s: %w", sr.class.Name, err)
	}
	return nil
}

// Update applies changes to the guarded rows and returns the number changed.
// Changes may not move a row to another tenant.
func (e *Executor) Update(ctx context.Context, g GuardedFilter, changes Record) (int64, error) {
	if g.operation != OpUpdate {
		return 0, fmt.Errorf("%w: filter was guarded for %s", ErrInvalidQuery, g.operation)
	}
	changes = changes.Clone()
	for col, v := range changes {
		switch {
		case g.class.TenantScoped() && SameColumn(col, g.class.TenantColumn):
			if fmt.Sprint(v) != g.tenant {
				viol := &ViolationError{
					Class:            g.class.Name,
					Operation:        OpUpdate,
					UserID:           g.ac.UserID(),
					ActiveTenant:     g.ac.ActiveTenant(),
					RequestedTenants: []string{fmt.Sprint(v)},
					Reason:           "update attempts to move rows to another tenant",
				}
				e.interceptor.report(ctx, g.ac, viol)
				return 0, viol
			}
			delete(changes, col)
		case SameColumn(col, g.class.IDColumn):
			delete(changes, col)
		}
	}
	if len(changes) == 0 {
		return 0, fmt.Errorf("%w: no columns to update", ErrInvalidQuery)
	}
	if col, dup := duplicateColumn(changes); dup {
		return 0, fmt.Errorf("%w: column %q given twice", ErrInvalidQuery, col)
	}

	a := &args{style: e.placeholder}
	columns := sortedColumns(changes)
	sets := make([]string, len(columns))
	for i, c := range columns {
		if !ValidIdentifier(c) {
			return 0, fmt.Errorf("%w: invalid column %q", ErrInvalidQuery, c)
		}
		sets[i] = c + " = " + a.add(changes[c])
	}
	query := "UPDATE " + g.class.Table + " SET " + strings.Join(sets, ", ") + buildWhere(a, g.filter, g.class.TenantColumn, g.tenants())
	return e.exec(ctx, g.class, query, a.values)
}

// Delete removes the guarded rows and returns the number removed
func (e *Executor) Delete(ctx context.Context, g GuardedFilter) (int64, error) {
	if g.operation != OpDelete {
		return 0, fmt.Errorf("%w: filter was guarded for %s", ErrInvalidQuery, g.operation)
	}
	a := &args{style: e.placeholder}
	query := "DELETE FROM " + g.class.Table + buildWhere(a, g.filter, g.class.TenantColumn, g.tenants())
	return e.exec(ctx, g.class, query, a.values)
}

func (e *Executor) exec(ctx context.Context, c Class, query string, values []any) (int64, error) {
	res, err := e.db.ExecContext(ctx, query, values...)
	if err != nil {
		return 0, fmt.Errorf("failed to modify %s: %w", c.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

func (g GuardedFilter) tenants() []string {
	if !g.class.TenantScoped() {
		return nil
	}
	return []string{g.tenant}
}

func sortedColumns(r Record) []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []Record
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec := make(Record, len(columns))
		for i, c := range columns {
			if b, ok := values[i].([]byte); ok {
				rec[c] = string(b)
				continue
			}
			rec[c] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
