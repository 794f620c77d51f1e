package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Postgres SQLSTATE codes the domain stores branch on
const (
	codeUniqueViolation      = "23505"
	codeRaiseException       = "P0001"
	codeSerializationFailure = "40001"
)

// WithTx runs fn inside a transaction, committing on success and rolling back
// on error or panic.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique constraint violation
func IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

// IsRaisedException reports whether err came from a RAISE EXCEPTION in a
// trigger or function (the audit append-only trigger uses this).
func IsRaisedException(err error) bool {
	return hasCode(err, codeRaiseException)
}

// IsSerializationFailure reports whether a serializable transaction lost a race
func IsSerializationFailure(err error) bool {
	return hasCode(err, codeSerializationFailure)
}

func hasCode(err error, code string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}
