package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/streamql/streamql/errs"
)

// PostgreSQL SQLSTATE error codes relevant to this adapter.
// Full list: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgErrConnectionFailure    = "08006"
	pgErrAdminShutdown        = "57P01"
	pgErrCrashShutdown        = "57P02"
	pgErrSyntaxError          = "42601"
	pgErrUndefinedTable       = "42P01"
	pgErrUndefinedColumn      = "42703"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"
)

// mapError converts a pgx error into a streamql error.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, "operation cancelled", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrConnectionFailure, pgErrAdminShutdown, pgErrCrashShutdown:
			return errs.Wrap(errs.ErrKindConnectionFailed, "database connection failed", err)
		default:
			return errs.Wrap(errs.ErrKindQueryFailed,
				fmt.Sprintf("query error: %s", pgErr.Message), err)
		}
	}

	return errs.Wrap(errs.ErrKindUnknown, err.Error(), err)
}

// isRollbackError reports whether err means the server already rolled the
// transaction back (the statement's transaction was chosen as a victim).
func isRollbackError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgErrSerializationFailure || pgErr.Code == pgErrDeadlockDetected
}
