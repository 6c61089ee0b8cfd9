package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/streamql/streamql/errs"
)

// MySQL server error numbers relevant to this adapter.
// Full list: https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	mysqlErrDeadlock       = 1213
	mysqlErrServerGone     = 2006
	mysqlErrAccessDenied   = 1045
	mysqlErrUnknownDB      = 1049
	mysqlErrSyntax         = 1064
	mysqlErrNoSuchTable    = 1146
	mysqlErrUnknownColumn  = 1054
	mysqlErrTooManyConns   = 1040
	mysqlErrHostNotAllowed = 1130
)

// mapError converts a go-sql-driver error into a streamql error.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, "operation cancelled", err)
	}
	if errors.Is(err, mysqldrv.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return errs.Wrap(errs.ErrKindConnectionFailed, "database connection failed", err)
	}

	var myErr *mysqldrv.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrAccessDenied, mysqlErrTooManyConns, mysqlErrHostNotAllowed, mysqlErrServerGone:
			return errs.Wrap(errs.ErrKindConnectionFailed, "database connection failed", err)
		default:
			return errs.Wrap(errs.ErrKindQueryFailed,
				fmt.Sprintf("query error: %s", myErr.Message), err)
		}
	}

	return errs.Wrap(errs.ErrKindUnknown, err.Error(), err)
}

// isRollbackError reports whether err means the server already rolled the
// transaction back. InnoDB rolls the whole transaction back when it picks
// it as a deadlock victim.
func isRollbackError(err error) bool {
	var myErr *mysqldrv.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDeadlock
}

// isFatalError reports whether err means the connection itself is dead.
func isFatalError(err error) bool {
	if errors.Is(err, mysqldrv.ErrInvalidConn) {
		return true
	}
	var myErr *mysqldrv.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrServerGone
}
