package streamql

import (
	"context"
	"fmt"

	"github.com/streamql/streamql/driver"
	"github.com/streamql/streamql/errs"
)

// Query executes sql in batch mode against the pooled connection for cfg
// and returns the full row set in source order. Parameters are referenced
// in the SQL as @name; hints optionally force a parameter's SQL type.
func Query(ctx context.Context, cfg *Config, sql string, params map[string]any, hints map[string]string) ([]driver.Row, error) {
	if err := ensureInit(); err != nil {
		return nil, err
	}
	p, err := acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}
	drv, _ := lookupDriver(cfg.Driver)
	return runBatch(ctx, p.conn.Request(), p.conn, drv.Types(), sql, params, hints)
}

// runBatch is the batch executor shared by pool-level and transaction-scoped
// queries. The request is always cancelled on the way out; cancelling an
// already completed request is a no-op.
func runBatch(ctx context.Context, req driver.Request, conn driver.Conn, types driver.TypeTable,
	sql string, params map[string]any, hints map[string]string) ([]driver.Row, error) {
	defer req.Cancel()

	if err := bindParams(req, params, hints, types); err != nil {
		return nil, err
	}

	rows, err := req.Query(ctx, sql)
	if err != nil {
		// Parameter values may be sensitive; they are only ever logged
		// at debug severity.
		getLog().With().Err(err).Str("query", sql).Any("params", params).
			Logger().Debug("query failed")
		return nil, annotate(err, sql, conn)
	}
	return rows, nil
}

// annotate wraps err with the query text and, when available, the identity
// of the server the query ran against. Identity lookup is best-effort and
// never fails on its own.
func annotate(err error, sql string, conn driver.Conn) error {
	msg := fmt.Sprintf("query failed: %s", sql)
	if conn != nil {
		if server := conn.Server(); server != "" {
			msg = fmt.Sprintf("query failed on %s/%s: %s", server, conn.Database(), sql)
		}
	}
	return errs.Wrap(errs.ErrKindQueryFailed, msg, err)
}
