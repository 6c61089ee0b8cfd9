package streamql

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/streamql/streamql/driver"
	"github.com/streamql/streamql/errs"
)

// rollbackPoll is the interval at which the orchestrator re-checks for
// in-flight requests before issuing a rollback. The driver exposes no
// completion signal, so this is a bounded poll.
const rollbackPoll = 100 * time.Millisecond

type txState int

const (
	txCreated txState = iota
	txBegun
	txCommitted
	txRolledBack
)

// Tx exposes transaction-scoped executors to the function run by
// WithTransaction. All queries issued through it share one underlying
// connection conversation; issuing two at the same time is caller error.
type Tx struct {
	conn  *pooledConn
	types driver.TypeTable
	tx    driver.Tx
	state txState

	serverRolledBack atomic.Bool
}

// Query is the batch executor bound to this transaction.
func (t *Tx) Query(ctx context.Context, sql string, params map[string]any, hints map[string]string) ([]driver.Row, error) {
	return runBatch(ctx, t.tx.Request(), t.conn.conn, t.types, sql, params, hints)
}

// QueryStream is the streaming executor bound to this transaction.
func (t *Tx) QueryStream(ctx context.Context, sql string, params map[string]any, hints map[string]string) (*Stream, error) {
	return runStream(ctx, t.tx.Request(), t.conn.conn, t.types, sql, params, hints)
}

// Handle returns the underlying driver transaction.
func (t *Tx) Handle() driver.Tx {
	return t.tx
}

// WithTransaction runs fn inside a transaction at snapshot isolation on the
// pooled connection for cfg.
//
// If fn returns nil the transaction commits; a commit failure is returned.
// If fn returns an error the transaction rolls back — unless the engine
// already rolled it back on its own — and fn's error is always the one the
// caller observes, never a secondary rollback error. Values carried in ctx
// pass through to fn unchanged.
func WithTransaction(ctx context.Context, cfg *Config, fn func(ctx context.Context, tx *Tx) error) error {
	if err := ensureInit(); err != nil {
		return err
	}
	p, err := acquire(ctx, cfg)
	if err != nil {
		return err
	}
	drv, _ := lookupDriver(cfg.Driver)

	dtx, err := p.conn.Begin(ctx, driver.LevelSnapshot)
	if err != nil {
		return errs.Wrap(errs.ErrKindQueryFailed, "begin transaction", err)
	}

	t := &Tx{conn: p, types: drv.Types(), tx: dtx, state: txBegun}
	dtx.OnRollback(func() {
		t.serverRolledBack.Store(true)
	})

	if err := fn(ctx, t); err != nil {
		t.settleRollback(ctx, err)
		return err
	}

	if err := dtx.Commit(ctx); err != nil {
		t.state = txRolledBack
		return annotate(err, "COMMIT", p.conn)
	}
	t.state = txCommitted
	return nil
}

// settleRollback brings the transaction to its terminal state after fn
// failed. Rollback problems are logged, never returned: the caller always
// sees the error that triggered the rollback.
func (t *Tx) settleRollback(ctx context.Context, cause error) {
	t.state = txRolledBack
	lg := getLog()

	if t.serverRolledBack.Load() {
		lg.With().Err(cause).Logger().
			Error("transaction already rolled back by the server, no action needed")
		return
	}

	// Rolling back while a sibling request is mid-flight corrupts the
	// connection conversation; wait for the transaction to go quiet.
	for t.tx.ActiveRequests() > 0 {
		select {
		case <-ctx.Done():
			lg.With().Err(ctx.Err()).Logger().
				Error("gave up waiting for in-flight requests before rollback")
			return
		case <-time.After(rollbackPoll):
		}
	}

	if err := t.tx.Rollback(ctx); err != nil {
		lg.With().Err(err).Logger().Error("rollback failed")
		return
	}
	lg.With().Err(cause).Logger().Debug("transaction rolled back")
}
