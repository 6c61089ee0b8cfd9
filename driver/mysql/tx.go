package mysql

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/streamql/streamql/driver"
)

// transaction implements driver.Tx on *sql.Tx.
type transaction struct {
	conn   *Conn
	tx     *sql.Tx
	active atomic.Int32

	mu         sync.Mutex
	rollbackFn func()
	fired      bool
}

func (t *transaction) Request() driver.Request {
	return &request{conn: t.conn, q: t.tx, tx: t}
}

func (t *transaction) Commit(_ context.Context) error {
	return mapError(t.tx.Commit())
}

func (t *transaction) Rollback(_ context.Context) error {
	return mapError(t.tx.Rollback())
}

func (t *transaction) OnRollback(fn func()) {
	t.mu.Lock()
	t.rollbackFn = fn
	t.mu.Unlock()
}

func (t *transaction) ActiveRequests() int {
	return int(t.active.Load())
}

// fireRollback notifies the listener, at most once, that the server rolled
// the transaction back on its own.
func (t *transaction) fireRollback() {
	t.mu.Lock()
	fn := t.rollbackFn
	already := t.fired
	t.fired = true
	t.mu.Unlock()
	if fn != nil && !already {
		fn()
	}
}
