package postgres

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/streamql/streamql/driver"
)

// querier abstracts pool-level vs transaction-level execution; both
// *pgxpool.Pool and pgx.Tx satisfy it.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// request implements driver.Request on pgx. Parameters bind as pgx named
// arguments, so the SQL references them as @name.
type request struct {
	q  querier
	tx *transaction // nil outside a transaction

	mu     sync.Mutex
	args   pgx.NamedArgs
	cancel context.CancelFunc

	gate flowGate
}

func (r *request) Bind(p driver.Param) {
	r.mu.Lock()
	if r.args == nil {
		r.args = pgx.NamedArgs{}
	}
	r.args[p.Name] = p.Value
	r.mu.Unlock()
}

func (r *request) Query(ctx context.Context, sql string) ([]driver.Row, error) {
	ctx, cancel := context.WithCancel(ctx)
	r.setCancel(cancel)
	if r.tx != nil {
		r.tx.active.Add(1)
		defer r.tx.active.Add(-1)
	}

	rows, err := r.q.Query(ctx, sql, r.queryArgs()...)
	if err != nil {
		return nil, r.mapRequestErr(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []driver.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, mapError(err)
		}
		rec := make(driver.Row, len(fields))
		for i, f := range fields {
			rec[f.Name] = vals[i]
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapRequestErr(err)
	}
	return out, nil
}

func (r *request) Stream(ctx context.Context, sql string, sink driver.Sink) {
	ctx, cancel := context.WithCancel(ctx)
	r.setCancel(cancel)
	if r.tx != nil {
		r.tx.active.Add(1)
	}

	go func() {
		if r.tx != nil {
			defer r.tx.active.Add(-1)
		}

		rows, err := r.q.Query(ctx, sql, r.queryArgs()...)
		if err != nil {
			sink.OnError(r.mapRequestErr(err))
			return
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		for rows.Next() {
			if !r.gate.wait(ctx) {
				sink.OnError(mapError(ctx.Err()))
				return
			}
			vals, err := rows.Values()
			if err != nil {
				sink.OnError(mapError(err))
				return
			}
			rec := make(driver.Row, len(fields))
			for i, f := range fields {
				rec[f.Name] = vals[i]
			}
			sink.OnRow(rec)
		}
		if err := rows.Err(); err != nil {
			sink.OnError(r.mapRequestErr(err))
			return
		}
		sink.OnDone()
	}()
}

func (r *request) Pause()  { r.gate.pause() }
func (r *request) Resume() { r.gate.resume() }

func (r *request) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *request) setCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
}

func (r *request) queryArgs() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.args) == 0 {
		return nil
	}
	return []any{r.args}
}

// mapRequestErr translates the error and, inside a transaction, reports
// server-side rollbacks (deadlock, serialization failure) to the listener.
func (r *request) mapRequestErr(err error) error {
	if r.tx != nil && isRollbackError(err) {
		r.tx.fireRollback()
	}
	return mapError(err)
}

// flowGate blocks the streaming goroutine while delivery is paused.
type flowGate struct {
	mu     sync.Mutex
	paused bool
	ch     chan struct{} // closed on resume
}

func (g *flowGate) pause() {
	g.mu.Lock()
	if !g.paused {
		g.paused = true
		g.ch = make(chan struct{})
	}
	g.mu.Unlock()
}

func (g *flowGate) resume() {
	g.mu.Lock()
	if g.paused {
		g.paused = false
		close(g.ch)
	}
	g.mu.Unlock()
}

// wait blocks until delivery may continue. Returns false if ctx expired.
func (g *flowGate) wait(ctx context.Context) bool {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return ctx.Err() == nil
	}
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
