package mysql

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/streamql/streamql/driver"
)

// querier abstracts pool-level vs transaction-level execution; both
// *sql.DB and *sql.Tx satisfy it.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// request implements driver.Request on database/sql. MySQL has no named
// parameters on the wire, so @name placeholders are rewritten to ? before
// execution.
type request struct {
	conn *Conn
	q    querier
	tx   *transaction // nil outside a transaction

	mu     sync.Mutex
	params map[string]any
	cancel context.CancelFunc

	gate flowGate
}

func (r *request) Bind(p driver.Param) {
	r.mu.Lock()
	if r.params == nil {
		r.params = map[string]any{}
	}
	r.params[p.Name] = p.Value
	r.mu.Unlock()
}

func (r *request) Query(ctx context.Context, query string) ([]driver.Row, error) {
	ctx, cancel := context.WithCancel(ctx)
	r.setCancel(cancel)
	if r.tx != nil {
		r.tx.active.Add(1)
		defer r.tx.active.Add(-1)
	}

	stmt, args := rewriteNamed(query, r.boundParams())
	rows, err := r.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, r.mapRequestErr(err)
	}
	defer rows.Close()

	out, err := scanAll(rows)
	if err != nil {
		return nil, r.mapRequestErr(err)
	}
	return out, nil
}

func (r *request) Stream(ctx context.Context, query string, sink driver.Sink) {
	ctx, cancel := context.WithCancel(ctx)
	r.setCancel(cancel)
	if r.tx != nil {
		r.tx.active.Add(1)
	}

	go func() {
		if r.tx != nil {
			defer r.tx.active.Add(-1)
		}

		stmt, args := rewriteNamed(query, r.boundParams())
		rows, err := r.q.QueryContext(ctx, stmt, args...)
		if err != nil {
			sink.OnError(r.mapRequestErr(err))
			return
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			sink.OnError(mapError(err))
			return
		}
		for rows.Next() {
			if !r.gate.wait(ctx) {
				sink.OnError(mapError(ctx.Err()))
				return
			}
			rec, err := scanOne(rows, cols)
			if err != nil {
				sink.OnError(mapError(err))
				return
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

func (r *request) boundParams() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

func (r *request) mapRequestErr(err error) error {
	if r.tx != nil && isRollbackError(err) {
		r.tx.fireRollback()
	}
	if isFatalError(err) {
		r.conn.fireFatal(err)
	}
	return mapError(err)
}

// scanAll reads every row from rows into column-keyed records.
func scanAll(rows *sql.Rows) ([]driver.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []driver.Row
	for rows.Next() {
		rec, err := scanOne(rows, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanOne(rows *sql.Rows, cols []string) (driver.Row, error) {
	dest := make([]any, len(cols))
	destPtrs := make([]any, len(cols))
	for i := range dest {
		destPtrs[i] = &dest[i]
	}
	if err := rows.Scan(destPtrs...); err != nil {
		return nil, err
	}
	rec := make(driver.Row, len(cols))
	for i, col := range cols {
		rec[col] = dest[i]
	}
	return rec, nil
}

// rewriteNamed converts @name placeholders to positional ? arguments,
// skipping text inside single-quoted strings and backtick identifiers.
// Placeholders without a bound value are left untouched for the server to
// reject.
func rewriteNamed(query string, params map[string]any) (string, []any) {
	var sb strings.Builder
	var args []any

	for i := 0; i < len(query); i++ {
		c := query[i]
		switch c {
		case '\'', '`':
			// Copy the quoted run verbatim, honouring doubled quotes.
			quote := c
			sb.WriteByte(c)
			for i++; i < len(query); i++ {
				sb.WriteByte(query[i])
				if query[i] == quote {
					if i+1 < len(query) && query[i+1] == quote {
						i++
						sb.WriteByte(quote)
						continue
					}
					break
				}
			}
		case '@':
			j := i + 1
			for j < len(query) && isNameByte(query[j]) {
				j++
			}
			name := query[i+1 : j]
			if val, ok := params[name]; ok && name != "" {
				sb.WriteByte('?')
				args = append(args, val)
				i = j - 1
				continue
			}
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), args
}

func isNameByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
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
