package streamql

import (
	"context"
	"sync"

	"github.com/streamql/streamql/driver"
	"github.com/streamql/streamql/errs"
)

// Buffer watermarks. Delivery pauses once more than pauseAbove items are
// buffered and resumes when the consumer drains below resumeBelow. The gap
// between the two keeps pause/resume from oscillating at a single boundary.
const (
	defaultPauseAbove  = 50
	defaultResumeBelow = 10
)

// streamItem is one entry in the pending queue: a row, a terminal error,
// or the end-of-stream marker.
type streamItem struct {
	row  driver.Row
	err  error
	done bool
}

// Stream is a pull-based view over one streamed query: single-consumer,
// forward-only, not restartable. The driver pushes items in at its own
// pace; Next hands them out in strict FIFO order, pausing the driver when
// the internal buffer runs past the high watermark.
//
// Callers iterate with Next/Row, check Err once Next returns false, and
// must Close the stream if they stop early.
type Stream struct {
	req  driver.Request
	conn driver.Conn
	sql  string

	pauseAbove  int
	resumeBelow int

	mu     sync.Mutex
	buf    []streamItem
	waiter chan streamItem // one outstanding consumer wait, nil if none
	paused bool
	closed bool
	fin    bool
	err    error

	cur driver.Row
}

func newStream(req driver.Request, conn driver.Conn, sql string) *Stream {
	return &Stream{
		req:         req,
		conn:        conn,
		sql:         sql,
		pauseAbove:  defaultPauseAbove,
		resumeBelow: defaultResumeBelow,
	}
}

// QueryStream executes sql in streaming mode against the pooled connection
// for cfg. Rows arrive through the returned Stream as the server delivers
// them; the full result set is never buffered at once. The caller must
// drain the stream or Close it.
func QueryStream(ctx context.Context, cfg *Config, sql string, params map[string]any, hints map[string]string) (*Stream, error) {
	if err := ensureInit(); err != nil {
		return nil, err
	}
	p, err := acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}
	drv, _ := lookupDriver(cfg.Driver)
	return runStream(ctx, p.conn.Request(), p.conn, drv.Types(), sql, params, hints)
}

// runStream is the streaming executor shared by pool-level and
// transaction-scoped queries.
func runStream(ctx context.Context, req driver.Request, conn driver.Conn, types driver.TypeTable,
	sql string, params map[string]any, hints map[string]string) (*Stream, error) {
	if err := bindParams(req, params, hints, types); err != nil {
		req.Cancel()
		return nil, err
	}
	s := newStream(req, conn, sql)
	req.Stream(ctx, sql, s)
	return s, nil
}

// --- producer side: Stream implements driver.Sink ---

func (s *Stream) OnRow(r driver.Row) { s.push(streamItem{row: r}) }
func (s *Stream) OnError(err error)  { s.push(streamItem{err: err}) }
func (s *Stream) OnDone()            { s.push(streamItem{done: true}) }

func (s *Stream) push(it streamItem) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.waiter != nil {
		w := s.waiter
		s.waiter = nil
		s.mu.Unlock()
		w <- it
		return
	}
	s.buf = append(s.buf, it)
	pause := !s.paused && len(s.buf) > s.pauseAbove
	if pause {
		s.paused = true
	}
	s.mu.Unlock()
	if pause {
		s.req.Pause()
	}
}

// --- consumer side ---

// Next advances to the next row, blocking until the driver delivers one.
// It returns false when the stream ends; check Err afterwards to tell a
// clean end from a failure.
func (s *Stream) Next() bool {
	s.mu.Lock()
	if s.fin || s.closed {
		s.mu.Unlock()
		return false
	}

	var it streamItem
	if len(s.buf) > 0 {
		it = s.buf[0]
		s.buf = s.buf[1:]
		resume := s.paused && len(s.buf) < s.resumeBelow
		if resume {
			s.paused = false
		}
		s.mu.Unlock()
		if resume {
			s.req.Resume()
		}
	} else {
		if s.waiter != nil {
			// The stream is single-consumer; a second concurrent Next
			// means the caller broke the contract.
			s.fin = true
			s.err = errs.New(errs.ErrKindInternalInvariant,
				"concurrent Next on a single-consumer stream")
			s.mu.Unlock()
			return false
		}
		w := make(chan streamItem, 1)
		s.waiter = w
		s.mu.Unlock()
		it = <-w
	}

	switch {
	case it.done:
		s.finish(nil)
		return false
	case it.err != nil:
		s.finish(annotate(it.err, s.sql, s.conn))
		s.req.Cancel()
		return false
	default:
		s.cur = it.row
		return true
	}
}

// Row returns the record Next advanced to.
func (s *Stream) Row() driver.Row {
	return s.cur
}

// Err returns the terminal error, if any, once Next has returned false.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the stream. The underlying request is always cancelled,
// even when the stream already ended, so server-side resources are freed on
// early exit. Safe to call multiple times.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	w := s.waiter
	s.waiter = nil
	s.buf = nil
	s.mu.Unlock()

	if w != nil {
		w <- streamItem{done: true}
	}
	s.req.Cancel()
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.fin = true
	if err != nil {
		s.err = err
	}
	s.mu.Unlock()
}
