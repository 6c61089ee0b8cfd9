// Package drivertest provides a scripted in-memory driver for exercising
// the query layer without a database server.
//
// Tests script results per SQL string, then assert on the recorded
// bind/pause/resume/cancel traffic after the fact. Streaming delivery is
// synchronous: Stream pushes every scripted row and the terminal event
// before returning, unless Manual is set, in which case the test drives
// the sink itself through the Push* helpers.
package drivertest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamql/streamql/driver"
	"github.com/streamql/streamql/errs"
)

// Driver implements driver.Driver with scripted connections.
type Driver struct {
	// ConnectErr, when set, fails every Connect call.
	ConnectErr error

	// ConnectDelay widens the window between Open and a successful
	// Connect, for provoking pool creation races.
	ConnectDelay time.Duration

	mu    sync.Mutex
	conns []*Conn
}

// New returns a Driver with an empty script and a small default type table.
func New() *Driver {
	return &Driver{}
}

func (d *Driver) Open(info driver.ConnInfo) driver.Conn {
	c := &Conn{
		info:         info,
		connectErr:   d.ConnectErr,
		connectDelay: d.ConnectDelay,
		Script:       map[string][]driver.Row{},
		Fails:        map[string]error{},
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c
}

func (d *Driver) Types() driver.TypeTable {
	return driver.TypeTable{
		"bit":      {Name: "bit", Tag: 0x32},
		"int":      {Name: "int", Tag: 0x38},
		"bigint":   {Name: "bigint", Tag: 0x7f},
		"float":    {Name: "float", Tag: 0x3e},
		"varchar":  {Name: "varchar", Tag: 0xa7},
		"nvarchar": {Name: "nvarchar", Tag: 0xe7},
		"datetime": {Name: "datetime", Tag: 0x3d},
	}
}

// Conns returns every connection the driver has opened, in order.
func (d *Driver) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Conn is a scripted connection.
type Conn struct {
	info         driver.ConnInfo
	connectErr   error
	connectDelay time.Duration

	// Script maps SQL text to the rows batch and streaming requests
	// return for it. Fails maps SQL text to a forced execution error.
	Script map[string][]driver.Row
	Fails  map[string]error

	mu         sync.Mutex
	connected  bool
	closeCount int
	fatal      func(error)
	requests   []*Request
}

func (c *Conn) Connect(ctx context.Context) error {
	if c.connectDelay > 0 {
		select {
		case <-time.After(c.connectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) Close(_ context.Context) error {
	c.mu.Lock()
	c.closeCount++
	c.mu.Unlock()
	return nil
}

func (c *Conn) Request() driver.Request {
	r := &Request{conn: c}
	c.mu.Lock()
	c.requests = append(c.requests, r)
	c.mu.Unlock()
	return r
}

func (c *Conn) Begin(_ context.Context, level driver.IsolationLevel) (driver.Tx, error) {
	return &Tx{conn: c, Level: level}, nil
}

func (c *Conn) OnFatal(fn func(error)) {
	c.mu.Lock()
	c.fatal = fn
	c.mu.Unlock()
}

func (c *Conn) Server() string   { return c.info.Server }
func (c *Conn) Database() string { return c.info.Database }

// Fail fires the registered fatal handler, simulating a dead connection.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	fn := c.fatal
	c.mu.Unlock()
	if fn != nil {
		fn(errs.Wrap(errs.ErrKindPoolFatal, "connection lost", err))
	}
}

// Connected reports whether Connect completed successfully.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// CloseCount reports how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// Requests returns every request issued on this connection, in order.
func (c *Conn) Requests() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Request(nil), c.requests...)
}

// Request is a scripted request recording all traffic it sees.
type Request struct {
	conn *Conn
	tx   *Tx

	// Manual suppresses automatic streaming delivery; the test pushes
	// events itself via PushRow / PushError / PushDone.
	Manual bool

	mu     sync.Mutex
	params []driver.Param
	sink   driver.Sink

	Pauses  atomic.Int32
	Resumes atomic.Int32
	Cancels atomic.Int32
}

func (r *Request) Bind(p driver.Param) {
	r.mu.Lock()
	r.params = append(r.params, p)
	r.mu.Unlock()
}

func (r *Request) Query(_ context.Context, sql string) ([]driver.Row, error) {
	if r.tx != nil {
		r.tx.active.Add(1)
		defer r.tx.active.Add(-1)
	}
	if err := r.conn.Fails[sql]; err != nil {
		if r.tx != nil {
			r.tx.noteError(err)
		}
		return nil, err
	}
	return append([]driver.Row(nil), r.conn.Script[sql]...), nil
}

func (r *Request) Stream(_ context.Context, sql string, sink driver.Sink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
	if r.Manual {
		return
	}
	if r.tx != nil {
		r.tx.active.Add(1)
		defer r.tx.active.Add(-1)
	}
	if err := r.conn.Fails[sql]; err != nil {
		if r.tx != nil {
			r.tx.noteError(err)
		}
		sink.OnError(err)
		return
	}
	for _, row := range r.conn.Script[sql] {
		sink.OnRow(row)
	}
	sink.OnDone()
}

func (r *Request) Pause()  { r.Pauses.Add(1) }
func (r *Request) Resume() { r.Resumes.Add(1) }
func (r *Request) Cancel() { r.Cancels.Add(1) }

// Params returns the parameters bound so far, in bind order.
func (r *Request) Params() []driver.Param {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]driver.Param(nil), r.params...)
}

// PushRow delivers one row through the sink. Manual mode only.
func (r *Request) PushRow(row driver.Row) { r.currentSink().OnRow(row) }

// PushError delivers the terminal error event. Manual mode only.
func (r *Request) PushError(err error) { r.currentSink().OnError(err) }

// PushDone delivers the terminal completion event. Manual mode only.
func (r *Request) PushDone() { r.currentSink().OnDone() }

func (r *Request) currentSink() driver.Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink
}

// Tx is a scripted transaction.
type Tx struct {
	conn *Conn

	// Level records the isolation level Begin was called with.
	Level driver.IsolationLevel

	// ServerRollbackOn, when set, fires the rollback listener whenever a
	// request on this transaction fails with the given error.
	ServerRollbackOn error

	mu         sync.Mutex
	rollbackFn func()
	fired      bool

	active atomic.Int32

	Commits   atomic.Int32
	Rollbacks atomic.Int32
}

func (t *Tx) Request() driver.Request {
	r := &Request{conn: t.conn, tx: t}
	t.conn.mu.Lock()
	t.conn.requests = append(t.conn.requests, r)
	t.conn.mu.Unlock()
	return r
}

func (t *Tx) Commit(_ context.Context) error {
	t.Commits.Add(1)
	return nil
}

func (t *Tx) Rollback(_ context.Context) error {
	t.Rollbacks.Add(1)
	return nil
}

func (t *Tx) OnRollback(fn func()) {
	t.mu.Lock()
	t.rollbackFn = fn
	t.mu.Unlock()
}

func (t *Tx) ActiveRequests() int {
	return int(t.active.Load())
}

// SetActive forces the in-flight request count, for exercising the
// pre-rollback wait.
func (t *Tx) SetActive(n int32) {
	t.active.Store(n)
}

// FireServerRollback simulates the engine rolling the transaction back on
// its own (deadlock victim).
func (t *Tx) FireServerRollback() {
	t.mu.Lock()
	fn := t.rollbackFn
	already := t.fired
	t.fired = true
	t.mu.Unlock()
	if fn != nil && !already {
		fn()
	}
}

func (t *Tx) noteError(err error) {
	if t.ServerRollbackOn != nil && err == t.ServerRollbackOn {
		t.FireServerRollback()
	}
}
