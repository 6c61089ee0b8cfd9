// Package driver defines the contract between the streamql query layer and
// a database driver.
//
// The query layer never speaks a wire protocol itself: it acquires a Conn
// from a registered Driver, issues Requests through it, and consumes either
// a fully buffered row set (batch mode) or asynchronous push events
// (streaming mode). Adapters for PostgreSQL and MySQL live in subpackages;
// tests use the scripted driver in drivertest.
package driver

import (
	"context"
	"time"
)

// IsolationLevel selects the transaction isolation a Conn.Begin uses.
type IsolationLevel int

const (
	LevelDefault IsolationLevel = iota

	// LevelSnapshot gives the transaction a consistent point-in-time view.
	// Engines without a native snapshot level map it to their closest
	// equivalent (repeatable read).
	LevelSnapshot
)

// Type identifies one entry in a driver's SQL type table.
type Type struct {
	Name string
	Tag  uint32 // driver-internal tag (OID, protocol code, ...)
}

// TypeTable maps lower-cased type names to driver types. Lookups are
// case-insensitive: callers lower-case the name before indexing.
type TypeTable map[string]Type

// Param is one bound query parameter. A nil Type lets the driver infer the
// SQL type from the Go value.
type Param struct {
	Name  string
	Value any
	Type  *Type
}

// Row is a single result record keyed by column name.
type Row map[string]any

// Sink receives push events for one streamed query. OnRow is called once
// per row in source order; delivery ends with exactly one OnError or OnDone
// call. Implementations must not block indefinitely inside a callback.
type Sink interface {
	OnRow(Row)
	OnError(error)
	OnDone()
}

// ConnInfo carries the settings a driver needs to dial and pool.
type ConnInfo struct {
	Server         string
	Port           int
	Database       string
	User           string
	Password       string
	Options        map[string]string
	MaxConns       int32
	MinConns       int32
	ConnectTimeout time.Duration
}

// Driver constructs connections and exposes the engine's type table.
type Driver interface {
	// Open builds an unconnected Conn for the given settings.
	Open(info ConnInfo) Conn

	// Types returns the table used to resolve explicit type hints.
	Types() TypeTable
}

// Conn is one pooled connection to a server/database pair.
type Conn interface {
	// Connect dials and verifies the connection. Blocks until the server
	// acknowledges or ctx expires.
	Connect(ctx context.Context) error

	// Close releases the connection and all pooled resources.
	Close(ctx context.Context) error

	// Request constructs a fresh request bound to this connection.
	Request() Request

	// Begin opens a transaction at the given isolation level.
	Begin(ctx context.Context, level IsolationLevel) (Tx, error)

	// OnFatal registers the handler invoked at most once when the
	// connection hits an unrecoverable error. Must be set before Connect.
	OnFatal(fn func(error))

	// Server and Database identify the peer for error annotation.
	// Best-effort: either may return the empty string.
	Server() string
	Database() string
}

// Request drives a single query execution. Not reused across queries.
type Request interface {
	// Bind attaches a parameter. All Bind calls happen before Query or
	// Stream; values are validated by the caller.
	Bind(p Param)

	// Query executes in batch mode, returning every row in source order.
	Query(ctx context.Context, sql string) ([]Row, error)

	// Stream executes in event mode. It returns immediately; rows are
	// delivered asynchronously through sink until a terminal event.
	Stream(ctx context.Context, sql string, sink Sink)

	// Pause and Resume throttle streaming delivery. Pause may be called
	// from inside a Sink callback.
	Pause()
	Resume()

	// Cancel aborts the in-flight execution and releases server-side
	// resources. Idempotent; a no-op once the request has completed.
	Cancel()
}

// Tx is an open transaction owning its own request-issuing handle.
type Tx interface {
	// Request constructs a request bound to this transaction.
	Request() Request

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// OnRollback registers the handler invoked if the engine itself rolls
	// the transaction back (deadlock victim, serialization failure).
	OnRollback(fn func())

	// ActiveRequests reports how many requests issued through this
	// transaction have not yet completed.
	ActiveRequests() int
}
