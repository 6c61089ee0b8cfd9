// Package streamql is a connection-pooled SQL query execution layer.
//
// It provides pooled connection reuse keyed by configuration, buffered
// streaming of large result sets with backpressure, transactional execution
// with automatic rollback on failure, and safe identifier quoting. The wire
// protocol itself belongs to a registered driver (see the driver package and
// its postgres / mysql adapters).
//
// The module is inert until Init supplies the logger; every public
// operation fails with ErrKindNotInitialized before that. ShutdownAll must
// run before process exit to release pooled connections.
package streamql

import (
	"sync"

	"github.com/streamql/streamql/driver"
	"github.com/streamql/streamql/errs"
	"github.com/streamql/streamql/logger"
)

var (
	mu      sync.Mutex
	log     *logger.Logger
	drivers = map[string]driver.Driver{}
)

// Init supplies the log sink and arms the module. Must be called once
// before any query or transaction API is used.
func Init(l *logger.Logger) {
	mu.Lock()
	log = l
	mu.Unlock()
}

// Register makes a driver available under the given name. Drivers call it
// from their package init; importing an adapter package for side effects is
// enough to register it. Registering may happen before Init. The last
// registration for a name wins.
func Register(name string, d driver.Driver) {
	mu.Lock()
	drivers[name] = d
	mu.Unlock()
}

func lookupDriver(name string) (driver.Driver, bool) {
	mu.Lock()
	defer mu.Unlock()
	d, ok := drivers[name]
	return d, ok
}

func ensureInit() error {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		return errs.New(errs.ErrKindNotInitialized, "streamql.Init must be called before use")
	}
	return nil
}

func getLog() *logger.Logger {
	mu.Lock()
	defer mu.Unlock()
	return log
}
