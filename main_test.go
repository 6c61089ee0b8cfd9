package streamql

import (
	"io"
	"testing"

	"github.com/streamql/streamql/logger"
)

// initTest arms the module with a discard logger and empties the pool
// registry so tests cannot see each other's entries.
func initTest(t *testing.T) {
	t.Helper()
	Init(logger.New(&logger.Config{Level: "debug", Format: "json", Output: io.Discard}))
	reg.mu.Lock()
	reg.conns = make(map[string]*pooledConn)
	reg.mu.Unlock()
}

func testConfig(driverName, server string) *Config {
	return &Config{
		Driver:   driverName,
		Server:   server,
		Port:     1433,
		Database: "orders",
		User:     "app",
		Password: "secret",
	}
}
