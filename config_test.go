package streamql

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_CanonicalKey(t *testing.T) {
	base := func() *Config {
		return &Config{
			Driver:   "postgres",
			Server:   "db01",
			Port:     5432,
			Database: "orders",
			User:     "app",
			Password: "secret",
			Options:  map[string]string{"sslmode": "require", "application_name": "svc"},
		}
	}

	t.Run("identical configs share a key", func(t *testing.T) {
		assert.Equal(t, base().canonicalKey(), base().canonicalKey())
	})

	t.Run("option order does not matter", func(t *testing.T) {
		a := base()
		b := base()
		b.Options = map[string]string{"application_name": "svc", "sslmode": "require"}
		assert.Equal(t, a.canonicalKey(), b.canonicalKey())
	})

	t.Run("any differing field changes the key", func(t *testing.T) {
		mutations := map[string]func(*Config){
			"driver":   func(c *Config) { c.Driver = "mysql" },
			"server":   func(c *Config) { c.Server = "db02" },
			"port":     func(c *Config) { c.Port = 5433 },
			"database": func(c *Config) { c.Database = "billing" },
			"user":     func(c *Config) { c.User = "other" },
			"password": func(c *Config) { c.Password = "hunter2" },
			"options":  func(c *Config) { c.Options["sslmode"] = "disable" },
			"pool":     func(c *Config) { c.MaxConns = 42 },
		}
		for name, mutate := range mutations {
			c := base()
			mutate(c)
			assert.NotEqual(t, base().canonicalKey(), c.canonicalKey(), "field %s", name)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.yaml")
	raw := `
driver: postgres
server: db01
port: 5432
database: orders
user: app
password: secret
options:
  sslmode: require
max_conns: 20
min_conns: 4
connect_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "db01", cfg.Server)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "orders", cfg.Database)
	assert.Equal(t, "require", cfg.Options["sslmode"])
	assert.Equal(t, int32(20), cfg.MaxConns)
	assert.Equal(t, int32(4), cfg.MinConns)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
