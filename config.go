package streamql

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/streamql/streamql/driver"
	"github.com/streamql/streamql/errs"
)

// Config holds all settings needed to connect to and pool a database.
// Once used to acquire a pooled connection it identifies that pool entry
// and must not be mutated.
type Config struct {
	// Driver names the registered driver (e.g. "postgres", "mysql").
	Driver string `yaml:"driver"`

	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// Options carries driver-specific connection settings
	// (sslmode, parseTime, ...).
	Options map[string]string `yaml:"options"`

	// Pool tuning
	MaxConns       int32         `yaml:"max_conns"`
	MinConns       int32         `yaml:"min_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// UnmarshalYAML parses a Config from YAML, accepting "5s"-style duration
// strings for connect_timeout.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Driver         string            `yaml:"driver"`
		Server         string            `yaml:"server"`
		Port           int               `yaml:"port"`
		Database       string            `yaml:"database"`
		User           string            `yaml:"user"`
		Password       string            `yaml:"password"`
		Options        map[string]string `yaml:"options"`
		MaxConns       int32             `yaml:"max_conns"`
		MinConns       int32             `yaml:"min_conns"`
		ConnectTimeout string            `yaml:"connect_timeout"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}

	*c = Config{
		Driver:   r.Driver,
		Server:   r.Server,
		Port:     r.Port,
		Database: r.Database,
		User:     r.User,
		Password: r.Password,
		Options:  r.Options,
		MaxConns: r.MaxConns,
		MinConns: r.MinConns,
	}
	if r.ConnectTimeout != "" {
		d, err := time.ParseDuration(r.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("connect_timeout: %w", err)
		}
		c.ConnectTimeout = d
	}
	return nil
}

// LoadConfig reads a YAML config file into a Config.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnectionFailed,
			fmt.Sprintf("cannot read config file %s", path), err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errs.Wrap(errs.ErrKindConnectionFailed,
			fmt.Sprintf("cannot parse config file %s", path), err)
	}
	return cfg, nil
}

// canonicalKey produces a stable identity for pool lookup. Two configs with
// the same settings always map to the same key: option keys are sorted so
// map ordering cannot leak into the identity.
func (c *Config) canonicalKey() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|%s|%d|%s|%s|%s|%d|%d|%s",
		c.Driver, c.Server, c.Port, c.Database, c.User, c.Password,
		c.MaxConns, c.MinConns, c.ConnectTimeout)

	keys := make([]string, 0, len(c.Options))
	for k := range c.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "|%s=%s", k, c.Options[k])
	}
	return sb.String()
}

func (c *Config) connInfo() driver.ConnInfo {
	return driver.ConnInfo{
		Server:         c.Server,
		Port:           c.Port,
		Database:       c.Database,
		User:           c.User,
		Password:       c.Password,
		Options:        c.Options,
		MaxConns:       c.MaxConns,
		MinConns:       c.MinConns,
		ConnectTimeout: c.ConnectTimeout,
	}
}
