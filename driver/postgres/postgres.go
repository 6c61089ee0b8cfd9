// Package postgres adapts jackc/pgx to the streamql driver contract.
//
// Importing it registers the adapter under the name "postgres":
//
//	import _ "github.com/streamql/streamql/driver/postgres"
package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamql/streamql"
	"github.com/streamql/streamql/driver"
	"github.com/streamql/streamql/errs"
)

const defaultPort = 5432

func init() {
	streamql.Register("postgres", &Driver{})
}

// Driver implements driver.Driver on top of pgxpool.
type Driver struct{}

func (d *Driver) Open(info driver.ConnInfo) driver.Conn {
	return &Conn{info: info}
}

func (d *Driver) Types() driver.TypeTable {
	return typeTable
}

// typeTable maps type hint names to PostgreSQL OIDs.
var typeTable = driver.TypeTable{
	"bool":      {Name: "bool", Tag: pgtype.BoolOID},
	"int":       {Name: "int", Tag: pgtype.Int4OID},
	"bigint":    {Name: "bigint", Tag: pgtype.Int8OID},
	"float":     {Name: "float", Tag: pgtype.Float8OID},
	"varchar":   {Name: "varchar", Tag: pgtype.VarcharOID},
	"text":      {Name: "text", Tag: pgtype.TextOID},
	"timestamp": {Name: "timestamp", Tag: pgtype.TimestampOID},
	"uuid":      {Name: "uuid", Tag: pgtype.UUIDOID},
	"json":      {Name: "json", Tag: pgtype.JSONOID},
	"bytea":     {Name: "bytea", Tag: pgtype.ByteaOID},
}

// Conn implements driver.Conn over a pgx connection pool.
type Conn struct {
	info driver.ConnInfo
	pool *pgxpool.Pool

	fatalMu   sync.Mutex
	fatal     func(error)
	fatalOnce sync.Once
}

func (c *Conn) OnFatal(fn func(error)) {
	c.fatalMu.Lock()
	c.fatal = fn
	c.fatalMu.Unlock()
}

// Connect builds the pgx pool and verifies it with a ping.
func (c *Conn) Connect(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(c.dsn())
	if err != nil {
		return errs.Wrap(errs.ErrKindConnectionFailed, "invalid postgres config", err)
	}

	if c.info.MaxConns > 0 {
		poolCfg.MaxConns = c.info.MaxConns
	}
	if c.info.MinConns > 0 {
		poolCfg.MinConns = c.info.MinConns
	}
	if c.info.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = c.info.ConnectTimeout
	}

	// A FATAL severity response means the server is tearing the session
	// down; surface it to the pool registry so the entry gets evicted.
	poolCfg.ConnConfig.OnPgError = func(_ *pgconn.PgConn, pgErr *pgconn.PgError) bool {
		if pgErr.Severity == "FATAL" {
			c.fireFatal(pgErr)
			return false
		}
		return true
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return mapError(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return mapError(err)
	}
	c.pool = pool
	return nil
}

func (c *Conn) Close(_ context.Context) error {
	if c.pool != nil {
		c.pool.Close()
	}
	return nil
}

func (c *Conn) Request() driver.Request {
	return &request{q: c.pool}
}

func (c *Conn) Begin(ctx context.Context, level driver.IsolationLevel) (driver.Tx, error) {
	opts := pgx.TxOptions{}
	if level == driver.LevelSnapshot {
		// Repeatable read is PostgreSQL's snapshot level: the transaction
		// sees one consistent snapshot for its whole lifetime.
		opts.IsoLevel = pgx.RepeatableRead
	}
	tx, err := c.pool.BeginTx(ctx, opts)
	if err != nil {
		return nil, mapError(err)
	}
	return &transaction{tx: tx}, nil
}

func (c *Conn) Server() string   { return c.info.Server }
func (c *Conn) Database() string { return c.info.Database }

func (c *Conn) fireFatal(err error) {
	c.fatalMu.Lock()
	fn := c.fatal
	c.fatalMu.Unlock()
	if fn == nil {
		return
	}
	c.fatalOnce.Do(func() {
		fn(errs.Wrap(errs.ErrKindPoolFatal, "postgres connection lost", err))
	})
}

// dsn builds a keyword/value connection string from the conn info.
func (c *Conn) dsn() string {
	port := c.info.Port
	if port == 0 {
		port = defaultPort
	}
	parts := []string{
		fmt.Sprintf("host=%s", c.info.Server),
		fmt.Sprintf("port=%d", port),
		fmt.Sprintf("user=%s", c.info.User),
		fmt.Sprintf("password=%s", c.info.Password),
		fmt.Sprintf("dbname=%s", c.info.Database),
	}

	keys := make([]string, 0, len(c.info.Options))
	for k := range c.info.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, c.info.Options[k]))
	}
	return strings.Join(parts, " ")
}
