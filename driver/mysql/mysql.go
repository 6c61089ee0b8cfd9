// Package mysql adapts database/sql with go-sql-driver/mysql to the
// streamql driver contract.
//
// Importing it registers the adapter under the name "mysql":
//
//	import _ "github.com/streamql/streamql/driver/mysql"
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // register driver

	"github.com/streamql/streamql"
	"github.com/streamql/streamql/driver"
	"github.com/streamql/streamql/errs"
)

const (
	defaultPort            = 3306
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

func init() {
	streamql.Register("mysql", &Driver{})
}

// Driver implements driver.Driver on top of database/sql.
type Driver struct{}

func (d *Driver) Open(info driver.ConnInfo) driver.Conn {
	return &Conn{info: info}
}

func (d *Driver) Types() driver.TypeTable {
	return typeTable
}

// typeTable maps type hint names to MySQL protocol field types.
var typeTable = driver.TypeTable{
	"bool":      {Name: "bool", Tag: 0x01}, // TINY
	"int":       {Name: "int", Tag: 0x03},  // LONG
	"bigint":    {Name: "bigint", Tag: 0x08},
	"float":     {Name: "float", Tag: 0x05}, // DOUBLE
	"varchar":   {Name: "varchar", Tag: 0x0f},
	"text":      {Name: "text", Tag: 0xfc}, // BLOB/TEXT
	"timestamp": {Name: "timestamp", Tag: 0x07},
	"datetime":  {Name: "datetime", Tag: 0x0c},
	"blob":      {Name: "blob", Tag: 0xfb},
	"json":      {Name: "json", Tag: 0xf5},
}

// Conn implements driver.Conn over a *sql.DB pool.
type Conn struct {
	info  driver.ConnInfo
	sqlDB *sql.DB

	fatalMu   sync.Mutex
	fatal     func(error)
	fatalOnce sync.Once
}

func (c *Conn) OnFatal(fn func(error)) {
	c.fatalMu.Lock()
	c.fatal = fn
	c.fatalMu.Unlock()
}

// Connect opens and verifies the MySQL connection pool.
func (c *Conn) Connect(ctx context.Context) error {
	sqlDB, err := sql.Open("mysql", c.dsn())
	if err != nil {
		return errs.Wrap(errs.ErrKindConnectionFailed, "invalid mysql config", err)
	}

	maxOpen := int(c.info.MaxConns)
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	maxIdle := int(c.info.MinConns)
	if maxIdle == 0 {
		maxIdle = defaultMaxIdleConns
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	pingCtx := ctx
	if c.info.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, c.info.ConnectTimeout)
		defer cancel()
	}
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return mapError(err)
	}
	c.sqlDB = sqlDB
	return nil
}

func (c *Conn) Close(_ context.Context) error {
	if c.sqlDB != nil {
		return c.sqlDB.Close()
	}
	return nil
}

func (c *Conn) Request() driver.Request {
	return &request{conn: c, q: c.sqlDB}
}

func (c *Conn) Begin(ctx context.Context, level driver.IsolationLevel) (driver.Tx, error) {
	opts := &sql.TxOptions{}
	if level == driver.LevelSnapshot {
		// InnoDB's repeatable read uses a consistent snapshot for all
		// plain reads in the transaction.
		opts.Isolation = sql.LevelRepeatableRead
	}
	tx, err := c.sqlDB.BeginTx(ctx, opts)
	if err != nil {
		return nil, mapError(err)
	}
	return &transaction{conn: c, tx: tx}, nil
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
		fn(errs.Wrap(errs.ErrKindPoolFatal, "mysql connection lost", err))
	})
}

// dsn builds the go-sql-driver DSN:
// user:pass@tcp(host:port)/dbname?parseTime=true&...
func (c *Conn) dsn() string {
	port := c.info.Port
	if port == 0 {
		port = defaultPort
	}

	params := []string{"parseTime=true"}
	keys := make([]string, 0, len(c.info.Options))
	for k := range c.info.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		params = append(params, fmt.Sprintf("%s=%s", k, c.info.Options[k]))
	}

	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		c.info.User, c.info.Password, c.info.Server, port, c.info.Database,
		strings.Join(params, "&"))
}
