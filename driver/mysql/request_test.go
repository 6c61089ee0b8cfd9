package mysql

import (
	"errors"
	"testing"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamql/streamql/errs"
)

func TestRewriteNamed(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		params   map[string]any
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "single placeholder",
			query:    "SELECT * FROM users WHERE id = @id",
			params:   map[string]any{"id": 7},
			wantSQL:  "SELECT * FROM users WHERE id = ?",
			wantArgs: []any{7},
		},
		{
			name:     "repeated placeholder binds twice",
			query:    "SELECT @v AS a, @v AS b",
			params:   map[string]any{"v": "x"},
			wantSQL:  "SELECT ? AS a, ? AS b",
			wantArgs: []any{"x", "x"},
		},
		{
			name:     "order follows appearance",
			query:    "SELECT * FROM t WHERE a = @second AND b = @first",
			params:   map[string]any{"first": 1, "second": 2},
			wantSQL:  "SELECT * FROM t WHERE a = ? AND b = ?",
			wantArgs: []any{2, 1},
		},
		{
			name:     "placeholder inside string literal untouched",
			query:    "SELECT '@id' AS lit, id FROM t WHERE id = @id",
			params:   map[string]any{"id": 3},
			wantSQL:  "SELECT '@id' AS lit, id FROM t WHERE id = ?",
			wantArgs: []any{3},
		},
		{
			name:     "doubled quote inside literal",
			query:    "SELECT 'it''s @fine' FROM t WHERE id = @id",
			params:   map[string]any{"id": 3},
			wantSQL:  "SELECT 'it''s @fine' FROM t WHERE id = ?",
			wantArgs: []any{3},
		},
		{
			name:     "backtick identifier untouched",
			query:    "SELECT `weird@col` FROM t WHERE id = @id",
			params:   map[string]any{"id": 3},
			wantSQL:  "SELECT `weird@col` FROM t WHERE id = ?",
			wantArgs: []any{3},
		},
		{
			name:    "unbound placeholder left for the server",
			query:   "SELECT @@version, @missing",
			params:  map[string]any{},
			wantSQL: "SELECT @@version, @missing",
		},
		{
			name:    "no placeholders",
			query:   "SELECT 1",
			params:  map[string]any{"unused": 1},
			wantSQL: "SELECT 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSQL, gotArgs := rewriteNamed(tt.query, tt.params)
			assert.Equal(t, tt.wantSQL, gotSQL)
			assert.Equal(t, tt.wantArgs, gotArgs)
		})
	}
}

func TestMapError(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, mapError(nil))
	})

	t.Run("deadlock is a query failure and a server rollback", func(t *testing.T) {
		err := &mysqldrv.MySQLError{Number: mysqlErrDeadlock, Message: "Deadlock found"}
		mapped := mapError(err)
		assert.True(t, errs.IsQueryFailed(mapped))
		assert.True(t, isRollbackError(err))
	})

	t.Run("access denied is a connection failure", func(t *testing.T) {
		err := &mysqldrv.MySQLError{Number: mysqlErrAccessDenied, Message: "Access denied"}
		assert.True(t, errs.IsConnectionFailed(mapError(err)))
	})

	t.Run("invalid conn is fatal", func(t *testing.T) {
		require.True(t, isFatalError(mysqldrv.ErrInvalidConn))
		assert.True(t, errs.IsConnectionFailed(mapError(mysqldrv.ErrInvalidConn)))
	})

	t.Run("unknown errors keep their cause", func(t *testing.T) {
		cause := errors.New("strange")
		mapped := mapError(cause)
		assert.ErrorIs(t, mapped, cause)
	})
}

func TestConn_DSN(t *testing.T) {
	c := &Conn{}
	c.info.Server = "db01"
	c.info.Database = "orders"
	c.info.User = "app"
	c.info.Password = "secret"
	c.info.Options = map[string]string{"charset": "utf8mb4"}

	assert.Equal(t,
		"app:secret@tcp(db01:3306)/orders?parseTime=true&charset=utf8mb4",
		c.dsn())
}
