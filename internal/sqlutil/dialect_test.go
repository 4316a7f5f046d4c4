package sqlutil

import (
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joinfetch/internal/session"
)

func TestDialectFor(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{"mysql", "mysql"},
		{"TiDB", "mysql"},
		{"postgres", "postgres"},
		{"sqlite", "sqlite"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := DialectFor(tt.driver)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Name)
		})
	}

	_, err := DialectFor("oracle")
	assert.Error(t, err)
}

func TestDialect_Quote(t *testing.T) {
	assert.Equal(t, "`order`", MySQL.Quote("order"))
	assert.Equal(t, `"order"`, Postgres.Quote("order"))
	assert.Equal(t, "o.code", Postgres.Qualify("o", "code"))
	assert.Equal(t, `o."user"`, SQLite.Qualify("o", "user"))
}

func TestDialect_LockClause(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		lock    session.LockOptions
		want    string
	}{
		{"none", MySQL, session.LockOptions{Mode: session.LockNone}, ""},
		{"read needs no row lock", MySQL, session.LockOptions{Mode: session.LockRead}, ""},
		{"upgrade", MySQL, session.LockOptions{Mode: session.LockUpgrade}, " FOR UPDATE"},
		{"nowait", Postgres, session.LockOptions{Mode: session.LockUpgradeNoWait}, " FOR UPDATE NOWAIT"},
		{"negative timeout", Postgres, session.LockOptions{Mode: session.LockWrite, TimeoutMillis: -1}, " FOR UPDATE NOWAIT"},
		{"sqlite", SQLite, session.LockOptions{Mode: session.LockUpgrade}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dialect.LockClause(tt.lock))
		})
	}
}

func TestDialect_LockTimeoutStatements(t *testing.T) {
	set, reset := MySQL.LockTimeoutStatements(1500)
	assert.Equal(t, "SET SESSION innodb_lock_wait_timeout = 2", set)
	assert.Equal(t, "SET SESSION innodb_lock_wait_timeout = DEFAULT", reset)

	set, reset = Postgres.LockTimeoutStatements(250)
	assert.Equal(t, "SET lock_timeout = 250", set)
	assert.Equal(t, "RESET lock_timeout", reset)

	set, _ = SQLite.LockTimeoutStatements(250)
	assert.Empty(t, set)
}

func TestDialect_Placeholder(t *testing.T) {
	sql, err := Postgres.Placeholder.ReplacePlaceholders("a = ? AND b = ?")
	require.NoError(t, err)
	assert.Equal(t, "a = $1 AND b = $2", sql)
	assert.Equal(t, sq.Question, MySQL.Placeholder)
}
