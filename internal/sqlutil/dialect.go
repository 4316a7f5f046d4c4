package sqlutil

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"joinfetch/internal/session"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	Name        string
	Placeholder sq.PlaceholderFormat

	quote        string
	forUpdate    string
	noWait       string
	lockTimeout  func(millis int) string
	resetTimeout string
}

var (
	// MySQL covers MySQL and TiDB.
	MySQL = Dialect{
		Name:        "mysql",
		Placeholder: sq.Question,
		quote:       "`",
		forUpdate:   " FOR UPDATE",
		noWait:      " NOWAIT",
		lockTimeout: func(millis int) string {
			secs := (millis + 999) / 1000
			return fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", secs)
		},
		resetTimeout: "SET SESSION innodb_lock_wait_timeout = DEFAULT",
	}
	Postgres = Dialect{
		Name:        "postgres",
		Placeholder: sq.Dollar,
		quote:       `"`,
		forUpdate:   " FOR UPDATE",
		noWait:      " NOWAIT",
		lockTimeout: func(millis int) string {
			return fmt.Sprintf("SET lock_timeout = %d", millis)
		},
		resetTimeout: "RESET lock_timeout",
	}
	// SQLite locks the whole database on write and has no row lock clause.
	SQLite = Dialect{
		Name:        "sqlite",
		Placeholder: sq.Question,
		quote:       `"`,
	}
)

// DialectFor returns the dialect of a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "mysql", "tidb":
		return MySQL, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Quote quotes name with the dialect's identifier quote.
func (d Dialect) Quote(name string) string {
	q := d.quote
	if q == "" {
		q = `"`
	}
	return quoteWith(name, q)
}

// QuoteIfNeeded returns name unchanged when it is a plain, non-reserved word.
func (d Dialect) QuoteIfNeeded(name string) string {
	if NeedsQuoting(name) {
		return d.Quote(name)
	}
	return name
}

// Qualify renders alias.column with the column quoted when needed.
func (d Dialect) Qualify(alias, column string) string {
	return alias + "." + d.QuoteIfNeeded(column)
}

// LockClause returns the statement suffix acquiring lock, or "" when the
// mode needs no row lock or the dialect has none.
func (d Dialect) LockClause(lock session.LockOptions) string {
	if !lock.IsPessimistic() || d.forUpdate == "" {
		return ""
	}
	if lock.Mode == session.LockUpgradeNoWait || lock.TimeoutMillis < 0 {
		return d.forUpdate + d.noWait
	}
	return d.forUpdate
}

// SupportsRowLocks reports whether the dialect has a lock clause.
func (d Dialect) SupportsRowLocks() bool {
	return d.forUpdate != ""
}

// LockTimeoutStatements returns the statements that set and reset a lock
// wait timeout on a connection, or empty strings when unsupported.
func (d Dialect) LockTimeoutStatements(millis int) (set, reset string) {
	if d.lockTimeout == nil || millis <= 0 {
		return "", ""
	}
	return d.lockTimeout(millis), d.resetTimeout
}
