package dbexec

import (
	"context"
	"database/sql"
	"fmt"

	"joinfetch/internal/sqlutil"
)

type lockTimeoutKey struct{}

// WithLockTimeout returns a context asking executors to bound lock waits of
// the statements run with it.
func WithLockTimeout(ctx context.Context, millis int) context.Context {
	return context.WithValue(ctx, lockTimeoutKey{}, millis)
}

// LockTimeoutFromContext returns the lock wait timeout carried by ctx.
func LockTimeoutFromContext(ctx context.Context) (int, bool) {
	millis, ok := ctx.Value(lockTimeoutKey{}).(int)
	return millis, ok && millis > 0
}

// LockTimeoutExecutor runs statements on a dedicated connection whose lock
// wait timeout is set from the context before the statement and reset when
// the rows are closed.
type LockTimeoutExecutor struct {
	db      *sql.DB
	dialect sqlutil.Dialect
}

// NewLockTimeoutExecutor creates an executor for db using the timeout
// statements of dialect.
func NewLockTimeoutExecutor(db *sql.DB, dialect sqlutil.Dialect) *LockTimeoutExecutor {
	return &LockTimeoutExecutor{db: db, dialect: dialect}
}

func (e *LockTimeoutExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	millis, ok := LockTimeoutFromContext(ctx)
	set, reset := e.dialect.LockTimeoutStatements(millis)
	if !ok || set == "" {
		return e.db.QueryContext(ctx, query, args...)
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	cleanup := func() {
		_, _ = conn.ExecContext(context.Background(), reset)
		_ = conn.Close()
	}

	if _, err := conn.ExecContext(ctx, set); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to set lock timeout of %dms: %w", millis, err)
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		cleanup()
		return nil, err
	}
	return &pinnedRows{Rows: rows, cleanup: cleanup}, nil
}

func (e *LockTimeoutExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	millis, ok := LockTimeoutFromContext(ctx)
	set, reset := e.dialect.LockTimeoutStatements(millis)
	if !ok || set == "" {
		return e.db.ExecContext(ctx, query, args...)
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), reset)
		_ = conn.Close()
	}()

	if _, err := conn.ExecContext(ctx, set); err != nil {
		return nil, fmt.Errorf("failed to set lock timeout of %dms: %w", millis, err)
	}
	return conn.ExecContext(ctx, query, args...)
}

// pinnedRows releases the dedicated connection when closed.
type pinnedRows struct {
	*sql.Rows
	cleanup func()
}

func (r *pinnedRows) Close() error {
	defer r.cleanup()
	return r.Rows.Close()
}
