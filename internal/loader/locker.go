package loader

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"joinfetch/internal/dbexec"
	"joinfetch/internal/ormerr"
	"joinfetch/internal/session"
	"joinfetch/internal/sqlutil"
)

// RowLocker acquires follow-on locks by selecting each entity row again
// with the lock clause of the dialect. Versioned entities are checked
// against the version they were loaded with.
type RowLocker struct {
	exec    dbexec.QueryExecutor
	dialect sqlutil.Dialect
}

// Locker returns a follow-on locker for sessions of this engine.
func (e *Engine) Locker() *RowLocker {
	return &RowLocker{exec: e.exec, dialect: e.cfg.Dialect}
}

// NewRowLocker returns a locker executing through exec.
func NewRowLocker(exec dbexec.QueryExecutor, dialect sqlutil.Dialect) *RowLocker {
	return &RowLocker{exec: exec, dialect: dialect}
}

// Lock implements session.Locker.
func (r *RowLocker) Lock(ctx context.Context, obj *session.Object, mode session.LockMode) error {
	lock := session.LockOptions{Mode: mode}
	version := obj.Entity.VersionInfo()
	if r.dialect.LockClause(lock) == "" && version == nil {
		return nil
	}

	keyCols := obj.Entity.KeyColumns()
	parts := []any{obj.ID}
	if len(keyCols) > 1 {
		ids, ok := obj.ID.([]any)
		if !ok || len(ids) != len(keyCols) {
			return fmt.Errorf("identifier of %s does not match its key columns", obj.Key)
		}
		parts = ids
	}
	eq := sq.Eq{}
	for i, col := range keyCols {
		eq[r.dialect.QuoteIfNeeded(col)] = parts[i]
	}
	cols := []string{r.dialect.QuoteIfNeeded(keyCols[0])}
	if version != nil {
		cols = []string{r.dialect.QuoteIfNeeded(version.Column)}
	}
	query, args, err := sq.Select(cols...).
		From(r.dialect.QuoteIfNeeded(obj.Entity.TableName())).
		Where(eq).
		Suffix(strings.TrimSpace(r.dialect.LockClause(lock))).
		PlaceholderFormat(r.dialect.Placeholder).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build lock statement for %s: %w", obj.Key, err)
	}

	rows, err := r.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return ormerr.WrapQuery("lock "+obj.Entity.Name, query, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ormerr.WrapQuery("lock "+obj.Entity.Name, query, err)
		}
		return &ormerr.StaleObjectError{Entity: obj.Entity.Name, ID: obj.ID}
	}
	if version == nil {
		return nil
	}
	var current any
	if err := rows.Scan(&current); err != nil {
		return ormerr.WrapQuery("lock "+obj.Entity.Name, query, err)
	}
	loaded, _ := obj.Get(version.Property)
	if session.NormalizeID(current) != session.NormalizeID(loaded) {
		return &ormerr.StaleObjectError{Entity: obj.Entity.Name, ID: obj.ID}
	}
	return nil
}
