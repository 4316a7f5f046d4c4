package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"joinfetch/internal/dbexec"
	"joinfetch/internal/logging"
	"joinfetch/internal/ormerr"
	"joinfetch/internal/session"
)

// ScrollCursor walks the results of a load one root at a time in either
// direction. With a collection fetch a logical row spans every consecutive
// physical row of the same root. The rows are buffered when the cursor is
// opened and the first row and max rows window applies to logical rows.
type ScrollCursor struct {
	l      *Loader
	sess   *session.Context
	params QueryParameters
	lock   session.LockOptions
	logger *logging.Logger

	rows  *dbexec.BufferedRows
	index map[string]int
	width int
	// spans holds the physical row bounds of each logical row in the window.
	spans []span
	pos   int
}

type span struct {
	first, last int
}

// Scroll executes the statement and returns a cursor positioned before the
// first result. Scrolling always reads from the database: the query cache
// is neither consulted nor populated.
func (l *Loader) Scroll(ctx context.Context, sess *session.Context, params QueryParameters) (*ScrollCursor, error) {
	if sess == nil {
		return nil, errors.New("a session is required")
	}
	if l.shape.Entity == nil {
		return nil, fmt.Errorf("loader for %s does not load entities", l.shape.Name())
	}
	args, err := l.bind(params)
	if err != nil {
		return nil, err
	}
	lock := l.lockOptions(params)
	if lock.IsPessimistic() && lock.TimeoutMillis > 0 {
		ctx = dbexec.WithLockTimeout(ctx, lock.TimeoutMillis)
	}
	logger := logging.FromContext(ctx).WithFields(slog.String("root", l.shape.Name()))
	logger.Debug("opening scroll", slog.String("sql", l.query.SQL), slog.Bool("cacheable", params.Cacheable))

	rows, err := l.exec.QueryContext(ctx, l.query.SQL, args...)
	if err != nil {
		return nil, ormerr.WrapQuery("scroll "+l.shape.Name(), l.query.SQL, err)
	}
	buffered, err := dbexec.Buffer(rows)
	if err != nil {
		return nil, ormerr.WrapQuery("scroll "+l.shape.Name(), l.query.SQL, err)
	}
	cols, _ := buffered.Columns()
	c := &ScrollCursor{
		l:      l,
		sess:   sess,
		params: params,
		lock:   lock,
		logger: logger,
		rows:   buffered,
		index:  newColumnIndex(cols),
		width:  len(cols),
		pos:    -1,
	}
	spans, err := c.logicalRows()
	if err != nil {
		_ = buffered.Close()
		return nil, ormerr.WrapQuery("scroll "+l.shape.Name(), l.query.SQL, err)
	}
	c.spans = spanWindow(spans, params.FirstRow, params.MaxRows)
	return c, nil
}

// logicalRows groups consecutive physical rows sharing a root key.
func (c *ScrollCursor) logicalRows() ([]span, error) {
	n := c.rows.Len()
	if !c.l.query.HasCollectionFetch() {
		spans := make([]span, n)
		for i := range spans {
			spans[i] = span{first: i, last: i}
		}
		return spans, nil
	}
	var spans []span
	var current string
	for i := 0; i < n; i++ {
		key, err := c.keyAt(i)
		if err != nil {
			return nil, err
		}
		if len(spans) > 0 && key.String() == current {
			spans[len(spans)-1].last = i
			continue
		}
		spans = append(spans, span{first: i, last: i})
		current = key.String()
	}
	return spans, nil
}

func spanWindow(spans []span, first, max int) []span {
	if first > 0 {
		if first >= len(spans) {
			return nil
		}
		spans = spans[first:]
	}
	if max > 0 && len(spans) > max {
		spans = spans[:max]
	}
	return spans
}

// Next moves to the following result and returns it, or nil past the end.
func (c *ScrollCursor) Next(ctx context.Context) (*session.Object, error) {
	if c.pos+1 >= len(c.spans) {
		c.pos = len(c.spans)
		return nil, nil
	}
	c.pos++
	return c.read(ctx, c.spans[c.pos])
}

// Previous moves to the preceding result and returns it, or nil before the
// start.
func (c *ScrollCursor) Previous(ctx context.Context) (*session.Object, error) {
	if c.pos-1 < 0 {
		c.pos = -1
		return nil, nil
	}
	c.pos--
	return c.read(ctx, c.spans[c.pos])
}

// BeforeFirst repositions the cursor before the first result.
func (c *ScrollCursor) BeforeFirst() {
	c.pos = -1
}

// AfterLast repositions the cursor after the last result.
func (c *ScrollCursor) AfterLast() {
	c.pos = len(c.spans)
}

// Close releases the buffered rows.
func (c *ScrollCursor) Close() error {
	return c.rows.Close()
}

func (c *ScrollCursor) scan(pos int) (row, error) {
	if !c.rows.Absolute(pos) {
		return row{}, dbexec.ErrNoRow
	}
	return scanRow(c.rows, c.index, c.width)
}

func (c *ScrollCursor) keyAt(pos int) (session.EntityKey, error) {
	r, err := c.scan(pos)
	if err != nil {
		return session.EntityKey{}, err
	}
	root := &c.l.query.Layout.Entities[0]
	return session.NewEntityKey(root.Entity, r.value(root.Aliases.Key)), nil
}

// read hydrates the physical rows of s as one logical row.
func (c *ScrollCursor) read(ctx context.Context, s span) (*session.Object, error) {
	p := newPass(c.l, c.sess, c.params, c.lock)
	var root *session.Object
	for pos := s.first; pos <= s.last; pos++ {
		r, err := c.scan(pos)
		if err != nil {
			return nil, ormerr.WrapQuery("scroll "+c.l.shape.Name(), c.l.query.SQL, err)
		}
		p.stats.rows++
		obj, err := p.processRow(r)
		if err != nil {
			return nil, err
		}
		if root == nil {
			root = obj
		}
	}
	var results []*session.Object
	if root != nil {
		results = append(results, root)
	}
	if err := p.finish(ctx, results); err != nil {
		return nil, err
	}
	return root, nil
}
