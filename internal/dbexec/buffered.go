package dbexec

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrNoRow is returned by Scan when the cursor is not positioned on a row.
var ErrNoRow = errors.New("cursor is not positioned on a row")

// BufferedRows is a scrollable cursor over rows read eagerly from an
// underlying result. Drivers behind database/sql only stream forward, so
// backward navigation and absolute positioning are served from memory.
type BufferedRows struct {
	columns []string
	rows    [][]any
	// pos is the current row, -1 before the first and len(rows) after the last.
	pos int
}

// Buffer reads every row of rows and closes it.
func Buffer(rows Rows) (*BufferedRows, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	b := &BufferedRows{columns: cols, pos: -1}
	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, v := range values {
			// drivers may reuse byte slices between rows
			if raw, ok := v.([]byte); ok {
				values[i] = append([]byte(nil), raw...)
			}
		}
		b.rows = append(b.rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewBufferedRows builds a cursor over in-memory values.
func NewBufferedRows(columns []string, rows [][]any) *BufferedRows {
	return &BufferedRows{columns: columns, rows: rows, pos: -1}
}

func (b *BufferedRows) Columns() ([]string, error) {
	return b.columns, nil
}

// Next advances to the following row.
func (b *BufferedRows) Next() bool {
	if b.pos < len(b.rows) {
		b.pos++
	}
	return b.pos < len(b.rows)
}

// Previous moves back to the preceding row.
func (b *BufferedRows) Previous() bool {
	if b.pos >= 0 {
		b.pos--
	}
	return b.pos >= 0
}

// Absolute positions the cursor on row n (zero based). Negative n counts
// from the end. It reports whether the cursor is on a row afterwards.
func (b *BufferedRows) Absolute(n int) bool {
	if n < 0 {
		n = len(b.rows) + n
	}
	switch {
	case n < 0:
		b.pos = -1
	case n >= len(b.rows):
		b.pos = len(b.rows)
	default:
		b.pos = n
	}
	return b.pos >= 0 && b.pos < len(b.rows)
}

// BeforeFirst moves the cursor before the first row.
func (b *BufferedRows) BeforeFirst() {
	b.pos = -1
}

// AfterLast moves the cursor past the last row.
func (b *BufferedRows) AfterLast() {
	b.pos = len(b.rows)
}

// Position returns the current row index.
func (b *BufferedRows) Position() int {
	return b.pos
}

// Len returns the number of buffered rows.
func (b *BufferedRows) Len() int {
	return len(b.rows)
}

// Scan copies the current row into dest. Destinations must be pointers;
// *any receives the raw value and typed pointers are assigned when the
// value is assignable or convertible.
func (b *BufferedRows) Scan(dest ...any) error {
	if b.pos < 0 || b.pos >= len(b.rows) {
		return ErrNoRow
	}
	row := b.rows[b.pos]
	if len(dest) != len(row) {
		return fmt.Errorf("expected %d destination arguments in Scan, not %d", len(row), len(dest))
	}
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return fmt.Errorf("scan column %s: %w", b.columns[i], err)
		}
	}
	return nil
}

func assign(dest, value any) error {
	if p, ok := dest.(*any); ok {
		*p = value
		return nil
	}
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return errors.New("destination is not a pointer")
	}
	target := dv.Elem()
	if value == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	v := reflect.ValueOf(value)
	switch {
	case v.Type().AssignableTo(target.Type()):
		target.Set(v)
	case v.Type().ConvertibleTo(target.Type()):
		target.Set(v.Convert(target.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %s", value, target.Type())
	}
	return nil
}

func (b *BufferedRows) Err() error {
	return nil
}

func (b *BufferedRows) Close() error {
	return nil
}
