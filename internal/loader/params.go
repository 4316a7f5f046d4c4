package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"joinfetch/internal/session"
)

// ValueType tells how a bound value is converted for the driver.
type ValueType int

const (
	Default ValueType = iota
	// UUIDBinary binds a uuid as its 16 raw bytes.
	UUIDBinary
	// UUIDString binds a uuid in its canonical text form.
	UUIDString
	// Time binds a time normalized to UTC.
	Time
)

// TypedValue is a parameter value with an explicit binding type.
type TypedValue struct {
	Value any
	Type  ValueType
}

// AfterLoadAction runs once a load has completed, with the root results.
type AfterLoadAction func(ctx context.Context, sess *session.Context, results []*session.Object) error

// QueryParameters are the per-execution inputs of a load.
type QueryParameters struct {
	// Keys are identifier, unique key or collection key values. Composite
	// keys are passed as []any.
	Keys       []any
	Positional []any
	Named      map[string]any

	// FirstRow skips results and MaxRows bounds them. Without a collection
	// fetch they count physical rows; with one they apply to the collapsed
	// results after the whole statement was read.
	FirstRow int
	MaxRows  int

	// Lock overrides the lock options the statement was compiled with.
	Lock *session.LockOptions

	Cacheable   bool
	CacheRegion string
	// NaturalKeyLookup marks a cacheable lookup by an immutable natural key,
	// which skips query space invalidation.
	NaturalKeyLookup bool

	// ReadOnly loads entities read-only. The session default applies when false.
	ReadOnly bool
	// CollectionKeys are the owner keys a collection load initializes. Keys
	// that produce no rows are initialized empty.
	CollectionKeys []any
	AfterLoad      []AfterLoadAction
}

func bindValue(v any) (any, error) {
	tv, ok := v.(TypedValue)
	if !ok {
		return v, nil
	}
	if tv.Value == nil {
		return nil, nil
	}
	switch tv.Type {
	case UUIDBinary, UUIDString:
		id, err := toUUID(tv.Value)
		if err != nil {
			return nil, err
		}
		if tv.Type == UUIDString {
			return id.String(), nil
		}
		return id[:], nil
	case Time:
		t, ok := tv.Value.(time.Time)
		if !ok {
			return nil, fmt.Errorf("cannot bind %T as time", tv.Value)
		}
		return t.UTC(), nil
	default:
		return tv.Value, nil
	}
}

func toUUID(v any) (uuid.UUID, error) {
	switch t := v.(type) {
	case uuid.UUID:
		return t, nil
	case string:
		id, err := uuid.Parse(t)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid uuid parameter: %w", err)
		}
		return id, nil
	case []byte:
		id, err := uuid.FromBytes(t)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid uuid parameter: %w", err)
		}
		return id, nil
	default:
		return uuid.Nil, fmt.Errorf("cannot bind %T as uuid", v)
	}
}

func bindAll(values []any) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		b, err := bindValue(v)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// flattenKeys spreads composite keys into their column values.
func flattenKeys(keys []any) ([]any, error) {
	var out []any
	for _, k := range keys {
		if parts, ok := k.([]any); ok {
			bound, err := bindAll(parts)
			if err != nil {
				return nil, err
			}
			out = append(out, bound...)
			continue
		}
		b, err := bindValue(k)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
