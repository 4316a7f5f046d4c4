package session

import (
	"fmt"
	"strings"
	"time"

	"joinfetch/internal/mapping"
)

// EntityKey identifies an entity instance within a session. Entities of one
// hierarchy share the root name so a subclass instance is found through any
// of its supertypes.
type EntityKey struct {
	Entity string
	ID     any
}

// NewEntityKey builds the identity key of e with identifier id.
func NewEntityKey(e *mapping.EntityDescriptor, id any) EntityKey {
	return EntityKey{Entity: e.RootName(), ID: NormalizeID(id)}
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s#%v", k.Entity, k.ID)
}

// CompositeID is the canonical comparable form of a multi-part identifier.
type CompositeID string

// NewCompositeID joins normalized identifier parts.
func NewCompositeID(parts ...any) CompositeID {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('|')
		}
		s := fmt.Sprint(NormalizeID(p))
		s = strings.ReplaceAll(s, `\`, `\\`)
		b.WriteString(strings.ReplaceAll(s, "|", `\|`))
	}
	return CompositeID(b.String())
}

// NormalizeID converts driver values to a comparable canonical form so the
// same identifier read from different drivers yields equal keys.
func NormalizeID(id any) any {
	switch v := id.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint:
		return int64(v)
	case uint64:
		if v <= 1<<63-1 {
			return int64(v)
		}
		return v
	case float32:
		return float64(v)
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case []any:
		return NewCompositeID(v...)
	case EntityKey:
		return v.String()
	default:
		return v
	}
}

// IsNullID reports whether id carries no value.
func IsNullID(id any) bool {
	switch v := id.(type) {
	case nil:
		return true
	case []any:
		for _, p := range v {
			if p != nil {
				return false
			}
		}
		return true
	}
	return false
}

// CollectionKey identifies a collection instance: its role and the
// normalized key of its owner.
type CollectionKey struct {
	Role  string
	Owner any
}

// NewCollectionKey builds a collection key.
func NewCollectionKey(c *mapping.CollectionDescriptor, ownerKey any) CollectionKey {
	return CollectionKey{Role: c.Role, Owner: NormalizeID(ownerKey)}
}
