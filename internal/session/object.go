package session

import (
	"fmt"
	"sort"

	"joinfetch/internal/mapping"
)

// Object is an entity instance. Property values are keyed by flattened
// property path ("address.city"). Associations hold *Object or
// *Collection values.
type Object struct {
	Entity *mapping.EntityDescriptor
	ID     any
	Key    EntityKey

	values      map[string]any
	initialized bool
	proxy       bool
}

func newObject(e *mapping.EntityDescriptor, id any) *Object {
	return &Object{
		Entity: e,
		ID:     id,
		Key:    NewEntityKey(e, id),
		values: make(map[string]any),
	}
}

// Get returns the value of a property.
func (o *Object) Get(property string) (any, bool) {
	v, ok := o.values[property]
	return v, ok
}

// Set assigns a property value.
func (o *Object) Set(property string, value any) {
	o.values[property] = value
}

// Reference returns the associated entity of a to-one property, or nil.
func (o *Object) Reference(property string) *Object {
	if v, ok := o.values[property].(*Object); ok {
		return v
	}
	return nil
}

// CollectionValue returns the collection held by property, or nil.
func (o *Object) CollectionValue(property string) *Collection {
	if v, ok := o.values[property].(*Collection); ok {
		return v
	}
	return nil
}

// Properties returns the property names with a value, sorted.
func (o *Object) Properties() []string {
	names := make([]string, 0, len(o.values))
	for name := range o.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsInitialized reports whether the property values have been populated.
func (o *Object) IsInitialized() bool {
	return o.initialized
}

// IsProxy reports whether the object was created as an unloaded reference.
func (o *Object) IsProxy() bool {
	return o.proxy
}

// Collection is a collection instance owned by an entity.
type Collection struct {
	Descriptor *mapping.CollectionDescriptor
	Owner      *Object
	Key        CollectionKey

	elements    []any
	indexes     []any
	initialized bool
	reading     bool
}

// Elements returns the elements. The slice must not be modified.
func (c *Collection) Elements() []any {
	return c.elements
}

// Indexes returns the index of each element for indexed collections.
func (c *Collection) Indexes() []any {
	return c.indexes
}

// Len returns the number of elements.
func (c *Collection) Len() int {
	return len(c.elements)
}

// IsInitialized reports whether the elements have been read.
func (c *Collection) IsInitialized() bool {
	return c.initialized
}

// BeginRead starts loading rows into the collection, discarding any
// previous content.
func (c *Collection) BeginRead() {
	c.elements = nil
	c.indexes = nil
	c.reading = true
}

// IsReading reports whether rows are being loaded.
func (c *Collection) IsReading() bool {
	return c.reading
}

// ReadElement appends one element read from a row.
func (c *Collection) ReadElement(index, element any) {
	c.elements = append(c.elements, element)
	c.indexes = append(c.indexes, index)
}

// EndRead finishes loading: lists and arrays are ordered by index and sets
// drop repeated elements, which appear when the collection is joined
// alongside other row-multiplying joins.
func (c *Collection) EndRead() {
	c.reading = false
	c.initialized = true
	switch {
	case c.Descriptor.Kind == mapping.List || c.Descriptor.Kind == mapping.Array:
		c.sortByIndex()
	case c.Descriptor.Kind == mapping.Set:
		c.dedupe()
	}
	if !c.Descriptor.Kind.IsIndexed() {
		c.indexes = nil
	}
}

func (c *Collection) sortByIndex() {
	order := make([]int, len(c.elements))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return indexLess(c.indexes[order[a]], c.indexes[order[b]])
	})
	elements := make([]any, len(order))
	indexes := make([]any, len(order))
	for i, j := range order {
		elements[i] = c.elements[j]
		indexes[i] = c.indexes[j]
	}
	c.elements, c.indexes = elements, indexes
}

func (c *Collection) dedupe() {
	seen := make(map[any]struct{}, len(c.elements))
	out := c.elements[:0]
	for _, e := range c.elements {
		k := elementIdentity(e)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	c.elements = out
}

func elementIdentity(e any) any {
	switch v := e.(type) {
	case *Object:
		return v.Key
	case map[string]any:
		return fmt.Sprint(v)
	}
	return NormalizeID(e)
}

func indexLess(a, b any) bool {
	na, aok := NormalizeID(a).(int64)
	nb, bok := NormalizeID(b).(int64)
	if aok && bok {
		return na < nb
	}
	sa, aok := NormalizeID(a).(string)
	sb, bok := NormalizeID(b).(string)
	if aok && bok {
		return sa < sb
	}
	return false
}
