package mapping

// EntityDescriptor describes one entity of a single-table hierarchy. The
// unexported fields are filled in by NewMetamodel.
type EntityDescriptor struct {
	Name       string
	Table      string
	Superclass string

	// Identifier, Discriminator.Column and Version are declared on the
	// hierarchy root and inherited by subclasses.
	Identifier    Identifier
	Discriminator *Discriminator
	Version       *Version

	Properties []Property

	// HasProxy marks entities that can be referenced through a deferred proxy.
	HasProxy bool
	// Immutable entities are never dirty checked.
	Immutable bool
	// CacheReference allows immutable instances to be shared through the reference cache.
	CacheReference bool
	NaturalID      *NaturalID

	// Where is a fixed SQL condition with {alias} placeholders.
	Where   string
	Filters []Filter

	root       *EntityDescriptor
	parent     *EntityDescriptor
	subclasses []*EntityDescriptor
	columns    []string
}

// Root returns the hierarchy root.
func (e *EntityDescriptor) Root() *EntityDescriptor {
	if e.root == nil {
		return e
	}
	return e.root
}

// RootName returns the hierarchy root name, used for identity keys.
func (e *EntityDescriptor) RootName() string {
	return e.Root().Name
}

// Parent returns the direct superclass descriptor, if any.
func (e *EntityDescriptor) Parent() *EntityDescriptor {
	return e.parent
}

// Subclasses returns the direct subclasses.
func (e *EntityDescriptor) Subclasses() []*EntityDescriptor {
	return e.subclasses
}

// TableName returns the table shared by the hierarchy.
func (e *EntityDescriptor) TableName() string {
	return e.Root().Table
}

// Key returns the hierarchy identifier.
func (e *EntityDescriptor) Key() Identifier {
	return e.Root().Identifier
}

// KeyColumns returns the identifier columns.
func (e *EntityDescriptor) KeyColumns() []string {
	return e.Root().Identifier.Columns
}

// DiscriminatorColumn returns the discriminator column of the hierarchy, or "".
func (e *EntityDescriptor) DiscriminatorColumn() string {
	if d := e.Root().Discriminator; d != nil {
		return d.Column
	}
	return ""
}

// DiscriminatorValue returns the value identifying this entity in its hierarchy.
func (e *EntityDescriptor) DiscriminatorValue() string {
	if e.Discriminator != nil {
		return e.Discriminator.Value
	}
	return ""
}

// VersionInfo returns the hierarchy version mapping, or nil.
func (e *EntityDescriptor) VersionInfo() *Version {
	return e.Root().Version
}

// IsVersioned reports whether the hierarchy carries a version column.
func (e *EntityDescriptor) IsVersioned() bool {
	return e.VersionInfo() != nil
}

// HasImmutableNaturalID reports whether natural-key lookups may skip timestamp checks.
func (e *EntityDescriptor) HasImmutableNaturalID() bool {
	n := e.Root().NaturalID
	return n != nil && !n.Mutable
}

// IsA reports whether e is other or one of its subclasses.
func (e *EntityDescriptor) IsA(other *EntityDescriptor) bool {
	for cur := e; cur != nil; cur = cur.parent {
		if cur == other {
			return true
		}
	}
	return false
}

// PropertyClosure returns the properties an instance of exactly this entity
// carries: inherited first, then its own.
func (e *EntityDescriptor) PropertyClosure() []Property {
	if e.parent == nil {
		return e.Properties
	}
	inherited := e.parent.PropertyClosure()
	out := make([]Property, 0, len(inherited)+len(e.Properties))
	out = append(out, inherited...)
	return append(out, e.Properties...)
}

// SubclassProperties returns every property that can appear on a row of
// this entity or any of its subclasses.
func (e *EntityDescriptor) SubclassProperties() []Property {
	out := append([]Property(nil), e.PropertyClosure()...)
	var walk func(*EntityDescriptor)
	walk = func(d *EntityDescriptor) {
		for _, sub := range d.subclasses {
			out = append(out, sub.Properties...)
			walk(sub)
		}
	}
	walk(e)
	return out
}

// Columns returns the selectable columns of the entity in alias position
// order: identifier, discriminator, version, then property columns.
func (e *EntityDescriptor) Columns() []string {
	if e.columns != nil {
		return e.columns
	}
	return e.computeColumns()
}

func (e *EntityDescriptor) computeColumns() []string {
	seen := make(map[string]struct{})
	var cols []string
	add := func(names ...string) {
		for _, name := range names {
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			cols = append(cols, name)
		}
	}
	add(e.KeyColumns()...)
	add(e.DiscriminatorColumn())
	if v := e.VersionInfo(); v != nil {
		add(v.Column)
	}
	for _, p := range e.SubclassProperties() {
		add(p.Columns()...)
	}
	return cols
}

// ColumnPosition returns the position of column in Columns, or -1.
func (e *EntityDescriptor) ColumnPosition(column string) int {
	for i, c := range e.Columns() {
		if c == column {
			return i
		}
	}
	return -1
}

// Property looks up a property in the closure of this entity by name.
func (e *EntityDescriptor) Property(name string) (Property, bool) {
	for _, p := range e.SubclassProperties() {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// ResolveSubclass returns the entity in this hierarchy branch whose
// discriminator value matches value.
func (e *EntityDescriptor) ResolveSubclass(value string) (*EntityDescriptor, bool) {
	if e.DiscriminatorValue() == value {
		return e, true
	}
	for _, sub := range e.subclasses {
		if found, ok := sub.ResolveSubclass(value); ok {
			return found, true
		}
	}
	return nil, false
}
