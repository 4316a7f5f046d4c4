// Package mapping holds the read-only entity and collection descriptors the
// join walker and hydrator operate on.
package mapping

import "slices"

// FetchMode is the mapping-level fetch configuration of an association.
type FetchMode int

const (
	// FetchDefault leaves the decision to the association kind.
	FetchDefault FetchMode = iota
	// FetchJoin requests an outer-join fetch.
	FetchJoin
	// FetchSelect requests a deferred, separate select.
	FetchSelect
)

func (m FetchMode) String() string {
	switch m {
	case FetchJoin:
		return "join"
	case FetchSelect:
		return "select"
	default:
		return "default"
	}
}

// NotFoundAction decides what a missing association target means.
type NotFoundAction int

const (
	// NotFoundException raises a not-found error.
	NotFoundException NotFoundAction = iota
	// NotFoundIgnore substitutes nil and remembers the absence.
	NotFoundIgnore
)

// ForeignKeyDirection tells which side of an association holds the foreign key.
type ForeignKeyDirection int

const (
	// FromParent means the owning table holds the foreign key.
	FromParent ForeignKeyDirection = iota
	// ToParent means the target table references the owner.
	ToParent
)

// AssociationKind classifies the target of an association.
type AssociationKind int

const (
	// ToOne is a many-to-one reference.
	ToOne AssociationKind = iota
	// OneToOne is a one-to-one reference.
	OneToOne
	// ToMany references a collection role.
	ToMany
	// Any is a polymorphic reference that cannot be join fetched.
	Any
)

// IsEntity reports whether the association targets a single entity.
func (k AssociationKind) IsEntity() bool {
	return k == ToOne || k == OneToOne
}

// CollectionKind is the semantic classification of a collection.
type CollectionKind int

const (
	Bag CollectionKind = iota
	IdBag
	Set
	List
	Map
	Array
)

// IsIndexed reports whether elements carry an index column.
func (k CollectionKind) IsIndexed() bool {
	return k == List || k == Map || k == Array
}

func (k CollectionKind) String() string {
	switch k {
	case Bag:
		return "bag"
	case IdBag:
		return "idbag"
	case Set:
		return "set"
	case List:
		return "list"
	case Map:
		return "map"
	case Array:
		return "array"
	default:
		return "unknown"
	}
}

// ElementKind classifies what a collection holds.
type ElementKind int

const (
	ElementValue ElementKind = iota
	ElementComponent
	ElementOneToMany
	ElementManyToMany
)

// PropertyType is the closed set of property classifications: *Basic,
// *Component and *Association.
type PropertyType interface {
	propertyType()
}

// Basic is a plain column-mapped value.
type Basic struct {
	Columns []string
}

// Component is an embedded value with nested properties.
type Component struct {
	Properties []Property
}

// Association references another entity or a collection role.
type Association struct {
	Kind AssociationKind
	// Target is an entity name for entity kinds and a collection role for ToMany.
	Target    string
	Fetch     FetchMode
	Lazy      bool
	Cascade   string
	NotFound  NotFoundAction
	Direction ForeignKeyDirection
	// Columns are the owner-side join columns.
	Columns []string
	// TargetColumns are the target-side join columns. Empty means the
	// target identifier (entities) or the collection key (collections).
	TargetColumns []string
}

// ReferencesKey reports whether a to-one association joins the identifier
// of target rather than a unique property of it.
func (a *Association) ReferencesKey(target *EntityDescriptor) bool {
	return len(a.TargetColumns) == 0 || slices.Equal(a.TargetColumns, target.KeyColumns())
}

func (*Basic) propertyType()       {}
func (*Component) propertyType()   {}
func (*Association) propertyType() {}

// Property is one named slot of an entity or component.
type Property struct {
	Name     string
	Nullable bool
	Type     PropertyType
}

// Columns returns the owner-table columns of the property, flattened for
// components. Associations contribute their columns only when the foreign
// key lives on the owner.
func (p Property) Columns() []string {
	switch t := p.Type.(type) {
	case *Basic:
		return t.Columns
	case *Component:
		var cols []string
		for _, sub := range t.Properties {
			cols = append(cols, sub.Columns()...)
		}
		return cols
	case *Association:
		if t.Kind.IsEntity() && t.Direction == FromParent {
			return t.Columns
		}
		return nil
	default:
		return nil
	}
}

// IdentifierKind is the shape of an entity identifier.
type IdentifierKind int

const (
	IdentifierSimple IdentifierKind = iota
	// IdentifierAggregated is a composite id held in one embedded value.
	IdentifierAggregated
	// IdentifierNonAggregated is a composite id spread over virtual entity properties.
	IdentifierNonAggregated
)

// Identifier describes the key of an entity hierarchy.
type Identifier struct {
	Name      string
	Kind      IdentifierKind
	Columns   []string
	Component *Component
}

// IsComposite reports whether the identifier spans several parts.
func (id Identifier) IsComposite() bool {
	return id.Kind != IdentifierSimple
}

// Discriminator selects the concrete entity of a row in a single-table hierarchy.
type Discriminator struct {
	Column string
	Value  string
}

// Version is the optimistic-lock column of an entity.
type Version struct {
	Property string
	Column   string
}

// NaturalID lists the properties forming a natural key.
type NaturalID struct {
	Properties []string
	Mutable    bool
}

// Filter is a named condition applied when enabled on a session. The
// condition may reference {alias} and :param placeholders.
type Filter struct {
	Name      string
	Condition string
}
