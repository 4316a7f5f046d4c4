package mapping

// CollectionDescriptor describes one collection role such as "Order.lines".
type CollectionDescriptor struct {
	Role  string
	Owner string
	Kind  CollectionKind

	// Table holds the collection rows: the element table for one-to-many,
	// the link table for many-to-many, the value table otherwise.
	Table        string
	KeyColumns   []string
	IndexColumns []string
	// ElementColumns reference the element: its identifier for one-to-many,
	// the link foreign key for many-to-many, the value columns otherwise.
	ElementColumns []string
	// IdentifierColumn is the surrogate row id of an id bag.
	IdentifierColumn string

	Element          ElementKind
	ElementEntity    string
	ElementComponent *Component
	ElementFetch     FetchMode
	ElementNotFound  NotFoundAction

	// OrderBy and ManyToManyOrderBy are SQL fragments with {alias}
	// placeholders, applied to the collection table and the element table.
	OrderBy           string
	ManyToManyOrderBy string
	// ManyToManyWhere restricts the element table of a many-to-many join.
	ManyToManyWhere string
	Where           string
	Inverse         bool

	owner   *EntityDescriptor
	element *EntityDescriptor
}

// OwnerEntity returns the resolved owner descriptor.
func (c *CollectionDescriptor) OwnerEntity() *EntityDescriptor {
	return c.owner
}

// ElementEntityDescriptor returns the resolved element entity, or nil for
// value and component collections.
func (c *CollectionDescriptor) ElementEntityDescriptor() *EntityDescriptor {
	return c.element
}

// TableName returns the table joined for this collection.
func (c *CollectionDescriptor) TableName() string {
	return c.Table
}

// IsOneToMany reports whether elements are rows of the element entity table.
func (c *CollectionDescriptor) IsOneToMany() bool {
	return c.Element == ElementOneToMany
}

// IsManyToMany reports whether elements are reached through a link table.
func (c *CollectionDescriptor) IsManyToMany() bool {
	return c.Element == ElementManyToMany
}

// IsBag reports whether the collection is unindexed and unordered by identity.
func (c *CollectionDescriptor) IsBag() bool {
	return c.Kind == Bag
}

// IsArray reports whether the collection is backed by an array.
func (c *CollectionDescriptor) IsArray() bool {
	return c.Kind == Array
}

// HasOrdering reports whether an ordering fragment is configured.
func (c *CollectionDescriptor) HasOrdering() bool {
	return c.OrderBy != ""
}

// HasManyToManyOrdering reports whether the element table carries an ordering.
func (c *CollectionDescriptor) HasManyToManyOrdering() bool {
	return c.ManyToManyOrderBy != ""
}

// ElementAssociation returns the synthetic association from the link table
// to the element entity of a many-to-many collection.
func (c *CollectionDescriptor) ElementAssociation() *Association {
	if !c.IsManyToMany() {
		return nil
	}
	return &Association{
		Kind:      ToOne,
		Target:    c.ElementEntity,
		Fetch:     c.ElementFetch,
		NotFound:  c.ElementNotFound,
		Direction: FromParent,
		Columns:   c.ElementColumns,
	}
}

// Columns returns the collection-owned columns in alias position order:
// key, index, element, then the id bag identifier.
func (c *CollectionDescriptor) Columns() []string {
	cols := make([]string, 0, len(c.KeyColumns)+len(c.IndexColumns)+len(c.ElementColumns)+1)
	cols = append(cols, c.KeyColumns...)
	cols = append(cols, c.IndexColumns...)
	cols = append(cols, c.ElementColumns...)
	if c.IdentifierColumn != "" {
		cols = append(cols, c.IdentifierColumn)
	}
	return cols
}
