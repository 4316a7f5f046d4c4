package walker

import (
	"strings"

	"joinfetch/internal/mapping"
	"joinfetch/internal/propertypath"
)

// JoinType is the compiled decision for one association.
type JoinType int

const (
	None JoinType = iota
	Inner
	LeftOuter
)

func (j JoinType) String() string {
	switch j {
	case Inner:
		return "inner"
	case LeftOuter:
		return "left outer"
	default:
		return "none"
	}
}

// SQL returns the join keyword for the type.
func (j JoinType) SQL() string {
	if j == Inner {
		return "INNER JOIN"
	}
	return "LEFT OUTER JOIN"
}

// Edge is one accepted join of a walk.
type Edge struct {
	Path *propertypath.Path
	// Property is the path of the association relative to OwnerEntity. It is
	// empty for the element join of a many-to-many collection.
	Property string

	// OwnerEntity is the entity whose table OwnerAlias names, or nil when
	// the owner is a collection table.
	OwnerEntity     *mapping.EntityDescriptor
	OwnerCollection *mapping.CollectionDescriptor
	OwnerAlias      string
	OwnerTable      string
	OwnerColumns    []string

	Association *mapping.Association
	// Entity is set for entity targets and Collection for collection targets.
	Entity     *mapping.EntityDescriptor
	Collection *mapping.CollectionDescriptor

	TargetTable   string
	TargetColumns []string
	TargetAlias   string

	JoinType    JoinType
	Restriction string
	Nullable    bool
	Depth       int
}

// IsCollection reports whether the edge joins a collection table.
func (e Edge) IsCollection() bool {
	return e.Collection != nil
}

// IsManyToManyElement reports whether the edge joins the element entity of a
// many-to-many collection from its link table.
func (e Edge) IsManyToManyElement() bool {
	return e.OwnerCollection != nil && e.OwnerCollection.IsManyToMany() && e.Entity != nil
}

// FetchesCollection reports whether the edge fully initializes its
// collection: an outer join without a restriction.
func (e Edge) FetchesCollection() bool {
	return e.Collection != nil && e.JoinType == LeftOuter && e.Restriction == ""
}

// ConsumesEntitySlot reports whether the edge produces an entity in each
// row: entity targets and one-to-many collections.
func (e Edge) ConsumesEntitySlot() bool {
	if e.Entity != nil {
		return true
	}
	return e.Collection != nil && e.Collection.IsOneToMany()
}

// SlotEntity returns the entity materialized from the edge's columns.
func (e Edge) SlotEntity() *mapping.EntityDescriptor {
	if e.Entity != nil {
		return e.Entity
	}
	if e.Collection != nil {
		return e.Collection.ElementEntityDescriptor()
	}
	return nil
}

// Candidate is an association considered by the walk.
type Candidate struct {
	Path        *propertypath.Path
	Role        string
	Owner       *mapping.EntityDescriptor
	Association *mapping.Association
	Fetch       mapping.FetchMode
	Nullable    bool
	Depth       int
}

// AssociationKey identifies a foreign key: the table holding it and its
// ordered column names.
type AssociationKey struct {
	Table   string
	Columns string
}

// NewAssociationKey builds the key for table and columns.
func NewAssociationKey(table string, columns []string) AssociationKey {
	return AssociationKey{Table: table, Columns: strings.Join(columns, ",")}
}

// VisitedKeys is the walk-scoped set of joined foreign keys.
type VisitedKeys struct {
	seen map[AssociationKey]struct{}
}

// NewVisitedKeys returns an empty set.
func NewVisitedKeys() *VisitedKeys {
	return &VisitedKeys{seen: make(map[AssociationKey]struct{})}
}

// Visit records key and reports whether it had already been recorded.
func (v *VisitedKeys) Visit(key AssociationKey) (alreadyPresent bool) {
	if _, ok := v.seen[key]; ok {
		return true
	}
	v.seen[key] = struct{}{}
	return false
}

// Len returns the number of recorded keys.
func (v *VisitedKeys) Len() int {
	return len(v.seen)
}
