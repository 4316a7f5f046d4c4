// Package walker decides which associations reachable from a root entity or
// collection are fetched in the same statement. The walk is a depth-first
// pre-order over the mapping metamodel and yields the accepted joins in the
// order they were accepted.
package walker

import (
	"joinfetch/internal/alias"
	"joinfetch/internal/mapping"
	"joinfetch/internal/ormerr"
	"joinfetch/internal/propertypath"
)

// NoDepthLimit disables the fetch depth bound.
const NoDepthLimit = -1

// EntityShape returns the default shape for loading e by identifier.
func EntityShape(e *mapping.EntityDescriptor) Shape {
	return Shape{Entity: e, MaxFetchDepth: NoDepthLimit, BatchSize: 1}
}

// CollectionShape returns the default shape for initializing c by owner key.
func CollectionShape(c *mapping.CollectionDescriptor) Shape {
	return Shape{Collection: c, MaxFetchDepth: NoDepthLimit, BatchSize: 1}
}

// RootAlias returns the table alias of the root of shape.
func RootAlias(shape Shape) string {
	return alias.TableAlias(shape.Name(), 0)
}

type walk struct {
	model   *mapping.Metamodel
	shape   Shape
	edges   []Edge
	visited *VisitedKeys
	rootKey *AssociationKey
}

// Walk returns the accepted joins of shape.
func Walk(model *mapping.Metamodel, shape Shape) ([]Edge, error) {
	if shape.Entity == nil && shape.Collection == nil {
		return nil, ormerr.NewMappingError("", "load shape has no root")
	}
	w := &walk{model: model, shape: shape, visited: NewVisitedKeys()}
	rootAlias := RootAlias(shape)

	// a join back onto the root's own key is never useful
	var err error
	if c := shape.Collection; c != nil {
		key := NewAssociationKey(c.TableName(), c.KeyColumns)
		w.rootKey = &key
		err = w.walkCollection(c, rootAlias, propertypath.Root(), 0)
	} else {
		key := NewAssociationKey(shape.Entity.TableName(), shape.Entity.KeyColumns())
		w.rootKey = &key
		err = w.walkEntity(shape.Entity, rootAlias, propertypath.Root(), 0)
	}
	if err != nil {
		return nil, err
	}
	return w.edges, nil
}

func (w *walk) walkEntity(e *mapping.EntityDescriptor, tableAlias string, base *propertypath.Path, depth int) error {
	own := len(e.PropertyClosure())
	for i, p := range e.SubclassProperties() {
		// properties of subclasses are null on rows of other classes
		nullable := p.Nullable || i >= own
		if err := w.walkProperty(e, p, tableAlias, base, base.Append(p.Name), nullable, depth); err != nil {
			return err
		}
	}

	id := e.Key()
	if id.Kind == mapping.IdentifierNonAggregated && id.Component != nil {
		mapper := base.Append(propertypath.IdentifierMapper)
		for _, p := range id.Component.Properties {
			if err := w.walkProperty(e, p, tableAlias, base, mapper.Append(p.Name), p.Nullable, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walk) walkProperty(owner *mapping.EntityDescriptor, p mapping.Property, tableAlias string, base, path *propertypath.Path, nullable bool, depth int) error {
	switch t := p.Type.(type) {
	case *mapping.Association:
		return w.walkAssociation(owner, t, tableAlias, base, path, nullable, depth)
	case *mapping.Component:
		for _, sub := range t.Properties {
			if err := w.walkProperty(owner, sub, tableAlias, base, path.Append(sub.Name), sub.Nullable, depth); err != nil {
				return err
			}
		}
	case *mapping.Basic:
	}
	return nil
}

func (w *walk) walkAssociation(owner *mapping.EntityDescriptor, a *mapping.Association, tableAlias string, base, path *propertypath.Path, nullable bool, depth int) error {
	if a.Kind == mapping.Any {
		return nil
	}
	relative := path.RelativeTo(base)
	c := Candidate{
		Path:        path,
		Role:        owner.Name + "." + relative,
		Owner:       owner,
		Association: a,
		Fetch:       a.Fetch,
		Nullable:    nullable,
		Depth:       depth,
	}
	edge := Edge{
		Path:         path,
		Property:     relative,
		OwnerEntity:  owner,
		OwnerAlias:   tableAlias,
		OwnerTable:   owner.TableName(),
		OwnerColumns: a.Columns,
		Association:  a,
		Nullable:     nullable,
		Depth:        depth,
	}
	if err := w.resolveTarget(owner.Name, &edge); err != nil {
		return err
	}
	return w.consider(c, edge)
}

func (w *walk) walkCollection(c *mapping.CollectionDescriptor, tableAlias string, path *propertypath.Path, depth int) error {
	switch c.Element {
	case mapping.ElementOneToMany:
		element := c.ElementEntityDescriptor()
		if element == nil {
			return ormerr.NewMappingError(c.Owner, "collection %s is one-to-many but has no element entity", c.Role)
		}
		return w.walkEntity(element, tableAlias, path, depth)

	case mapping.ElementManyToMany:
		element := c.ElementEntityDescriptor()
		if element == nil {
			return ormerr.NewMappingError(c.Owner, "collection %s is many-to-many but has no element entity", c.Role)
		}
		// the link table does not count against the fetch depth; at depth
		// zero the collection itself is the root and an inner join is safe
		a := c.ElementAssociation()
		a.TargetColumns = element.KeyColumns()
		nullable := depth != 0
		cand := Candidate{
			Path:        path,
			Association: a,
			Fetch:       a.Fetch,
			Nullable:    nullable,
			Depth:       depth - 1,
		}
		edge := Edge{
			Path:            path,
			OwnerCollection: c,
			OwnerAlias:      tableAlias,
			OwnerTable:      c.TableName(),
			OwnerColumns:    c.ElementColumns,
			Association:     a,
			Entity:          element,
			TargetTable:     element.TableName(),
			TargetColumns:   a.TargetColumns,
			Nullable:        nullable,
			Depth:           depth - 1,
		}
		return w.consider(cand, edge)

	case mapping.ElementComponent:
		if c.ElementComponent == nil {
			return ormerr.NewMappingError(c.Owner, "collection %s has no element component", c.Role)
		}
		return w.walkCompositeElement(c, c.ElementComponent.Properties, tableAlias, path, depth)
	}
	return nil
}

func (w *walk) walkCompositeElement(c *mapping.CollectionDescriptor, props []mapping.Property, tableAlias string, path *propertypath.Path, depth int) error {
	for _, p := range props {
		sub := path.Append(p.Name)
		switch t := p.Type.(type) {
		case *mapping.Component:
			if err := w.walkCompositeElement(c, t.Properties, tableAlias, sub, depth); err != nil {
				return err
			}
		case *mapping.Association:
			if t.Kind == mapping.Any || t.Kind == mapping.ToMany {
				continue
			}
			cand := Candidate{
				Path:        sub,
				Association: t,
				Fetch:       t.Fetch,
				Nullable:    p.Nullable,
				Depth:       depth,
			}
			edge := Edge{
				Path:            sub,
				Property:        sub.RelativeTo(path),
				OwnerCollection: c,
				OwnerAlias:      tableAlias,
				OwnerTable:      c.TableName(),
				OwnerColumns:    t.Columns,
				Association:     t,
				Nullable:        p.Nullable,
				Depth:           depth,
			}
			if err := w.resolveTarget(c.Owner, &edge); err != nil {
				return err
			}
			if err := w.consider(cand, edge); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walk) resolveTarget(owner string, edge *Edge) error {
	a := edge.Association
	if a.Kind == mapping.ToMany {
		coll, err := w.model.Collection(a.Target)
		if err != nil {
			return err
		}
		edge.Collection = coll
		edge.TargetTable = coll.TableName()
		edge.TargetColumns = coll.KeyColumns
		return nil
	}
	target, err := w.model.Entity(a.Target)
	if err != nil {
		return ormerr.NewMappingError(owner, "association %s references unknown entity %s", edge.Path.FullPath(), a.Target)
	}
	edge.Entity = target
	edge.TargetTable = target.TableName()
	edge.TargetColumns = a.TargetColumns
	if len(edge.TargetColumns) == 0 {
		edge.TargetColumns = target.KeyColumns()
	}
	return nil
}

// consider runs the join decision for a candidate and, on acceptance,
// records the edge and descends into its target.
func (w *walk) consider(c Candidate, edge Edge) error {
	joinType := w.decide(c, edge)
	if joinType == None {
		return nil
	}

	name := ""
	if edge.Collection != nil {
		name = edge.Collection.Role
	} else {
		name = edge.Entity.Name
	}
	edge.JoinType = joinType
	edge.TargetAlias = alias.TableAlias(name, len(w.edges)+1)
	edge.Restriction = w.shape.Restrictions[edge.Path.FullPath()]

	if err := validateJoin(edge); err != nil {
		return err
	}
	w.edges = append(w.edges, edge)

	next := c.Depth + 1
	if edge.Collection != nil {
		return w.walkCollection(edge.Collection, edge.TargetAlias, edge.Path, next)
	}
	return w.walkEntity(edge.Entity, edge.TargetAlias, edge.Path, next)
}

func (w *walk) decide(c Candidate, edge Edge) JoinType {
	forced, overridden := None, false
	if w.shape.Policy != nil {
		forced, overridden = w.shape.Policy(c)
	}
	if overridden && forced == None {
		return None
	}
	if !overridden && !w.joinEnabled(c, edge) {
		return None
	}

	if w.tooDeep(c.Depth) {
		return None
	}
	if edge.Collection != nil && w.shape.tooManyCollections(w.edges) {
		return None
	}
	if w.isDuplicate(foreignKey(edge)) {
		return None
	}
	if overridden {
		return forced
	}
	return joinTypeFor(c.Nullable, c.Depth)
}

func (w *walk) joinEnabled(c Candidate, edge Edge) bool {
	if enabledInMapping(c.Association, c.Fetch, edge.Entity) {
		return true
	}
	// role is empty for collection-element joins, which profiles never name
	if c.Role == "" || !w.shape.Influencers.HasEnabledProfiles() {
		return false
	}
	return w.shape.Influencers.JoinsRole(c.Role)
}

func enabledInMapping(a *mapping.Association, fetch mapping.FetchMode, target *mapping.EntityDescriptor) bool {
	switch fetch {
	case mapping.FetchJoin:
		return true
	case mapping.FetchSelect:
		// an eager reference without a proxy would be fetched immediately anyway
		return a.Kind.IsEntity() && !a.Lazy && target != nil && !target.HasProxy
	default:
		return a.Kind.IsEntity() && target != nil && !target.HasProxy
	}
}

func (w *walk) tooDeep(depth int) bool {
	limit := w.shape.MaxFetchDepth
	return limit >= 0 && depth >= limit
}

func (w *walk) isDuplicate(key AssociationKey) bool {
	if w.rootKey != nil && key == *w.rootKey {
		return true
	}
	return w.visited.Visit(key)
}

// foreignKey returns the table and columns holding the foreign key of the
// edge: the owner side for references held by the owner, the target side
// otherwise.
func foreignKey(edge Edge) AssociationKey {
	a := edge.Association
	if a.Kind.IsEntity() && a.Direction == mapping.FromParent {
		return NewAssociationKey(edge.OwnerTable, edge.OwnerColumns)
	}
	return NewAssociationKey(edge.TargetTable, edge.TargetColumns)
}

// joinTypeFor uses an inner join only for a required association at the
// head of the chain. Deeper required joins stay outer.
func joinTypeFor(nullable bool, depth int) JoinType {
	if !nullable && depth <= 0 {
		return Inner
	}
	return LeftOuter
}

func validateJoin(edge Edge) error {
	if len(edge.OwnerColumns) == 0 || len(edge.OwnerColumns) != len(edge.TargetColumns) {
		owner := ""
		if edge.OwnerEntity != nil {
			owner = edge.OwnerEntity.Name
		} else if edge.OwnerCollection != nil {
			owner = edge.OwnerCollection.Owner
		}
		return ormerr.NewMappingError(owner, "invalid join columns for association %s", edge.Path.FullPath())
	}
	return nil
}
