package mapping

import (
	"fmt"
	"strings"

	"joinfetch/internal/ormerr"
)

// Metamodel is the validated, linked set of descriptors. It is immutable
// once built and safe for concurrent reads.
type Metamodel struct {
	entities    map[string]*EntityDescriptor
	order       []*EntityDescriptor
	collections map[string]*CollectionDescriptor
}

// NewMetamodel links and validates descriptors. It takes ownership of the
// descriptors and fills in defaulted join columns.
func NewMetamodel(entities []*EntityDescriptor, collections []*CollectionDescriptor) (*Metamodel, error) {
	m := &Metamodel{
		entities:    make(map[string]*EntityDescriptor, len(entities)),
		collections: make(map[string]*CollectionDescriptor, len(collections)),
	}

	for _, e := range entities {
		if e.Name == "" {
			return nil, ormerr.NewMappingError("", "entity without a name")
		}
		if _, dup := m.entities[e.Name]; dup {
			return nil, ormerr.NewMappingError(e.Name, "duplicate entity")
		}
		m.entities[e.Name] = e
		m.order = append(m.order, e)
	}

	if err := m.linkHierarchies(); err != nil {
		return nil, err
	}

	for _, c := range collections {
		if c.Role == "" {
			return nil, ormerr.NewMappingError(c.Owner, "collection without a role")
		}
		if _, dup := m.collections[c.Role]; dup {
			return nil, ormerr.NewMappingError(c.Owner, "duplicate collection role %s", c.Role)
		}
		m.collections[c.Role] = c
	}
	for _, c := range collections {
		if err := m.linkCollection(c); err != nil {
			return nil, err
		}
	}

	for _, e := range m.order {
		if e.parent == nil && e.Identifier.Component != nil {
			if err := m.resolveProperties(e, e.Identifier.Component.Properties); err != nil {
				return nil, err
			}
		}
		if err := m.resolveProperties(e, e.Properties); err != nil {
			return nil, err
		}
	}
	for _, c := range collections {
		if c.Element == ElementComponent {
			if err := m.resolveProperties(c.owner, c.ElementComponent.Properties); err != nil {
				return nil, err
			}
		}
	}
	for _, e := range m.order {
		e.columns = e.computeColumns()
	}
	return m, nil
}

func (m *Metamodel) linkHierarchies() error {
	for _, e := range m.order {
		if e.Superclass == "" {
			continue
		}
		parent, ok := m.entities[e.Superclass]
		if !ok {
			return ormerr.NewMappingError(e.Name, "unknown superclass %s", e.Superclass)
		}
		e.parent = parent
		parent.subclasses = append(parent.subclasses, e)
	}

	for _, e := range m.order {
		seen := map[*EntityDescriptor]struct{}{}
		root := e
		for root.parent != nil {
			if _, loop := seen[root]; loop {
				return ormerr.NewMappingError(e.Name, "circular superclass chain")
			}
			seen[root] = struct{}{}
			root = root.parent
		}
		if root != e {
			e.root = root
		}
	}

	for _, e := range m.order {
		if e.parent == nil {
			if e.Table == "" {
				return ormerr.NewMappingError(e.Name, "no table")
			}
			if err := normalizeIdentifier(e); err != nil {
				return err
			}
			if len(e.subclasses) > 0 && (e.Discriminator == nil || e.Discriminator.Column == "") {
				return ormerr.NewMappingError(e.Name, "hierarchy with subclasses needs a discriminator column")
			}
			continue
		}
		if e.Table != "" && e.Table != e.Root().Table {
			return ormerr.NewMappingError(e.Name, "subclass table %s differs from hierarchy table %s", e.Table, e.Root().Table)
		}
		if e.Discriminator == nil || e.Discriminator.Value == "" {
			return ormerr.NewMappingError(e.Name, "subclass needs a discriminator value")
		}
		if e.Identifier.Columns != nil || e.Version != nil {
			return ormerr.NewMappingError(e.Name, "identifier and version are declared on the hierarchy root")
		}
	}
	return nil
}

func normalizeIdentifier(e *EntityDescriptor) error {
	id := &e.Identifier
	if !id.IsComposite() {
		if len(id.Columns) != 1 {
			return ormerr.NewMappingError(e.Name, "simple identifier needs exactly one column, got %d", len(id.Columns))
		}
		return nil
	}
	if id.Component == nil || len(id.Component.Properties) == 0 {
		return ormerr.NewMappingError(e.Name, "composite identifier without parts")
	}
	var cols []string
	for _, p := range id.Component.Properties {
		switch t := p.Type.(type) {
		case *Basic:
			cols = append(cols, t.Columns...)
		case *Association:
			if t.Kind != ToOne {
				return ormerr.NewMappingError(e.Name, "identifier part %s must be a basic value or key-many-to-one", p.Name)
			}
			cols = append(cols, t.Columns...)
		default:
			return ormerr.NewMappingError(e.Name, "identifier part %s has unsupported type", p.Name)
		}
	}
	if len(id.Columns) > 0 && strings.Join(id.Columns, ",") != strings.Join(cols, ",") {
		return ormerr.NewMappingError(e.Name, "identifier columns %v do not match identifier parts %v", id.Columns, cols)
	}
	id.Columns = cols
	return nil
}

func (m *Metamodel) linkCollection(c *CollectionDescriptor) error {
	owner, ok := m.entities[c.Owner]
	if !ok {
		return ormerr.NewMappingError(c.Owner, "collection %s has unknown owner", c.Role)
	}
	c.owner = owner
	if len(c.KeyColumns) == 0 {
		return ormerr.NewMappingError(c.Owner, "collection %s has no key columns", c.Role)
	}
	if c.Kind.IsIndexed() && len(c.IndexColumns) == 0 {
		return ormerr.NewMappingError(c.Owner, "indexed collection %s has no index columns", c.Role)
	}

	switch c.Element {
	case ElementOneToMany, ElementManyToMany:
		if c.ElementEntity == "" {
			return ormerr.NewMappingError(c.Owner, "collection %s is an entity collection but names no element entity", c.Role)
		}
		element, ok := m.entities[c.ElementEntity]
		if !ok {
			return ormerr.NewMappingError(c.Owner, "collection %s references unknown element entity %s", c.Role, c.ElementEntity)
		}
		c.element = element
		if c.Element == ElementOneToMany {
			if c.Table == "" {
				c.Table = element.TableName()
			}
			if c.Table != element.TableName() {
				return ormerr.NewMappingError(c.Owner, "one-to-many collection %s must live in %s", c.Role, element.TableName())
			}
			if len(c.ElementColumns) == 0 {
				c.ElementColumns = element.KeyColumns()
			}
		} else {
			if c.Table == "" {
				return ormerr.NewMappingError(c.Owner, "many-to-many collection %s has no link table", c.Role)
			}
			if len(c.ElementColumns) != len(element.KeyColumns()) {
				return ormerr.NewMappingError(c.Owner, "many-to-many collection %s element columns do not match %s identifier", c.Role, element.Name)
			}
		}
	case ElementComponent:
		if c.ElementComponent == nil {
			return ormerr.NewMappingError(c.Owner, "collection %s has no element component", c.Role)
		}
		if c.Table == "" {
			return ormerr.NewMappingError(c.Owner, "collection %s has no table", c.Role)
		}
		if len(c.ElementColumns) == 0 {
			c.ElementColumns = (Property{Type: c.ElementComponent}).Columns()
		}
	case ElementValue:
		if c.Table == "" || len(c.ElementColumns) == 0 {
			return ormerr.NewMappingError(c.Owner, "value collection %s needs a table and element columns", c.Role)
		}
	default:
		return ormerr.NewMappingError(c.Owner, "collection %s has unknown element kind", c.Role)
	}
	return nil
}

func (m *Metamodel) resolveProperties(owner *EntityDescriptor, props []Property) error {
	for _, p := range props {
		switch t := p.Type.(type) {
		case *Basic:
			if len(t.Columns) == 0 {
				return ormerr.NewMappingError(owner.Name, "property %s has no columns", p.Name)
			}
		case *Component:
			if err := m.resolveProperties(owner, t.Properties); err != nil {
				return err
			}
		case *Association:
			if err := m.resolveAssociation(owner, p.Name, t); err != nil {
				return err
			}
		case nil:
			return ormerr.NewMappingError(owner.Name, "property %s has no type", p.Name)
		}
	}
	return nil
}

func (m *Metamodel) resolveAssociation(owner *EntityDescriptor, name string, a *Association) error {
	switch a.Kind {
	case ToOne, OneToOne:
		target, ok := m.entities[a.Target]
		if !ok {
			return ormerr.NewMappingError(owner.Name, "association %s references unknown entity %s", name, a.Target)
		}
		if a.Direction == ToParent && len(a.Columns) == 0 {
			a.Columns = owner.KeyColumns()
		}
		if len(a.Columns) == 0 {
			return ormerr.NewMappingError(owner.Name, "association %s has no foreign key columns", name)
		}
		if len(a.TargetColumns) == 0 {
			a.TargetColumns = target.KeyColumns()
		}
	case ToMany:
		coll, ok := m.collections[a.Target]
		if !ok {
			return ormerr.NewMappingError(owner.Name, "association %s references unknown collection %s", name, a.Target)
		}
		if !owner.IsA(coll.owner) && !coll.owner.IsA(owner) {
			return ormerr.NewMappingError(owner.Name, "collection %s is owned by %s", a.Target, coll.Owner)
		}
		if len(a.Columns) == 0 {
			a.Columns = owner.KeyColumns()
		}
		if len(a.TargetColumns) == 0 {
			a.TargetColumns = coll.KeyColumns
		}
	case Any:
		return nil
	default:
		return ormerr.NewMappingError(owner.Name, "association %s has unknown kind", name)
	}
	if len(a.Columns) != len(a.TargetColumns) {
		return ormerr.NewMappingError(owner.Name, "association %s joins %d columns to %d", name, len(a.Columns), len(a.TargetColumns))
	}
	return nil
}

// Entity returns the descriptor for name.
func (m *Metamodel) Entity(name string) (*EntityDescriptor, error) {
	e, ok := m.entities[name]
	if !ok {
		return nil, ormerr.NewMappingError(name, "unknown entity")
	}
	return e, nil
}

// Collection returns the descriptor for role.
func (m *Metamodel) Collection(role string) (*CollectionDescriptor, error) {
	c, ok := m.collections[role]
	if !ok {
		return nil, ormerr.NewMappingError("", "unknown collection role %s", role)
	}
	return c, nil
}

// Entities returns the descriptors in declaration order.
func (m *Metamodel) Entities() []*EntityDescriptor {
	return m.order
}

// ResolveDiscriminator maps a raw discriminator value read from a row of
// entity's table to the concrete descriptor.
func (m *Metamodel) ResolveDiscriminator(e *EntityDescriptor, raw any) (*EntityDescriptor, error) {
	if e.DiscriminatorColumn() == "" {
		return e, nil
	}
	value := discriminatorString(raw)
	if found, ok := e.ResolveSubclass(value); ok {
		return found, nil
	}
	if value == "" && e.DiscriminatorValue() == "" {
		return e, nil
	}
	return nil, &ormerr.WrongClassError{
		Entity:   e.Name,
		Expected: e.Name,
		Message:  fmt.Sprintf("discriminator value %q is not mapped in %s", value, e.RootName()),
	}
}

func discriminatorString(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// RootOf returns the hierarchy root of the named entity.
func (m *Metamodel) RootOf(name string) (*EntityDescriptor, error) {
	e, err := m.Entity(name)
	if err != nil {
		return nil, err
	}
	return e.Root(), nil
}

// IsSubclass reports whether entity sub is super or one of its subclasses.
// Unknown names are never related.
func (m *Metamodel) IsSubclass(sub, super string) bool {
	a, ok := m.entities[sub]
	if !ok {
		return false
	}
	b, ok := m.entities[super]
	if !ok {
		return false
	}
	return a.IsA(b)
}
