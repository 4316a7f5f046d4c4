package alias

import (
	"joinfetch/internal/mapping"
	"joinfetch/internal/propertypath"
)

// Override keys for the identifier and discriminator slots of an entity.
const (
	IDKey            = "id"
	DiscriminatorKey = "class"
)

// Override keys for collection slots.
const (
	CollectionKeyKey     = "key"
	CollectionIndexKey   = "index"
	CollectionElementKey = "element"
	CollectionIDKey      = "id"
)

// EntityAliases is the column alias set of one entity slot.
type EntityAliases struct {
	Suffix        string
	Key           []string
	Discriminator string
	Version       string
	// Properties maps flattened property paths ("address.street") to the
	// aliases of their owner-table columns.
	Properties map[string][]string

	columns  map[string]string
	selected map[string]string
	order    []string
}

// NewEntityAliases derives the aliases for e under suffix. overrides maps
// property paths, IDKey or DiscriminatorKey to explicit aliases and always
// wins over the generated default for the same slot.
func NewEntityAliases(e *mapping.EntityDescriptor, suffix string, overrides map[string][]string) *EntityAliases {
	a := &EntityAliases{
		Suffix:     suffix,
		Properties: make(map[string][]string),
		columns:    make(map[string]string),
	}
	for i, col := range e.Columns() {
		generated := ColumnAlias(col, i, suffix)
		a.columns[col] = generated
		a.order = append(a.order, col)
	}

	a.Key = a.lookup(e.KeyColumns())
	if v, ok := overrides[IDKey]; ok && len(v) == len(a.Key) {
		a.Key = v
	}
	if col := e.DiscriminatorColumn(); col != "" {
		a.Discriminator = a.columns[col]
		if v, ok := overrides[DiscriminatorKey]; ok && len(v) == 1 {
			a.Discriminator = v[0]
		}
	}
	if v := e.VersionInfo(); v != nil {
		a.Version = a.columns[v.Column]
	}

	if id := e.Key(); id.Component != nil {
		a.addProperties(propertypath.Root(), id.Component.Properties, overrides)
	}
	a.addProperties(propertypath.Root(), e.SubclassProperties(), overrides)
	if v := e.VersionInfo(); v != nil {
		if got, ok := a.Properties[v.Property]; ok && len(got) == 1 {
			a.Version = got[0]
		}
	}

	a.selected = make(map[string]string, len(a.columns))
	for col, generated := range a.columns {
		a.selected[col] = generated
	}
	for path, cols := range a.propertyColumns(e) {
		assign(a.selected, cols, a.Properties[path])
	}
	assign(a.selected, e.KeyColumns(), a.Key)
	if col := e.DiscriminatorColumn(); col != "" {
		a.selected[col] = a.Discriminator
	}
	return a
}

func assign(dst map[string]string, cols, aliases []string) {
	if len(cols) != len(aliases) {
		return
	}
	for i, col := range cols {
		dst[col] = aliases[i]
	}
}

func (a *EntityAliases) propertyColumns(e *mapping.EntityDescriptor) map[string][]string {
	out := make(map[string][]string)
	var walk func(base *propertypath.Path, props []mapping.Property)
	walk = func(base *propertypath.Path, props []mapping.Property) {
		for _, p := range props {
			path := base.Append(p.Name)
			if c, ok := p.Type.(*mapping.Component); ok {
				walk(path, c.Properties)
				continue
			}
			if cols := p.Columns(); len(cols) > 0 {
				out[path.FullPath()] = cols
			}
		}
	}
	if id := e.Key(); id.Component != nil {
		walk(propertypath.Root(), id.Component.Properties)
	}
	walk(propertypath.Root(), e.SubclassProperties())
	return out
}

func (a *EntityAliases) addProperties(base *propertypath.Path, props []mapping.Property, overrides map[string][]string) {
	for _, p := range props {
		path := base.Append(p.Name)
		if c, ok := p.Type.(*mapping.Component); ok {
			a.addProperties(path, c.Properties, overrides)
			continue
		}
		cols := p.Columns()
		if len(cols) == 0 {
			continue
		}
		name := path.FullPath()
		aliases := a.lookup(cols)
		if v, ok := overrides[name]; ok && len(v) == len(aliases) {
			aliases = v
		}
		a.Properties[name] = aliases
	}
}

func (a *EntityAliases) lookup(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = a.columns[c]
	}
	return out
}

// ColumnAlias returns the generated alias of an owner-table column.
func (a *EntityAliases) ColumnAlias(column string) string {
	return a.columns[column]
}

// SelectAlias returns the alias a column is selected under: the override
// for its slot when one was given, the generated alias otherwise.
func (a *EntityAliases) SelectAlias(column string) string {
	if v, ok := a.selected[column]; ok {
		return v
	}
	return a.columns[column]
}

// Columns returns the entity columns in alias position order.
func (a *EntityAliases) Columns() []string {
	return a.order
}

// CollectionAliases is the column alias set of one collection slot.
type CollectionAliases struct {
	Suffix     string
	Key        []string
	Index      []string
	Element    []string
	Identifier string

	columns  map[string]string
	selected map[string]string
}

// NewCollectionAliases derives the aliases for c under suffix, honoring the
// same override rule as entity aliases.
func NewCollectionAliases(c *mapping.CollectionDescriptor, suffix string, overrides map[string][]string) *CollectionAliases {
	a := &CollectionAliases{
		Suffix:  suffix,
		columns: make(map[string]string),
	}
	for i, col := range c.Columns() {
		if _, ok := a.columns[col]; ok {
			continue
		}
		a.columns[col] = ColumnAlias(col, i, suffix)
	}
	pick := func(key string, cols []string) []string {
		out := make([]string, len(cols))
		for i, col := range cols {
			out[i] = a.columns[col]
		}
		if v, ok := overrides[key]; ok && len(v) == len(out) {
			return v
		}
		return out
	}
	a.Key = pick(CollectionKeyKey, c.KeyColumns)
	a.Index = pick(CollectionIndexKey, c.IndexColumns)
	a.Element = pick(CollectionElementKey, c.ElementColumns)
	if c.IdentifierColumn != "" {
		a.Identifier = pick(CollectionIDKey, []string{c.IdentifierColumn})[0]
	}

	a.selected = make(map[string]string, len(a.columns))
	for col, generated := range a.columns {
		a.selected[col] = generated
	}
	assign(a.selected, c.KeyColumns, a.Key)
	assign(a.selected, c.IndexColumns, a.Index)
	assign(a.selected, c.ElementColumns, a.Element)
	if c.IdentifierColumn != "" {
		a.selected[c.IdentifierColumn] = a.Identifier
	}
	return a
}

// ColumnAlias returns the generated alias of a collection-table column.
func (a *CollectionAliases) ColumnAlias(column string) string {
	return a.columns[column]
}

// SelectAlias returns the alias a collection column is selected under.
func (a *CollectionAliases) SelectAlias(column string) string {
	if v, ok := a.selected[column]; ok {
		return v
	}
	return a.columns[column]
}
