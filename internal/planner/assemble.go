package planner

import (
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"joinfetch/internal/mapping"
	"joinfetch/internal/ormerr"
	"joinfetch/internal/sqlutil"
	"joinfetch/internal/walker"
)

type assembler struct {
	shape     walker.Shape
	rootAlias string
	edges     []walker.Edge
	layout    *RowLayout
	dialect   sqlutil.Dialect
	opts      *options
	params    paramWriter
}

func (a *assembler) build() (string, error) {
	query := sq.Select(a.selectColumns()...).
		From(a.fromClause())
	for _, join := range a.joinClauses() {
		query = query.JoinClause(join)
	}
	if where := a.whereClause(); where != "" {
		query = query.Where(where)
	}
	if order := a.orderBy(); order != "" {
		query = query.OrderBy(order)
	}
	if lock := a.lockClause(); lock != "" {
		query = query.Suffix(lock)
	}
	sql, _, err := query.PlaceholderFormat(a.dialect.Placeholder).ToSql()
	return sql, err
}

func (a *assembler) fromClause() string {
	table := ""
	if c := a.shape.Collection; c != nil {
		table = c.TableName()
	} else {
		table = a.shape.Entity.TableName()
	}
	return a.dialect.QuoteIfNeeded(table) + " " + a.rootAlias
}

func (a *assembler) selectColumns() []string {
	var cols []string
	if a.shape.Collection != nil {
		cols = append(cols, a.collectionColumns(0)...)
		if a.shape.Collection.IsOneToMany() {
			cols = append(cols, a.entityColumns(0)...)
		}
	} else {
		cols = append(cols, a.entityColumns(0)...)
	}

	for i, e := range a.edges {
		if e.Collection == nil {
			cols = append(cols, a.entityColumns(a.layout.entityByEdge(i))...)
			continue
		}
		slot := a.layout.collectionByEdge(i)
		switch {
		case e.Collection.IsOneToMany():
			if slot >= 0 {
				cols = append(cols, a.collectionColumns(slot)...)
			}
			cols = append(cols, a.entityColumns(a.layout.entityByEdge(i))...)
		case slot < 0:
		default:
			// a many-to-many element key comes from the link table, so a
			// link row without its element row is still detected
			cols = append(cols, a.collectionColumns(slot)...)
		}
	}
	return cols
}

func (a *assembler) entityColumns(slot int) []string {
	if slot < 0 {
		return nil
	}
	s := a.layout.Entities[slot]
	out := make([]string, 0, len(s.Aliases.Columns()))
	for _, col := range s.Aliases.Columns() {
		out = append(out, a.column(s.Alias, col, s.Aliases.SelectAlias(col)))
	}
	return out
}

func (a *assembler) collectionColumns(slot int) []string {
	s := a.layout.Collections[slot]
	seen := make(map[string]struct{})
	var out []string
	for _, col := range s.Collection.Columns() {
		if _, ok := seen[col]; ok {
			continue
		}
		seen[col] = struct{}{}
		out = append(out, a.column(s.Alias, col, s.Aliases.SelectAlias(col)))
	}
	return out
}

func (a *assembler) column(tableAlias, col, columnAlias string) string {
	return a.dialect.Qualify(tableAlias, col) + " AS " + columnAlias
}

// joinClauses renders one clause per edge, except that the element join of
// a many-to-many collection is merged into the clause of its link table.
func (a *assembler) joinClauses() []string {
	var out []string
	for i, e := range a.edges {
		merged := i > 0 && isManyToManyPair(a.edges[i-1], e)
		linkWhere := ""
		if merged {
			linkWhere = a.edges[i-1].Collection.ManyToManyWhere
		}
		clause := a.joinClause(e, linkWhere)
		if merged && len(out) > 0 {
			out[len(out)-1] += " " + clause
			continue
		}
		out = append(out, clause)
	}
	return out
}

func (a *assembler) joinClause(e walker.Edge, linkWhere string) string {
	conds := make([]string, 0, len(e.OwnerColumns)+2)
	for i, col := range e.OwnerColumns {
		conds = append(conds, a.dialect.Qualify(e.OwnerAlias, col)+" = "+a.dialect.Qualify(e.TargetAlias, e.TargetColumns[i]))
	}
	if e.Collection != nil {
		if w := e.Collection.Where; w != "" {
			conds = append(conds, "("+a.params.rewrite(withAlias(w, e.TargetAlias), "")+")")
		}
	} else if e.Entity != nil {
		conds = append(conds, a.entityConditions(e.Entity, e.TargetAlias)...)
	}
	if linkWhere != "" {
		conds = append(conds, "("+a.params.rewrite(withAlias(linkWhere, e.TargetAlias), "")+")")
	}
	if e.Restriction != "" {
		conds = append(conds, "("+a.params.rewrite(withAlias(e.Restriction, e.TargetAlias), "")+")")
	}
	return e.JoinType.SQL() + " " + a.dialect.QuoteIfNeeded(e.TargetTable) + " " + e.TargetAlias +
		" ON " + strings.Join(conds, " AND ")
}

// entityConditions returns the fixed where fragment and the enabled filter
// conditions of an entity table, in that order.
func (a *assembler) entityConditions(e *mapping.EntityDescriptor, tableAlias string) []string {
	var out []string
	root := e.Root()
	if root.Where != "" {
		out = append(out, "("+a.params.rewrite(withAlias(root.Where, tableAlias), "")+")")
	}
	for _, f := range root.Filters {
		if !a.shape.Influencers.FilterEnabled(f.Name) {
			continue
		}
		out = append(out, "("+a.params.rewrite(withAlias(f.Condition, tableAlias), f.Name)+")")
	}
	return out
}

func (a *assembler) whereClause() string {
	var conds []string
	if !a.opts.noKeyRestriction {
		conds = append(conds, a.keyRestriction())
	}
	if a.opts.where != "" {
		conds = append(conds, "("+a.params.rewrite(withAlias(a.opts.where, a.rootAlias), "")+")")
	}
	if c := a.shape.Collection; c != nil {
		if c.Where != "" {
			conds = append(conds, "("+a.params.rewrite(withAlias(c.Where, a.rootAlias), "")+")")
		}
		if element := a.rootElementEdge(); element >= 0 && c.ManyToManyWhere != "" {
			conds = append(conds, "("+a.params.rewrite(withAlias(c.ManyToManyWhere, a.edges[element].TargetAlias), "")+")")
		}
	} else {
		conds = append(conds, a.entityConditions(a.shape.Entity, a.rootAlias)...)
	}
	return strings.Join(conds, " AND ")
}

func (a *assembler) keyRestriction() string {
	cols := a.shape.UniqueKey
	if len(cols) == 0 {
		if c := a.shape.Collection; c != nil {
			cols = c.KeyColumns
		} else {
			cols = a.shape.Entity.KeyColumns()
		}
	}
	batch := a.shape.BatchSize
	if batch < 1 {
		batch = 1
	}
	a.params.keys(batch * len(cols))

	if len(cols) == 1 {
		col := a.dialect.Qualify(a.rootAlias, cols[0])
		if batch == 1 {
			return col + " = ?"
		}
		return col + " IN (" + sq.Placeholders(batch) + ")"
	}

	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = a.dialect.Qualify(a.rootAlias, col) + " = ?"
	}
	byID := strings.Join(parts, " AND ")
	if batch == 1 {
		return byID
	}
	ors := make([]string, batch)
	for i := range ors {
		ors[i] = "(" + byID + ")"
	}
	return "(" + strings.Join(ors, " OR ") + ")"
}

// orderBy puts caller ordering ahead of association ordering for entity
// roots, and the collection's own ordering first for collection roots.
func (a *assembler) orderBy() string {
	assoc := a.associationOrdering()
	caller := ""
	if a.opts.orderBy != "" {
		caller = withAlias(a.opts.orderBy, a.rootAlias)
	}
	c := a.shape.Collection
	if c == nil {
		return mergeOrderings(caller, assoc)
	}
	native := ""
	if c.HasOrdering() {
		native = withAlias(c.OrderBy, a.rootAlias)
	}
	if element := a.rootElementEdge(); element >= 0 && c.HasManyToManyOrdering() {
		native = mergeOrderings(native, withAlias(c.ManyToManyOrderBy, a.edges[element].TargetAlias))
	}
	return mergeOrderings(mergeOrderings(native, assoc), caller)
}

func (a *assembler) associationOrdering() string {
	var parts []string
	for i, e := range a.edges {
		if e.JoinType != walker.LeftOuter {
			continue
		}
		if e.Collection != nil {
			if e.Collection.HasOrdering() {
				parts = append(parts, withAlias(e.Collection.OrderBy, e.TargetAlias))
			}
			continue
		}
		if i > 0 && isManyToManyPair(a.edges[i-1], e) && a.edges[i-1].Collection.HasManyToManyOrdering() {
			parts = append(parts, withAlias(a.edges[i-1].Collection.ManyToManyOrderBy, e.TargetAlias))
		}
	}
	return strings.Join(parts, ", ")
}

func (a *assembler) lockClause() string {
	lock := a.opts.lockOptions(a.shape)
	if lock.FollowOn {
		return ""
	}
	return strings.TrimSpace(a.dialect.LockClause(lock))
}

// rootElementEdge returns the edge joining the element table of a
// many-to-many collection root, or -1.
func (a *assembler) rootElementEdge() int {
	c := a.shape.Collection
	if c == nil || !c.IsManyToMany() {
		return -1
	}
	for i, e := range a.edges {
		if e.OwnerCollection == c && e.OwnerAlias == a.rootAlias && e.IsManyToManyElement() {
			return i
		}
	}
	return -1
}

func (a *assembler) querySpaces() []string {
	seen := make(map[string]struct{})
	add := func(t string) {
		if t != "" {
			seen[t] = struct{}{}
		}
	}
	if c := a.shape.Collection; c != nil {
		add(c.TableName())
	} else {
		add(a.shape.Entity.TableName())
	}
	for _, e := range a.edges {
		add(e.TargetTable)
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// isManyToManyPair reports whether next joins the element table of the
// many-to-many collection joined by prev.
func isManyToManyPair(prev, next walker.Edge) bool {
	return prev.Collection != nil && prev.Collection.IsManyToMany() &&
		next.IsManyToManyElement() && next.OwnerCollection == prev.Collection &&
		next.OwnerAlias == prev.TargetAlias
}

// checkCollectionFetches rejects statements that would fetch more than one
// collection. Two or more bags get their own error naming the bag roles.
func checkCollectionFetches(shape walker.Shape, edges []walker.Edge) error {
	var roles, bags []string
	add := func(c *mapping.CollectionDescriptor) {
		roles = append(roles, c.Role)
		if c.IsBag() {
			bags = append(bags, c.Role)
		}
	}
	if shape.Collection != nil {
		add(shape.Collection)
	}
	for _, e := range edges {
		if e.FetchesCollection() {
			add(e.Collection)
		}
	}
	if len(roles) <= 1 {
		return nil
	}
	if len(bags) > 1 {
		return &ormerr.MultipleBagFetchError{Roles: bags}
	}
	return ormerr.NewMappingError(shape.Name(), "cannot fetch multiple collections in one statement: [%s]", strings.Join(roles, ", "))
}

func withAlias(fragment, tableAlias string) string {
	return strings.ReplaceAll(fragment, "{alias}", tableAlias)
}

func mergeOrderings(first, second string) string {
	switch {
	case first == "":
		return second
	case second == "":
		return first
	default:
		return first + ", " + second
	}
}
