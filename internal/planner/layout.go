package planner

import (
	"joinfetch/internal/alias"
	"joinfetch/internal/mapping"
	"joinfetch/internal/walker"
)

// EntitySlot is one entity materialized from every row of a compiled query.
type EntitySlot struct {
	Entity  *mapping.EntityDescriptor
	Alias   string
	Aliases *alias.EntityAliases
	// Path is the full property path of the slot, "" for the root.
	Path string
	// Edge indexes CompiledQuery.Edges, -1 when the slot is the root.
	Edge int
	// Owner is the entity slot holding the reference to this slot, -1 when
	// the slot is the root or reached through a collection.
	Owner       int
	Property    string
	Association *mapping.Association
	Nullable    bool
	// Collection is the collection slot whose elements are read from this
	// slot, -1 otherwise.
	Collection int
}

// CollectionSlot is one collection initialized by a compiled query.
type CollectionSlot struct {
	Collection *mapping.CollectionDescriptor
	Alias      string
	Aliases    *alias.CollectionAliases
	Edge       int
	// Owner is the entity slot owning the collection, -1 for the root of a
	// collection initializer.
	Owner    int
	Property string
	// Element is the entity slot holding joined elements, -1 when elements
	// are values or were not joined.
	Element int
}

// RowLayout describes how the columns of one row map onto entity and
// collection slots.
type RowLayout struct {
	Entities    []EntitySlot
	Collections []CollectionSlot
}

// Suffixes returns the entity slot suffixes in slot order.
func (l *RowLayout) Suffixes() []string {
	out := make([]string, len(l.Entities))
	for i, s := range l.Entities {
		out[i] = s.Aliases.Suffix
	}
	return out
}

// CollectionSuffixes returns the collection slot suffixes in slot order.
func (l *RowLayout) CollectionSuffixes() []string {
	out := make([]string, len(l.Collections))
	for i, s := range l.Collections {
		out[i] = s.Aliases.Suffix
	}
	return out
}

// Owners returns the owner slot of each entity slot, or nil when no slot
// has an owner.
func (l *RowLayout) Owners() []int {
	out := make([]int, len(l.Entities))
	owned := false
	for i, s := range l.Entities {
		out[i] = s.Owner
		if s.Owner >= 0 {
			owned = true
		}
	}
	if !owned {
		return nil
	}
	return out
}

func (l *RowLayout) entityByAlias(tableAlias string) int {
	for i, s := range l.Entities {
		if s.Alias == tableAlias {
			return i
		}
	}
	return -1
}

func (l *RowLayout) entityByEdge(edge int) int {
	for i, s := range l.Entities {
		if s.Edge == edge {
			return i
		}
	}
	return -1
}

func (l *RowLayout) collectionByEdge(edge int) int {
	for i, s := range l.Collections {
		if s.Edge == edge {
			return i
		}
	}
	return -1
}

// AliasOverrides replaces generated column aliases. Entity slots are keyed
// by property path ("" for the root), collection slots by role.
type AliasOverrides map[string]map[string][]string

func buildLayout(shape walker.Shape, rootAlias string, edges []walker.Edge, overrides AliasOverrides) *RowLayout {
	l := &RowLayout{}

	// slots are created first, aliases once the slot counts are known
	if shape.Entity != nil {
		l.Entities = append(l.Entities, EntitySlot{
			Entity: shape.Entity, Alias: rootAlias, Edge: -1, Owner: -1, Collection: -1,
		})
	}
	if c := shape.Collection; c != nil {
		root := CollectionSlot{Collection: c, Alias: rootAlias, Edge: -1, Owner: -1, Element: -1}
		if c.IsOneToMany() {
			l.Entities = append(l.Entities, EntitySlot{
				Entity: c.ElementEntityDescriptor(), Alias: rootAlias, Edge: -1, Owner: -1, Collection: 0,
			})
			root.Element = 0
		}
		l.Collections = append(l.Collections, root)
	}

	for i, e := range edges {
		if e.ConsumesEntitySlot() {
			l.Entities = append(l.Entities, EntitySlot{
				Entity:      e.SlotEntity(),
				Alias:       e.TargetAlias,
				Path:        e.Path.FullPath(),
				Edge:        i,
				Owner:       -1,
				Property:    e.Property,
				Association: e.Association,
				Nullable:    e.Nullable,
				Collection:  -1,
			})
		}
		if e.FetchesCollection() {
			l.Collections = append(l.Collections, CollectionSlot{
				Collection: e.Collection,
				Alias:      e.TargetAlias,
				Edge:       i,
				Owner:      -1,
				Property:   e.Property,
				Element:    -1,
			})
		}
	}

	for i := range l.Entities {
		s := &l.Entities[i]
		if s.Edge < 0 {
			continue
		}
		e := edges[s.Edge]
		switch {
		case e.Collection != nil:
			if c := l.collectionByEdge(s.Edge); c >= 0 {
				s.Collection = c
				l.Collections[c].Element = i
			}
		case e.IsManyToManyElement():
			c := -1
			if s.Edge > 0 && edges[s.Edge-1].Collection == e.OwnerCollection {
				c = l.collectionByEdge(s.Edge - 1)
			} else if shape.Collection == e.OwnerCollection && e.OwnerAlias == rootAlias {
				c = 0
			}
			if c >= 0 {
				s.Collection = c
				l.Collections[c].Element = i
			}
		case e.OwnerEntity != nil:
			s.Owner = l.entityByAlias(e.OwnerAlias)
		}
	}
	for i := range l.Collections {
		s := &l.Collections[i]
		if s.Edge < 0 {
			continue
		}
		if e := edges[s.Edge]; e.OwnerEntity != nil {
			s.Owner = l.entityByAlias(e.OwnerAlias)
		}
	}

	suffixes := alias.Suffixes(0, len(l.Entities))
	for i := range l.Entities {
		s := &l.Entities[i]
		s.Aliases = alias.NewEntityAliases(s.Entity, suffixes[i], overrides[s.Path])
	}
	collectionSuffixes := alias.Suffixes(len(l.Entities), len(l.Collections))
	for i := range l.Collections {
		s := &l.Collections[i]
		s.Aliases = alias.NewCollectionAliases(s.Collection, collectionSuffixes[i], overrides[s.Collection.Role])
	}
	return l
}
