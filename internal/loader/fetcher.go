package loader

import (
	"context"
	"fmt"
	"strings"

	"joinfetch/internal/mapping"
	"joinfetch/internal/ormerr"
	"joinfetch/internal/session"
)

// LazyFetcher loads properties that were not fetched with their owner:
// proxied references, uninitialized collections and inverse one-to-one
// references. It implements session.Fetcher.
type LazyFetcher struct {
	engine *Engine
}

// Fetcher returns the lazy property fetcher of the engine.
func (e *Engine) Fetcher() *LazyFetcher {
	return &LazyFetcher{engine: e}
}

// FetchProperty implements session.Fetcher.
func (f *LazyFetcher) FetchProperty(ctx context.Context, s *session.Context, obj *session.Object, property string) (any, error) {
	prop, ok := findProperty(obj.Entity.PropertyClosure(), property)
	if !ok {
		return nil, fmt.Errorf("%s has no property %s", obj.Entity.Name, property)
	}
	a, ok := prop.Type.(*mapping.Association)
	if !ok {
		return nil, fmt.Errorf("property %s.%s is not an association", obj.Entity.Name, property)
	}
	switch {
	case a.Kind == mapping.ToMany:
		return f.fetchCollection(ctx, s, obj, property, a)
	case !a.Kind.IsEntity():
		return nil, fmt.Errorf("property %s.%s cannot be fetched", obj.Entity.Name, property)
	case a.Direction == mapping.ToParent:
		return f.fetchInverse(ctx, s, obj, property, a)
	default:
		return f.fetchReference(ctx, s, obj, property, a)
	}
}

func (f *LazyFetcher) fetchCollection(ctx context.Context, s *session.Context, obj *session.Object, property string, a *mapping.Association) (any, error) {
	shape, err := f.engine.CollectionShape(a.Target)
	if err != nil {
		return nil, err
	}
	shape.BatchSize = 1
	l, err := f.engine.Loader(ctx, shape)
	if err != nil {
		return nil, err
	}
	coll := obj.CollectionValue(property)
	if coll == nil {
		coll = s.CollectionFor(shape.Collection, obj, obj.ID)
		obj.Set(property, coll)
	}
	if err := l.LoadCollection(ctx, s, obj.ID); err != nil {
		return nil, err
	}
	return coll, nil
}

func (f *LazyFetcher) fetchReference(ctx context.Context, s *session.Context, obj *session.Object, property string, a *mapping.Association) (any, error) {
	proxy := obj.Reference(property)
	if proxy == nil {
		return nil, fmt.Errorf("property %s.%s references a non-key column and was not fetched", obj.Entity.Name, property)
	}
	target, err := f.load(ctx, s, proxy.Entity.Name, "", proxy.ID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		if a.NotFound == mapping.NotFoundIgnore {
			s.RecordAbsent(obj.Key, property)
			obj.Set(property, nil)
			return nil, nil
		}
		return nil, &ormerr.ObjectNotFoundError{Entity: proxy.Entity.Name, ID: proxy.ID, Property: obj.Entity.Name + "." + property}
	}
	return target, nil
}

// fetchInverse loads the target of a one-to-one whose foreign key lives on
// the target table, by the target columns referencing the owner.
func (f *LazyFetcher) fetchInverse(ctx context.Context, s *session.Context, obj *session.Object, property string, a *mapping.Association) (any, error) {
	target, err := f.load(ctx, s, a.Target, strings.Join(a.TargetColumns, ","), obj.ID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		s.RecordAbsent(obj.Key, property)
		obj.Set(property, nil)
		return nil, nil
	}
	obj.Set(property, target)
	return target, nil
}

func (f *LazyFetcher) load(ctx context.Context, s *session.Context, entity, uniqueKey string, id any) (*session.Object, error) {
	shape, err := f.engine.EntityShape(entity)
	if err != nil {
		return nil, err
	}
	shape.BatchSize = 1
	if uniqueKey != "" {
		shape.UniqueKey = strings.Split(uniqueKey, ",")
	}
	l, err := f.engine.Loader(ctx, shape)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, s, id)
}

// findProperty resolves a flattened path through components.
func findProperty(props []mapping.Property, path string) (mapping.Property, bool) {
	head, rest, nested := strings.Cut(path, ".")
	for _, p := range props {
		if p.Name != head {
			continue
		}
		if !nested {
			return p, true
		}
		if c, ok := p.Type.(*mapping.Component); ok {
			return findProperty(c.Properties, rest)
		}
		return mapping.Property{}, false
	}
	return mapping.Property{}, false
}
