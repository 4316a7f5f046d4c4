package loader

import (
	"context"
	"fmt"

	"joinfetch/internal/mapping"
	"joinfetch/internal/querycache"
	"joinfetch/internal/session"
)

const (
	refEntityKey = "$entity"
	refIDKey     = "$id"
)

// toQueryCache stores one tuple per result: the root followed by every
// initialized entity reachable from it through to-one references.
// Collections are not cached and are re-read on access.
func (l *Loader) toQueryCache(ctx context.Context, key querycache.Key, results []*session.Object) error {
	rows := make([][]querycache.Column, 0, len(results))
	for _, root := range results {
		var tuple []querycache.Column
		seen := make(map[session.EntityKey]struct{})
		var visit func(obj *session.Object)
		visit = func(obj *session.Object) {
			if _, ok := seen[obj.Key]; ok || !obj.IsInitialized() {
				return
			}
			seen[obj.Key] = struct{}{}
			state := make(map[string]any)
			var refs []*session.Object
			for _, name := range obj.Properties() {
				v, _ := obj.Get(name)
				switch t := v.(type) {
				case *session.Collection:
				case *session.Object:
					state[name] = map[string]any{refEntityKey: t.Entity.Name, refIDKey: t.ID}
					refs = append(refs, t)
				default:
					state[name] = t
				}
			}
			tuple = append(tuple, querycache.Column{Entity: obj.Entity.Name, ID: obj.ID, State: state})
			for _, ref := range refs {
				visit(ref)
			}
		}
		visit(root)
		rows = append(rows, tuple)
	}
	if err := l.queryCache.Put(ctx, key, rows); err != nil {
		return err
	}
	l.metrics.RecordQueryCache(ctx, key.Region, "put")
	return nil
}

// fromQueryCache rebuilds cached results into sess. Entities already
// initialized in the session are kept as they are.
func (l *Loader) fromQueryCache(ctx context.Context, sess *session.Context, key querycache.Key, params QueryParameters) ([]*session.Object, bool, error) {
	immutable := params.NaturalKeyLookup && l.shape.Entity != nil && l.shape.Entity.HasImmutableNaturalID()
	rows, hit, err := l.queryCache.Get(ctx, key, l.query.QuerySpaces, immutable)
	if err != nil {
		return nil, false, err
	}
	if !hit {
		l.metrics.RecordQueryCache(ctx, key.Region, "miss")
		return nil, false, nil
	}
	l.metrics.RecordQueryCache(ctx, key.Region, "hit")

	readOnly := params.ReadOnly || sess.DefaultReadOnly()
	results := make([]*session.Object, 0, len(rows))
	for _, tuple := range rows {
		var root *session.Object
		for i, col := range tuple {
			obj, err := l.assemble(sess, col, readOnly)
			if err != nil {
				return nil, false, err
			}
			if i == 0 {
				root = obj
			}
		}
		if root != nil {
			results = append(results, root)
		}
	}
	return results, true, nil
}

func (l *Loader) assemble(sess *session.Context, col querycache.Column, readOnly bool) (*session.Object, error) {
	e, err := l.model.Entity(col.Entity)
	if err != nil {
		return nil, err
	}
	if obj, ok := sess.Get(session.NewEntityKey(e, col.ID)); ok && obj.IsInitialized() {
		return obj, nil
	}

	state := make(map[string]any, len(col.State))
	for name, v := range col.State {
		ref, ok, err := l.decodeRef(sess, v)
		if err != nil {
			return nil, fmt.Errorf("cached %s.%s: %w", col.Entity, name, err)
		}
		if ok {
			state[name] = ref
			continue
		}
		state[name] = v
	}
	obj := sess.AddUninitialized(sess.Instantiate(e, col.ID), session.LockNone)
	for _, prop := range e.PropertyClosure() {
		a, ok := prop.Type.(*mapping.Association)
		if !ok || a.Kind != mapping.ToMany {
			continue
		}
		c, err := l.model.Collection(a.Target)
		if err != nil {
			return nil, err
		}
		state[prop.Name] = sess.CollectionFor(c, obj, obj.ID)
	}
	var version any
	if v := e.VersionInfo(); v != nil {
		version = state[v.Property]
	}
	if err := sess.Populate(obj, state, version, readOnly); err != nil {
		return nil, err
	}
	sess.PostLoad(obj)
	return obj, nil
}

func (l *Loader) decodeRef(sess *session.Context, v any) (*session.Object, bool, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false, nil
	}
	name, ok := m[refEntityKey].(string)
	if !ok {
		return nil, false, nil
	}
	target, err := l.model.Entity(name)
	if err != nil {
		return nil, false, err
	}
	return sess.InternalLoad(target, m[refIDKey]), true, nil
}
