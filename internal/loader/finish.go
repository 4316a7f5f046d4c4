package loader

import (
	"context"
	"errors"
	"fmt"

	"joinfetch/internal/cache"
	"joinfetch/internal/mapping"
	"joinfetch/internal/ormerr"
	"joinfetch/internal/propertypath"
	"joinfetch/internal/session"
)

// finish completes a pass once every row was read: array collections end
// first, then each registered entity gets its properties, then the other
// collections end and post-load runs in registration order.
func (p *pass) finish(ctx context.Context, results []*session.Object) error {
	p.emptyCollections()
	for _, coll := range p.collOrder {
		if coll.Descriptor.IsArray() {
			coll.EndRead()
		}
	}

	readOnly := p.params.ReadOnly || p.sess.DefaultReadOnly()
	for _, pd := range p.order {
		state, err := p.resolveState(pd)
		if err != nil {
			return err
		}
		if err := p.sess.Populate(pd.obj, state, pd.version, readOnly); err != nil {
			return err
		}
		if pd.concrete.CacheReference && p.l.refCache != nil && scalarOnly(state) {
			p.l.refCache.Put(pd.obj.Key, cache.ReferenceEntry{
				Entity:  pd.concrete.Name,
				State:   state,
				Version: pd.version,
			})
		}
	}

	for _, coll := range p.collOrder {
		if !coll.Descriptor.IsArray() {
			coll.EndRead()
		}
		p.stats.collections++
	}

	for _, obj := range p.loaded() {
		if _, ok := p.sess.Entry(obj.Key); !ok {
			return &ormerr.AssertionError{Message: fmt.Sprintf("no entity entry for %s after load", obj.Key)}
		}
		p.sess.PostLoad(obj)
	}

	if err := p.followOnLock(ctx, results); err != nil {
		return err
	}
	for _, act := range p.params.AfterLoad {
		if err := act(ctx, p.sess, results); err != nil {
			return err
		}
	}
	return nil
}

// emptyCollections starts the requested collections no row referred to, so
// they end initialized and empty.
func (p *pass) emptyCollections() {
	c := p.l.shape.Collection
	if c == nil {
		return
	}
	for _, key := range p.params.CollectionKeys {
		if _, ok := p.collections[session.NewCollectionKey(c, key)]; ok {
			continue
		}
		owner, _ := p.sess.Get(session.NewEntityKey(c.OwnerEntity(), key))
		p.loadingCollection(c, owner, key)
	}
}

func (p *pass) loaded() []*session.Object {
	out := make([]*session.Object, 0, len(p.order)+len(p.shared))
	for _, pd := range p.order {
		out = append(out, pd.obj)
	}
	return append(out, p.shared...)
}

func (p *pass) followOnLock(ctx context.Context, results []*session.Object) error {
	if p.lock.Mode == session.LockNone || !(p.lock.FollowOn || p.l.query.FollowOnLock) {
		return nil
	}
	locker := p.sess.Locker()
	if locker == nil {
		return errors.New("follow-on locking requested but the session has no locker")
	}
	seen := make(map[session.EntityKey]struct{}, len(results))
	for _, obj := range results {
		if _, dup := seen[obj.Key]; dup {
			continue
		}
		seen[obj.Key] = struct{}{}
		if err := locker.Lock(ctx, obj, p.lock.Mode); err != nil {
			return fmt.Errorf("failed to lock %s: %w", obj.Key, err)
		}
		p.sess.UpgradeLock(obj.Key, p.lock.Mode)
	}
	return nil
}

// resolveState turns the raw column values of pd into property values.
func (p *pass) resolveState(pd *pending) (map[string]any, error) {
	state := make(map[string]any, len(pd.raw))
	if id := pd.concrete.Key(); id.Component != nil {
		if err := p.resolveProperties(pd, propertypath.Root(), id.Component.Properties, state); err != nil {
			return nil, err
		}
	}
	if err := p.resolveProperties(pd, propertypath.Root(), pd.concrete.PropertyClosure(), state); err != nil {
		return nil, err
	}
	if v := pd.concrete.VersionInfo(); v != nil {
		if _, ok := state[v.Property]; !ok {
			state[v.Property] = pd.version
		}
	}
	return state, nil
}

func (p *pass) resolveProperties(pd *pending, base *propertypath.Path, props []mapping.Property, state map[string]any) error {
	for _, prop := range props {
		path := base.Append(prop.Name)
		name := path.FullPath()
		switch t := prop.Type.(type) {
		case *mapping.Basic:
			state[name] = pd.raw[name]
		case *mapping.Component:
			if err := p.resolveProperties(pd, path, t.Properties, state); err != nil {
				return err
			}
		case *mapping.Association:
			if err := p.resolveAssociation(pd, name, t, state); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *pass) resolveAssociation(pd *pending, name string, a *mapping.Association, state map[string]any) error {
	switch {
	case a.Kind == mapping.ToMany:
		c, err := p.l.model.Collection(a.Target)
		if err != nil {
			return err
		}
		state[name] = p.sess.CollectionFor(c, pd.obj, pd.obj.ID)
		return nil
	case !a.Kind.IsEntity():
		return nil
	}

	if target, ok := pd.joined[name]; ok {
		if target == nil {
			state[name] = nil
		} else {
			state[name] = target
		}
		return nil
	}
	if p.sess.IsAbsent(pd.obj.Key, name) {
		state[name] = nil
		return nil
	}
	if a.Direction == mapping.ToParent {
		return nil
	}
	fk := pd.raw[name]
	if session.IsNullID(fk) {
		state[name] = nil
		return nil
	}
	target, err := p.l.model.Entity(a.Target)
	if err != nil {
		return err
	}
	if !a.ReferencesKey(target) {
		// references a unique non-key column; the fetcher rejects it on access
		return nil
	}
	state[name] = p.sess.InternalLoad(target, fk)
	return nil
}

func scalarOnly(state map[string]any) bool {
	for _, v := range state {
		switch v.(type) {
		case *session.Object, *session.Collection:
			return false
		}
	}
	return true
}
