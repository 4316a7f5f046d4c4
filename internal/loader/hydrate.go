package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"joinfetch/internal/dbexec"
	"joinfetch/internal/logging"
	"joinfetch/internal/mapping"
	"joinfetch/internal/ormerr"
	"joinfetch/internal/planner"
	"joinfetch/internal/propertypath"
	"joinfetch/internal/session"
)

type passStats struct {
	rows        int
	entities    int
	collections int
}

// pending is an entity registered during a pass whose properties are
// resolved once every row has been read.
type pending struct {
	obj      *session.Object
	slot     *planner.EntitySlot
	concrete *mapping.EntityDescriptor
	raw      map[string]any
	version  any
	// joined holds the targets of joined to-one properties read from rows,
	// nil for a target recorded as absent.
	joined map[string]*session.Object
}

// pass is the state of one hydration: the entities and collections it
// started, in discovery order.
type pass struct {
	l      *Loader
	sess   *session.Context
	params QueryParameters
	lock   session.LockOptions
	layout *planner.RowLayout

	loading     map[session.EntityKey]*pending
	order       []*pending
	shared      []*session.Object
	collections map[session.CollectionKey]*session.Collection
	collOrder   []*session.Collection
	requested   map[session.CollectionKey]struct{}
	stats       passStats
}

func newPass(l *Loader, sess *session.Context, params QueryParameters, lock session.LockOptions) *pass {
	p := &pass{
		l:           l,
		sess:        sess,
		params:      params,
		lock:        lock,
		layout:      l.query.Layout,
		loading:     make(map[session.EntityKey]*pending),
		collections: make(map[session.CollectionKey]*session.Collection),
		requested:   make(map[session.CollectionKey]struct{}),
	}
	if c := l.shape.Collection; c != nil {
		for _, k := range params.CollectionKeys {
			p.requested[session.NewCollectionKey(c, k)] = struct{}{}
		}
	}
	return p
}

// row is one physical result row addressed by column alias.
type row struct {
	index  map[string]int
	values []any
}

func newColumnIndex(cols []string) map[string]int {
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[c] = i
	}
	return index
}

func (r row) get(alias string) any {
	if i, ok := r.index[alias]; ok {
		return r.values[i]
	}
	return nil
}

// value reads a single column as a scalar and several columns as []any.
func (r row) value(aliases []string) any {
	switch len(aliases) {
	case 0:
		return nil
	case 1:
		return r.get(aliases[0])
	}
	out := make([]any, len(aliases))
	for i, a := range aliases {
		out[i] = r.get(a)
	}
	return out
}

func scanRow(rows dbexec.Rows, index map[string]int, width int) (row, error) {
	values := make([]any, width)
	dest := make([]any, width)
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return row{}, err
	}
	return row{index: index, values: values}, nil
}

func (p *pass) readAll(ctx context.Context, rows dbexec.Rows, logger *logging.Logger) ([]*session.Object, error) {
	defer rows.Close()
	sql := p.l.query.SQL
	cols, err := rows.Columns()
	if err != nil {
		return nil, ormerr.WrapQuery("read columns", sql, err)
	}
	index := newColumnIndex(cols)

	collapse := p.l.query.HasCollectionFetch()
	if collapse && (p.params.FirstRow > 0 || p.params.MaxRows > 0) {
		logger.Warn("first row or max rows specified with a collection fetch, applying in memory",
			slog.Int("first_row", p.params.FirstRow),
			slog.Int("max_rows", p.params.MaxRows))
	}

	skip := 0
	if !collapse {
		skip = p.params.FirstRow
	}
	var results []*session.Object
	var last *session.Object
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := scanRow(rows, index, len(cols))
		if err != nil {
			return nil, ormerr.WrapQuery("read row", sql, err)
		}
		if skip > 0 {
			skip--
			continue
		}
		if !collapse && p.params.MaxRows > 0 && p.stats.rows >= p.params.MaxRows {
			break
		}
		p.stats.rows++

		root, err := p.processRow(r)
		if err != nil {
			return nil, err
		}
		if root == nil || (collapse && root == last) {
			continue
		}
		results = append(results, root)
		last = root
	}
	if err := rows.Err(); err != nil {
		return nil, ormerr.WrapQuery("read rows", sql, err)
	}

	if collapse {
		results = window(results, p.params.FirstRow, p.params.MaxRows)
	}
	return results, nil
}

func window(results []*session.Object, first, max int) []*session.Object {
	if first > 0 {
		if first >= len(results) {
			return nil
		}
		results = results[first:]
	}
	if max > 0 && len(results) > max {
		results = results[:max]
	}
	return results
}

// processRow reads one physical row: entity keys and instances first, then
// not-found policies of joined associations, then collection elements. It
// returns the root entity of the row, if the statement has one.
func (p *pass) processRow(r row) (*session.Object, error) {
	entities := p.layout.Entities
	objs := make([]*session.Object, len(entities))
	for i := range entities {
		slot := &entities[i]
		id, err := p.extractKey(r, slot)
		if err != nil {
			return nil, err
		}
		if session.IsNullID(id) {
			continue
		}
		obj, err := p.getRow(r, slot, id)
		if err != nil {
			return nil, err
		}
		objs[i] = obj
	}

	for i := range entities {
		slot := &entities[i]
		if slot.Owner < 0 || objs[slot.Owner] == nil {
			continue
		}
		if err := p.linkJoined(r, slot, objs[slot.Owner], objs[i]); err != nil {
			return nil, err
		}
	}

	for i := range p.layout.Collections {
		if err := p.readCollection(r, &p.layout.Collections[i], objs); err != nil {
			return nil, err
		}
	}

	if p.l.shape.Entity != nil && len(objs) > 0 {
		return objs[0], nil
	}
	return nil, nil
}

// extractKey reads the identifier of slot. The targets of key-many-to-one
// identifier parts are resolved first so the owning key refers to resident
// instances.
func (p *pass) extractKey(r row, slot *planner.EntitySlot) (any, error) {
	aliases := slot.Aliases.Key
	id := slot.Entity.Key()
	if !id.IsComposite() {
		return r.get(aliases[0]), nil
	}
	parts := make([]any, len(aliases))
	for i, a := range aliases {
		parts[i] = r.get(a)
	}
	if session.IsNullID(parts) {
		return nil, nil
	}
	offset := 0
	for _, prop := range id.Component.Properties {
		cols := prop.Columns()
		if a, ok := prop.Type.(*mapping.Association); ok {
			target, err := p.l.model.Entity(a.Target)
			if err != nil {
				return nil, err
			}
			fk := valueOf(parts[offset : offset+len(cols)])
			if !session.IsNullID(fk) {
				p.sess.InternalLoad(target, fk)
			}
		}
		offset += len(cols)
	}
	return parts, nil
}

func valueOf(parts []any) any {
	if len(parts) == 1 {
		return parts[0]
	}
	return append([]any(nil), parts...)
}

// getRow resolves the instance of slot for id: the resident one when it is
// already loaded, otherwise a freshly registered one.
func (p *pass) getRow(r row, slot *planner.EntitySlot, id any) (*session.Object, error) {
	key := session.NewEntityKey(slot.Entity, id)
	if pd, ok := p.loading[key]; ok {
		return pd.obj, nil
	}
	if obj, ok := p.sess.Get(key); ok && !obj.IsProxy() {
		return obj, p.checkLoaded(r, slot, obj)
	}
	return p.instantiate(r, slot, id)
}

func (p *pass) checkLoaded(r row, slot *planner.EntitySlot, obj *session.Object) error {
	if !obj.Entity.IsA(slot.Entity) {
		return &ormerr.WrongClassError{
			Entity:   slot.Entity.Name,
			ID:       obj.ID,
			Expected: slot.Entity.Name,
			Message:  fmt.Sprintf("loaded object was of wrong class %s, expected %s", obj.Entity.Name, slot.Entity.Name),
		}
	}
	requested := p.lock.Mode
	entry, ok := p.sess.Entry(obj.Key)
	if !ok {
		return &ormerr.AssertionError{Message: fmt.Sprintf("resident entity %s has no entry", obj.Key)}
	}
	if requested == session.LockNone || !requested.GreaterThan(entry.LockMode) {
		return nil
	}
	if obj.Entity.IsVersioned() && slot.Aliases.Version != "" {
		current := r.get(slot.Aliases.Version)
		if session.NormalizeID(current) != session.NormalizeID(entry.Version) {
			p.l.metrics.RecordStaleObject(context.Background(), obj.Entity.Name)
			return &ormerr.StaleObjectError{Entity: obj.Entity.Name, ID: obj.ID}
		}
	}
	p.sess.UpgradeLock(obj.Key, requested)
	return nil
}

func (p *pass) instantiate(r row, slot *planner.EntitySlot, id any) (*session.Object, error) {
	concrete := slot.Entity
	if slot.Entity.DiscriminatorColumn() != "" {
		resolved, err := p.l.model.ResolveDiscriminator(slot.Entity, r.get(slot.Aliases.Discriminator))
		if err != nil {
			var wc *ormerr.WrongClassError
			if errors.As(err, &wc) {
				wc.ID = id
			}
			return nil, err
		}
		concrete = resolved
	}

	lock := p.lock.Mode
	if lock == session.LockNone {
		lock = session.LockRead
	}
	obj := p.sess.AddUninitialized(p.sess.Instantiate(concrete, id), lock)
	p.stats.entities++

	if concrete.CacheReference && p.l.refCache != nil {
		if entry, ok := p.l.refCache.Get(obj.Key); ok && entry.Entity == concrete.Name {
			state := make(map[string]any, len(entry.State))
			for k, v := range entry.State {
				state[k] = v
			}
			if err := p.sess.Populate(obj, state, entry.Version, true); err != nil {
				return nil, err
			}
			p.shared = append(p.shared, obj)
			return obj, nil
		}
	}

	pd := &pending{
		obj:      obj,
		slot:     slot,
		concrete: concrete,
		raw:      make(map[string]any, len(slot.Aliases.Properties)),
		joined:   make(map[string]*session.Object),
	}
	for path, aliases := range slot.Aliases.Properties {
		pd.raw[path] = r.value(aliases)
	}
	if slot.Aliases.Version != "" {
		pd.version = r.get(slot.Aliases.Version)
	}
	p.loading[obj.Key] = pd
	p.order = append(p.order, pd)
	return obj, nil
}

// linkJoined applies the not-found policy of a joined to-one association
// and records the joined target on its owner.
func (p *pass) linkJoined(r row, slot *planner.EntitySlot, owner, target *session.Object) error {
	a := slot.Association
	if a == nil {
		return nil
	}
	pd := p.loading[owner.Key]
	if pd != nil && pd.obj != owner {
		pd = nil
	}
	if target != nil {
		if pd != nil {
			pd.joined[slot.Property] = target
		}
		return nil
	}

	role := owner.Entity.Name + "." + slot.Property
	if a.Direction == mapping.FromParent {
		ownerSlot := &p.layout.Entities[slot.Owner]
		fk := r.value(ownerSlot.Aliases.Properties[slot.Property])
		if session.IsNullID(fk) {
			return nil
		}
		if a.NotFound != mapping.NotFoundIgnore {
			return &ormerr.ObjectNotFoundError{Entity: slot.Entity.Name, ID: fk, Property: role}
		}
	} else if !slot.Nullable && a.NotFound != mapping.NotFoundIgnore {
		return &ormerr.ObjectNotFoundError{Entity: slot.Entity.Name, ID: owner.ID, Property: role}
	}

	p.sess.RecordAbsent(owner.Key, slot.Property)
	if pd != nil {
		pd.joined[slot.Property] = nil
	}
	return nil
}

func (p *pass) readCollection(r row, cs *planner.CollectionSlot, objs []*session.Object) error {
	c := cs.Collection
	var owner *session.Object
	if cs.Owner >= 0 {
		owner = objs[cs.Owner]
		if owner == nil {
			return nil
		}
	}

	key := r.value(cs.Aliases.Key)
	if session.IsNullID(key) {
		// the owner is present but has no elements
		if owner != nil {
			p.loadingCollection(c, owner, owner.ID)
		}
		return nil
	}
	if owner == nil {
		if o, ok := p.sess.Get(session.NewEntityKey(c.OwnerEntity(), key)); ok {
			owner = o
		}
	}

	coll := p.loadingCollection(c, owner, key)
	if coll == nil {
		return nil
	}
	element, ok, err := p.readElement(r, cs, objs)
	if err != nil || !ok {
		return err
	}
	coll.ReadElement(r.value(cs.Aliases.Index), element)
	return nil
}

// loadingCollection returns the collection being read for key in this pass,
// starting it on first sight. Collections that were initialized before the
// pass and were not requested are left untouched and yield nil.
func (p *pass) loadingCollection(c *mapping.CollectionDescriptor, owner *session.Object, key any) *session.Collection {
	ck := session.NewCollectionKey(c, key)
	if coll, ok := p.collections[ck]; ok {
		return coll
	}
	coll := p.sess.CollectionFor(c, owner, key)
	if _, requested := p.requested[ck]; coll.IsInitialized() && !requested {
		p.collections[ck] = nil
		return nil
	}
	coll.BeginRead()
	p.collections[ck] = coll
	p.collOrder = append(p.collOrder, coll)
	return coll
}

func (p *pass) readElement(r row, cs *planner.CollectionSlot, objs []*session.Object) (any, bool, error) {
	c := cs.Collection
	switch c.Element {
	case mapping.ElementOneToMany:
		if cs.Element < 0 || objs[cs.Element] == nil {
			return nil, false, nil
		}
		return objs[cs.Element], true, nil
	case mapping.ElementManyToMany:
		id := r.value(cs.Aliases.Element)
		if session.IsNullID(id) {
			return nil, false, nil
		}
		if cs.Element >= 0 {
			if obj := objs[cs.Element]; obj != nil {
				return obj, true, nil
			}
			if c.ElementNotFound == mapping.NotFoundIgnore {
				return nil, false, nil
			}
			return nil, false, &ormerr.ObjectNotFoundError{Entity: c.ElementEntity, ID: id, Property: c.Role}
		}
		return p.sess.InternalLoad(c.ElementEntityDescriptor(), id), true, nil
	case mapping.ElementComponent:
		value, err := p.readComponent(r, cs, propertypath.Root(), c.ElementComponent.Properties, make(map[string]any))
		return value, err == nil, err
	default:
		v := r.value(cs.Aliases.Element)
		if v == nil {
			return nil, false, nil
		}
		return v, true, nil
	}
}

// readComponent reads a composite element into a map keyed by flattened
// property path. Associations resolve to the referenced instance.
func (p *pass) readComponent(r row, cs *planner.CollectionSlot, base *propertypath.Path, props []mapping.Property, out map[string]any) (map[string]any, error) {
	for _, prop := range props {
		path := base.Append(prop.Name)
		switch t := prop.Type.(type) {
		case *mapping.Component:
			if _, err := p.readComponent(r, cs, path, t.Properties, out); err != nil {
				return nil, err
			}
		case *mapping.Basic:
			out[path.FullPath()] = r.value(p.collectionAliases(cs, t.Columns))
		case *mapping.Association:
			if !t.Kind.IsEntity() || t.Direction != mapping.FromParent {
				continue
			}
			fk := r.value(p.collectionAliases(cs, t.Columns))
			if session.IsNullID(fk) {
				out[path.FullPath()] = nil
				continue
			}
			target, err := p.l.model.Entity(t.Target)
			if err != nil {
				return nil, err
			}
			out[path.FullPath()] = p.sess.InternalLoad(target, fk)
		}
	}
	return out, nil
}

func (p *pass) collectionAliases(cs *planner.CollectionSlot, cols []string) []string {
	out := make([]string, len(cols))
	for i, col := range cols {
		out[i] = cs.Aliases.SelectAlias(col)
	}
	return out
}
