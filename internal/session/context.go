// Package session holds the per-unit-of-work state the hydrator writes into:
// the identity map, entity entries, known-absent association facts and the
// collection registry. A Context is not safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"

	"joinfetch/internal/mapping"
	"joinfetch/internal/ormerr"
)

// ErrNoFetcher is returned when a lazy property is read from a session
// without a fetcher.
var ErrNoFetcher = errors.New("session has no fetcher for lazy properties")

// Status is the lifecycle state of an entity entry.
type Status int

const (
	// Loading entries are registered but not yet populated.
	Loading Status = iota
	Managed
	ReadOnly
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Managed:
		return "managed"
	case ReadOnly:
		return "read_only"
	default:
		return "unknown"
	}
}

// EntityEntry is the bookkeeping for one resident entity.
type EntityEntry struct {
	Status   Status
	LockMode LockMode
	Version  any
	ReadOnly bool
	// LoadedState is the hydrated property state keyed like Object values.
	LoadedState map[string]any
}

// Fetcher loads properties that were not fetched with their owner.
type Fetcher interface {
	FetchProperty(ctx context.Context, s *Context, obj *Object, property string) (any, error)
}

// Locker acquires locks on already loaded entities.
type Locker interface {
	Lock(ctx context.Context, obj *Object, mode LockMode) error
}

// PostLoadListener is invoked once for every entity after its load
// completes.
type PostLoadListener func(obj *Object)

type absentKey struct {
	entity   EntityKey
	property string
}

// Context is the session-scoped identity map.
type Context struct {
	entities    map[EntityKey]*Object
	entries     map[EntityKey]*EntityEntry
	absent      map[absentKey]struct{}
	collections map[CollectionKey]*Collection
	listeners   []PostLoadListener
	fetcher     Fetcher
	locker      Locker
	readOnly    bool
}

// Option configures a Context.
type Option func(*Context)

// WithFetcher sets the lazy property fetcher.
func WithFetcher(f Fetcher) Option {
	return func(s *Context) {
		s.fetcher = f
	}
}

// WithLocker sets the collaborator used for follow-on locking.
func WithLocker(l Locker) Option {
	return func(s *Context) {
		s.locker = l
	}
}

// WithPostLoad registers a post-load listener.
func WithPostLoad(l PostLoadListener) Option {
	return func(s *Context) {
		s.listeners = append(s.listeners, l)
	}
}

// WithDefaultReadOnly makes loaded entities read-only unless the load
// requests otherwise.
func WithDefaultReadOnly(readOnly bool) Option {
	return func(s *Context) {
		s.readOnly = readOnly
	}
}

// New returns an empty session.
func New(opts ...Option) *Context {
	s := &Context{
		entities:    make(map[EntityKey]*Object),
		entries:     make(map[EntityKey]*EntityEntry),
		absent:      make(map[absentKey]struct{}),
		collections: make(map[CollectionKey]*Collection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFetcher replaces the lazy property fetcher.
func (s *Context) SetFetcher(f Fetcher) {
	s.fetcher = f
}

// Locker returns the follow-on lock collaborator, or nil.
func (s *Context) Locker() Locker {
	return s.locker
}

// DefaultReadOnly reports the session read-only default.
func (s *Context) DefaultReadOnly() bool {
	return s.readOnly
}

// Get returns the resident entity for key, including proxies.
func (s *Context) Get(key EntityKey) (*Object, bool) {
	o, ok := s.entities[key]
	return o, ok
}

// Entry returns the bookkeeping entry of a resident, non-proxy entity.
func (s *Context) Entry(key EntityKey) (*EntityEntry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// Len returns the number of resident entities.
func (s *Context) Len() int {
	return len(s.entities)
}

// Instantiate creates an empty instance of e. It is not registered.
func (s *Context) Instantiate(e *mapping.EntityDescriptor, id any) *Object {
	return newObject(e, id)
}

// AddUninitialized registers obj as loading before any property is read so
// references back to the same identity resolve to it. A proxy already
// registered under the key is adopted and retyped instead.
func (s *Context) AddUninitialized(obj *Object, lock LockMode) *Object {
	if existing, ok := s.entities[obj.Key]; ok && existing.proxy {
		existing.Entity = obj.Entity
		existing.ID = obj.ID
		obj = existing
	}
	s.entities[obj.Key] = obj
	s.entries[obj.Key] = &EntityEntry{Status: Loading, LockMode: lock}
	return obj
}

// Populate stores hydrated state on a loading entity and marks it managed.
func (s *Context) Populate(obj *Object, state map[string]any, version any, readOnly bool) error {
	entry, ok := s.entries[obj.Key]
	if !ok {
		return &ormerr.AssertionError{Message: fmt.Sprintf("no entity entry for %s", obj.Key)}
	}
	for k, v := range state {
		obj.values[k] = v
	}
	obj.initialized = true
	obj.proxy = false
	entry.LoadedState = state
	entry.Version = version
	entry.ReadOnly = readOnly || obj.Entity.Immutable
	entry.Status = Managed
	if entry.ReadOnly {
		entry.Status = ReadOnly
	}
	return nil
}

// Adopt registers an already populated instance, such as one taken from the
// reference cache.
func (s *Context) Adopt(obj *Object, lock LockMode, version any) {
	obj.initialized = true
	s.entities[obj.Key] = obj
	s.entries[obj.Key] = &EntityEntry{Status: ReadOnly, LockMode: lock, Version: version, ReadOnly: true}
}

// InternalLoad resolves a reference to e#id: the resident instance if any,
// otherwise a registered proxy.
func (s *Context) InternalLoad(e *mapping.EntityDescriptor, id any) *Object {
	key := NewEntityKey(e, id)
	if o, ok := s.entities[key]; ok {
		return o
	}
	o := newObject(e, id)
	o.proxy = true
	s.entities[key] = o
	return o
}

// RecordAbsent remembers that property of key has no target row.
func (s *Context) RecordAbsent(key EntityKey, property string) {
	s.absent[absentKey{entity: key, property: property}] = struct{}{}
}

// IsAbsent reports whether property of key is known to have no target.
func (s *Context) IsAbsent(key EntityKey, property string) bool {
	_, ok := s.absent[absentKey{entity: key, property: property}]
	return ok
}

// Collection returns the registered collection for key.
func (s *Context) Collection(key CollectionKey) (*Collection, bool) {
	c, ok := s.collections[key]
	return c, ok
}

// CollectionFor returns the collection of role owned by owner, registering
// an uninitialized one when none exists.
func (s *Context) CollectionFor(c *mapping.CollectionDescriptor, owner *Object, ownerKey any) *Collection {
	key := NewCollectionKey(c, ownerKey)
	if existing, ok := s.collections[key]; ok {
		if existing.Owner == nil {
			existing.Owner = owner
		}
		return existing
	}
	coll := &Collection{Descriptor: c, Owner: owner, Key: key}
	s.collections[key] = coll
	return coll
}

// LoadProperty returns a property value, fetching it when it was not loaded
// with its owner. Properties recorded as absent resolve to nil without
// calling the fetcher.
func (s *Context) LoadProperty(ctx context.Context, obj *Object, property string) (any, error) {
	if s.IsAbsent(obj.Key, property) {
		return nil, nil
	}
	if v, ok := obj.values[property]; ok && isLoaded(v) {
		return v, nil
	}
	if s.fetcher == nil {
		return nil, ErrNoFetcher
	}
	return s.fetcher.FetchProperty(ctx, s, obj, property)
}

func isLoaded(v any) bool {
	switch t := v.(type) {
	case *Object:
		return t.initialized
	case *Collection:
		return t.initialized
	default:
		return true
	}
}

// UpgradeLock records a stronger lock held on key.
func (s *Context) UpgradeLock(key EntityKey, mode LockMode) {
	if e, ok := s.entries[key]; ok && mode.GreaterThan(e.LockMode) {
		e.LockMode = mode
	}
}

// PostLoad runs the registered listeners for obj.
func (s *Context) PostLoad(obj *Object) {
	for _, l := range s.listeners {
		l(obj)
	}
}
