package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"joinfetch/internal/session"
)

// ReferenceEntry is the cached state of one immutable entity. State holds
// only column values; associations are not cached.
type ReferenceEntry struct {
	Entity  string
	State   map[string]any
	Version any
}

// ReferenceCache shares fully built immutable entities between sessions.
type ReferenceCache struct {
	lru *lru.Cache[session.EntityKey, ReferenceEntry]
}

// NewReferenceCache creates a cache holding at most size entities.
func NewReferenceCache(size int) (*ReferenceCache, error) {
	if size <= 0 {
		size = DefaultMaxEntries
	}
	c, err := lru.New[session.EntityKey, ReferenceEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create reference cache: %w", err)
	}
	return &ReferenceCache{lru: c}, nil
}

// Get returns the entry for key.
func (c *ReferenceCache) Get(key session.EntityKey) (ReferenceEntry, bool) {
	return c.lru.Get(key)
}

// Put stores a copy of entry under key.
func (c *ReferenceCache) Put(key session.EntityKey, entry ReferenceEntry) {
	state := make(map[string]any, len(entry.State))
	for k, v := range entry.State {
		state[k] = v
	}
	entry.State = state
	c.lru.Add(key, entry)
}

// Evict removes key.
func (c *ReferenceCache) Evict(key session.EntityKey) {
	c.lru.Remove(key)
}

// Len returns the number of cached entities.
func (c *ReferenceCache) Len() int {
	return c.lru.Len()
}
