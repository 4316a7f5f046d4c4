// Package cache provides the shared second-level stores used by the loader:
// byte regions backing the query cache and the reference cache for
// immutable entities. Every type in this package is safe for concurrent use.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Region is a named get/put store of encoded values.
type Region interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// DefaultMaxEntries bounds a MemoryRegion created with a non-positive size.
const DefaultMaxEntries = 10000

// MemoryRegion is an in-process region with LRU eviction and an optional
// time to live.
type MemoryRegion struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemoryRegion creates a region holding at most size entries. A zero ttl
// keeps entries until they are evicted.
func NewMemoryRegion(size int, ttl time.Duration) *MemoryRegion {
	if size <= 0 {
		size = DefaultMaxEntries
	}
	return &MemoryRegion{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (r *MemoryRegion) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := r.lru.Get(key)
	return v, ok, nil
}

func (r *MemoryRegion) Put(_ context.Context, key string, value []byte) error {
	r.lru.Add(key, append([]byte(nil), value...))
	return nil
}

func (r *MemoryRegion) Delete(_ context.Context, key string) error {
	r.lru.Remove(key)
	return nil
}

// Len returns the number of live entries.
func (r *MemoryRegion) Len() int {
	return r.lru.Len()
}
