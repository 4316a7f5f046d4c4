// Package querycache stores the results of cacheable loads as lists of
// entity tuples keyed by statement, bound parameters and enabled filters.
// Entries are invalidated per query space: an entry is stale once any table
// it read from was written after the entry was stored.
package querycache

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"joinfetch/internal/cache"
)

// Key identifies one cached result list.
type Key struct {
	Region   string
	SQL      string
	Params   []any
	Filters  map[string]map[string]any
	FirstRow int
	MaxRows  int
}

// Hash returns the xxhash fingerprint of the key, prefixed by its region.
func (k Key) Hash() (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.EncodeMulti(k.SQL, k.Params, sortedFilters(k.Filters), k.FirstRow, k.MaxRows); err != nil {
		return "", fmt.Errorf("failed to encode query cache key: %w", err)
	}
	region := k.Region
	if region == "" {
		region = "default"
	}
	return "q:" + region + ":" + strconv.FormatUint(xxhash.Sum64(buf.Bytes()), 16), nil
}

type filterParam struct {
	Name  string
	Value any
}

type filterEntry struct {
	Name   string
	Params []filterParam
}

// sortedFilters flattens the enabled filters into name order at both levels,
// since the encoder only sorts the keys of flat string maps.
func sortedFilters(filters map[string]map[string]any) []filterEntry {
	out := make([]filterEntry, 0, len(filters))
	for name, params := range filters {
		entry := filterEntry{Name: name, Params: make([]filterParam, 0, len(params))}
		for param, value := range params {
			entry.Params = append(entry.Params, filterParam{Name: param, Value: value})
		}
		sort.Slice(entry.Params, func(i, j int) bool { return entry.Params[i].Name < entry.Params[j].Name })
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Column is one entity of a cached result tuple: its entity name,
// identifier and column state.
type Column struct {
	Entity string         `msgpack:"e"`
	ID     any            `msgpack:"i"`
	State  map[string]any `msgpack:"s,omitempty"`
}

// Entry is the stored form of one result list.
type Entry struct {
	Timestamp int64      `msgpack:"t"`
	Rows      [][]Column `msgpack:"r"`
}

// Cache is the query result cache over a Region.
type Cache struct {
	region cache.Region
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the clock used for entry and invalidation timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache storing entries and invalidation timestamps in region.
func New(region cache.Region, opts ...Option) *Cache {
	c := &Cache{region: region, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached rows for key. An entry older than the last
// invalidation of any of spaces is a miss, unless the lookup is by an
// immutable natural key.
func (c *Cache) Get(ctx context.Context, key Key, spaces []string, immutableNaturalKey bool) ([][]Column, bool, error) {
	hash, err := key.Hash()
	if err != nil {
		return nil, false, err
	}
	raw, ok, err := c.region.Get(ctx, hash)
	if err != nil || !ok {
		return nil, false, err
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return nil, false, err
	}
	if !immutableNaturalKey {
		upToDate, err := c.isUpToDate(ctx, spaces, entry.Timestamp)
		if err != nil {
			return nil, false, err
		}
		if !upToDate {
			return nil, false, nil
		}
	}
	return entry.Rows, true, nil
}

// Put stores rows under key.
func (c *Cache) Put(ctx context.Context, key Key, rows [][]Column) error {
	hash, err := key.Hash()
	if err != nil {
		return err
	}
	raw, err := msgpack.Marshal(&Entry{Timestamp: c.now().UnixNano(), Rows: rows})
	if err != nil {
		return fmt.Errorf("failed to encode query cache entry: %w", err)
	}
	return c.region.Put(ctx, hash, raw)
}

// Invalidate marks every entry reading from spaces as stale.
func (c *Cache) Invalidate(ctx context.Context, spaces ...string) error {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(c.now().UnixNano()))
	for _, space := range spaces {
		if err := c.region.Put(ctx, timestampKey(space), ts); err != nil {
			return fmt.Errorf("failed to invalidate query space %s: %w", space, err)
		}
	}
	return nil
}

func (c *Cache) isUpToDate(ctx context.Context, spaces []string, timestamp int64) (bool, error) {
	sorted := append([]string(nil), spaces...)
	sort.Strings(sorted)
	for _, space := range sorted {
		raw, ok, err := c.region.Get(ctx, timestampKey(space))
		if err != nil {
			return false, err
		}
		if !ok || len(raw) != 8 {
			continue
		}
		if int64(binary.BigEndian.Uint64(raw)) >= timestamp {
			return false, nil
		}
	}
	return true, nil
}

func timestampKey(space string) string {
	return "ts:" + space
}

func decodeEntry(raw []byte) (*Entry, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)
	var entry Entry
	if err := dec.Decode(&entry); err != nil {
		return nil, fmt.Errorf("failed to decode query cache entry: %w", err)
	}
	return &entry, nil
}
