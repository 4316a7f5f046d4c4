package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joinfetch/internal/session"
)

func TestMemoryRegion(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegion(2, 0)

	_, ok, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	value := []byte("one")
	require.NoError(t, r.Put(ctx, "a", value))
	value[0] = 'X'
	got, ok, err := r.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), got)

	require.NoError(t, r.Put(ctx, "b", []byte("two")))
	require.NoError(t, r.Put(ctx, "c", []byte("three")))
	assert.Equal(t, 2, r.Len())
	_, ok, _ = r.Get(ctx, "a")
	assert.False(t, ok, "least recently used entry is evicted")

	require.NoError(t, r.Delete(ctx, "b"))
	_, ok, _ = r.Get(ctx, "b")
	assert.False(t, ok)
}

func TestMemoryRegion_TTL(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegion(0, 20*time.Millisecond)
	require.NoError(t, r.Put(ctx, "k", []byte("v")))
	require.Eventually(t, func() bool {
		_, ok, _ := r.Get(ctx, "k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRedisRegion_KeysArePrefixed(t *testing.T) {
	r := NewRedisRegionWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "", time.Minute)
	defer r.Close()
	assert.Equal(t, "joinfetch:q:1", r.key("q:1"))

	r = NewRedisRegion(RedisConfig{Addr: "127.0.0.1:0", Prefix: "shop"})
	defer r.Close()
	assert.Equal(t, "shop:q:1", r.key("q:1"))
}

func TestRedisRegion_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := NewRedisRegionWithClient(client, "t", 0)
	defer r.Close()

	ctx := context.Background()
	_, ok, err := r.Get(ctx, "k")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "failed to read cache key k")
	assert.ErrorContains(t, r.Put(ctx, "k", []byte("v")), "failed to write cache key k")
	assert.Error(t, r.Ping(ctx))
}

func TestReferenceCache(t *testing.T) {
	c, err := NewReferenceCache(1)
	require.NoError(t, err)

	key := session.EntityKey{Entity: "Country", ID: int64(1)}
	state := map[string]any{"code": "NZ"}
	c.Put(key, ReferenceEntry{Entity: "Country", State: state})
	state["code"] = "changed"

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "NZ", got.State["code"])

	other := session.EntityKey{Entity: "Country", ID: int64(2)}
	c.Put(other, ReferenceEntry{Entity: "Country"})
	_, ok = c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Evict(other)
	assert.Equal(t, 0, c.Len())
}
