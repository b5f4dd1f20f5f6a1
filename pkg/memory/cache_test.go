package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/priam/pkg/session"
)

// newTestCache builds a cache with a controllable clock and no background
// janitor. Advance time by assigning through the returned pointer.
func newTestCache(t *testing.T, cfg CacheConfig) (*CacheStore, *time.Time) {
	t.Helper()

	cfg.SweepInterval = 0
	s := NewCacheStore(cfg)
	t.Cleanup(func() { _ = s.Close() })

	now := new(time.Time)
	*now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return *now }

	return s, now
}

func cacheScope(id string) session.Key {
	return session.Key{TenantID: "acme", SessionID: id}
}

func TestCacheStore_PutGet(t *testing.T) {
	s, _ := newTestCache(t, CacheConfig{})
	ctx := context.Background()
	scope := cacheScope("s1")

	require.NoError(t, s.Put(ctx, scope, Item{Key: "greeting", Value: "hello world"}))

	got, err := s.Get(ctx, scope, "greeting")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello world", got.Value)
	assert.False(t, got.CreatedAt.IsZero())

	missing, err := s.Get(ctx, scope, "absent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCacheStore_TTLExpiry(t *testing.T) {
	s, now := newTestCache(t, CacheConfig{TTL: time.Hour})
	ctx := context.Background()
	scope := cacheScope("s1")

	require.NoError(t, s.Put(ctx, scope, Item{Key: "k", Value: "v"}))

	*now = now.Add(59 * time.Minute)
	got, err := s.Get(ctx, scope, "k")
	require.NoError(t, err)
	assert.NotNil(t, got)

	*now = now.Add(2 * time.Minute)
	got, err = s.Get(ctx, scope, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Expired entry was dropped on access
	assert.Equal(t, 0, s.Len())
}

func TestCacheStore_PutRefreshesTTL(t *testing.T) {
	s, now := newTestCache(t, CacheConfig{TTL: time.Hour})
	ctx := context.Background()
	scope := cacheScope("s1")

	require.NoError(t, s.Put(ctx, scope, Item{Key: "k", Value: "v1"}))

	*now = now.Add(30 * time.Minute)
	require.NoError(t, s.Put(ctx, scope, Item{Key: "k", Value: "v2"}))

	// 75 minutes after the first write, 45 after the refresh
	*now = now.Add(45 * time.Minute)
	got, err := s.Get(ctx, scope, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.Value)
}

func TestCacheStore_Sweep(t *testing.T) {
	s, now := newTestCache(t, CacheConfig{TTL: time.Hour})
	ctx := context.Background()
	scope := cacheScope("s1")

	require.NoError(t, s.Put(ctx, scope, Item{Key: "a", Value: "first"}))
	require.NoError(t, s.Put(ctx, scope, Item{Key: "b", Value: "second"}))
	require.Equal(t, 2, s.Len())

	*now = now.Add(2 * time.Hour)
	s.sweep()

	assert.Equal(t, 0, s.Len())
}

func TestCacheStore_CapacityEvictsOldest(t *testing.T) {
	s, now := newTestCache(t, CacheConfig{TTL: time.Hour, Capacity: 2})
	ctx := context.Background()
	scope := cacheScope("s1")

	require.NoError(t, s.Put(ctx, scope, Item{Key: "a", Value: "first"}))
	*now = now.Add(time.Minute)
	require.NoError(t, s.Put(ctx, scope, Item{Key: "b", Value: "second"}))
	*now = now.Add(time.Minute)
	require.NoError(t, s.Put(ctx, scope, Item{Key: "c", Value: "third"}))

	assert.Equal(t, 2, s.Len())

	a, err := s.Get(ctx, scope, "a")
	require.NoError(t, err)
	assert.Nil(t, a, "oldest entry should have been evicted")

	b, err := s.Get(ctx, scope, "b")
	require.NoError(t, err)
	assert.NotNil(t, b)

	c, err := s.Get(ctx, scope, "c")
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestCacheStore_EvictionPrefersExpired(t *testing.T) {
	s, now := newTestCache(t, CacheConfig{TTL: time.Hour, Capacity: 2})
	ctx := context.Background()
	scope := cacheScope("s1")

	require.NoError(t, s.Put(ctx, scope, Item{Key: "a", Value: "expiring"}))
	*now = now.Add(50 * time.Minute)
	require.NoError(t, s.Put(ctx, scope, Item{Key: "b", Value: "fresh"}))

	// a has expired, b has not
	*now = now.Add(15 * time.Minute)
	require.NoError(t, s.Put(ctx, scope, Item{Key: "c", Value: "new"}))

	b, err := s.Get(ctx, scope, "b")
	require.NoError(t, err)
	assert.NotNil(t, b, "live entry should survive when an expired one can go")

	c, err := s.Get(ctx, scope, "c")
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestCacheStore_ScopeIsolation(t *testing.T) {
	s, _ := newTestCache(t, CacheConfig{})
	ctx := context.Background()
	s1 := cacheScope("s1")
	s2 := cacheScope("s2")

	require.NoError(t, s.Put(ctx, s1, Item{Key: "k", Value: "from s1"}))
	require.NoError(t, s.Put(ctx, s2, Item{Key: "k", Value: "from s2"}))

	got1, err := s.Get(ctx, s1, "k")
	require.NoError(t, err)
	require.NotNil(t, got1)
	assert.Equal(t, "from s1", got1.Value)

	require.NoError(t, s.Clear(ctx, s1))

	got1, err = s.Get(ctx, s1, "k")
	require.NoError(t, err)
	assert.Nil(t, got1)

	got2, err := s.Get(ctx, s2, "k")
	require.NoError(t, err)
	require.NotNil(t, got2)
	assert.Equal(t, "from s2", got2.Value)
}

func TestCacheStore_Search(t *testing.T) {
	s, now := newTestCache(t, CacheConfig{TTL: time.Hour})
	ctx := context.Background()
	scope := cacheScope("s1")

	require.NoError(t, s.Put(ctx, scope, Item{Key: "order", Value: "customer order for widgets"}))
	require.NoError(t, s.Put(ctx, scope, Item{Key: "invoice", Value: "invoice totals for march"}))
	require.NoError(t, s.Put(ctx, scope, Item{Key: "note", Value: "unrelated content"}))

	t.Run("scores by query word overlap", func(t *testing.T) {
		results, err := s.Search(ctx, scope, "customer order", 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "order", results[0].Item.Key)
		assert.Equal(t, 1.0, results[0].Score)
		assert.Equal(t, TierCache, results[0].Tier)
	})

	t.Run("partial overlap scores fractionally", func(t *testing.T) {
		results, err := s.Search(ctx, scope, "customer payments", 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, 0.5, results[0].Score)
	})

	t.Run("respects k", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, scope, Item{Key: "order2", Value: "second customer order"}))

		results, err := s.Search(ctx, scope, "order", 1)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("excludes expired entries", func(t *testing.T) {
		*now = now.Add(2 * time.Hour)

		results, err := s.Search(ctx, scope, "order", 10)
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestCacheStore_Delete(t *testing.T) {
	s, _ := newTestCache(t, CacheConfig{})
	ctx := context.Background()
	scope := cacheScope("s1")

	require.NoError(t, s.Put(ctx, scope, Item{Key: "k", Value: "v"}))
	require.NoError(t, s.Delete(ctx, scope, "k"))

	got, err := s.Get(ctx, scope, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting a missing key is not an error
	assert.NoError(t, s.Delete(ctx, scope, "absent"))
}
