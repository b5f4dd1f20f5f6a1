package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/priam/pkg/session"
)

func newTestVectorStore(t *testing.T) (*VectorStore, *MockVectorProvider, *MockEmbedderProvider) {
	t.Helper()

	provider := NewMockVectorProvider()
	embedder := NewMockEmbedderProvider()

	s, err := NewVectorStore(VectorStoreConfig{
		Provider: provider,
		Embedder: embedder,
	})
	require.NoError(t, err)

	return s, provider, embedder
}

func TestNewVectorStore(t *testing.T) {
	provider := NewMockVectorProvider()
	embedder := NewMockEmbedderProvider()

	t.Run("succeeds with valid inputs", func(t *testing.T) {
		s, err := NewVectorStore(VectorStoreConfig{Provider: provider, Embedder: embedder})
		require.NoError(t, err)
		assert.Equal(t, TierVector, s.Tier())
		assert.Equal(t, "priam_memory", s.collection)
	})

	t.Run("fails without provider", func(t *testing.T) {
		s, err := NewVectorStore(VectorStoreConfig{Embedder: embedder})
		assert.Error(t, err)
		assert.Nil(t, s)
		assert.Contains(t, err.Error(), "vector provider is required")
	})

	t.Run("fails without embedder", func(t *testing.T) {
		s, err := NewVectorStore(VectorStoreConfig{Provider: provider})
		assert.Error(t, err)
		assert.Nil(t, s)
		assert.Contains(t, err.Error(), "embedder is required")
	})
}

func TestVectorStore_PutEmbedsWhenMissing(t *testing.T) {
	s, provider, embedder := newTestVectorStore(t)
	ctx := context.Background()
	scope := session.Key{TenantID: "acme", SessionID: "s1"}

	require.NoError(t, s.Put(ctx, scope, Item{Key: "k1", Value: "needs embedding"}))
	assert.Equal(t, 1, embedder.EmbedCalls())

	require.NoError(t, s.Put(ctx, scope, Item{
		Key:       "k2",
		Value:     "already embedded",
		Embedding: []float32{1, 2, 3},
	}))
	assert.Equal(t, 1, embedder.EmbedCalls(), "supplied embedding should be used as-is")

	assert.Equal(t, 2, provider.GetStoredCount("priam_memory"))
}

func TestVectorStore_UpsertByKey(t *testing.T) {
	s, provider, _ := newTestVectorStore(t)
	ctx := context.Background()

	t.Run("same tenant and key replaces", func(t *testing.T) {
		s1 := session.Key{TenantID: "acme", SessionID: "s1"}
		s2 := session.Key{TenantID: "acme", SessionID: "s2"}

		require.NoError(t, s.Put(ctx, s1, Item{Key: "shared", Value: "first write"}))
		require.NoError(t, s.Put(ctx, s2, Item{Key: "shared", Value: "second write"}))

		assert.Equal(t, 1, provider.GetStoredCount("priam_memory"),
			"writes from two sessions of one tenant should address the same document")

		got, err := s.Get(ctx, s1, "shared")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "second write", got.Value)
	})

	t.Run("different tenants do not collide", func(t *testing.T) {
		other := session.Key{TenantID: "globex", SessionID: "s1"}

		require.NoError(t, s.Put(ctx, other, Item{Key: "shared", Value: "globex version"}))
		assert.Equal(t, 2, provider.GetStoredCount("priam_memory"))
	})
}

func TestVectorStore_GetRoundtrip(t *testing.T) {
	s, _, _ := newTestVectorStore(t)
	ctx := context.Background()
	scope := session.Key{TenantID: "acme", SessionID: "s1"}
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Put(ctx, scope, Item{
		Key:       "profile",
		Value:     "customer prefers morning deliveries",
		Pinned:    true,
		StepIndex: 3,
		CreatedAt: created,
	}))

	got, err := s.Get(ctx, scope, "profile")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "profile", got.Key)
	assert.Equal(t, "customer prefers morning deliveries", got.Value)
	assert.True(t, got.Pinned)
	assert.Equal(t, 3, got.StepIndex)
	assert.True(t, created.Equal(got.CreatedAt))

	missing, err := s.Get(ctx, scope, "absent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestVectorStore_GetDecodesStringMetadata(t *testing.T) {
	s, provider, _ := newTestVectorStore(t)
	ctx := context.Background()
	scope := session.Key{TenantID: "acme", SessionID: "s1"}

	// chromem stores metadata as strings; decoding must tolerate that
	id := itemID("acme", "stringly")
	require.NoError(t, provider.Upsert(ctx, "priam_memory", id, []float32{1, 0, 0}, map[string]any{
		"tenant_id":  "acme",
		"session_id": "s1",
		"key":        "stringly",
		"content":    "string-typed metadata",
		"pinned":     "true",
		"step_index": "7",
		"created_at": "2025-06-01T12:00:00Z",
	}))

	got, err := s.Get(ctx, scope, "stringly")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "string-typed metadata", got.Value)
	assert.True(t, got.Pinned)
	assert.Equal(t, 7, got.StepIndex)
	assert.Equal(t, 2025, got.CreatedAt.Year())
}

func TestVectorStore_GetGuardsTenant(t *testing.T) {
	s, provider, _ := newTestVectorStore(t)
	ctx := context.Background()

	// A colliding id carrying another tenant's metadata must not leak
	id := itemID("acme", "k")
	require.NoError(t, provider.Upsert(ctx, "priam_memory", id, []float32{1, 0, 0}, map[string]any{
		"tenant_id": "globex",
		"key":       "k",
		"content":   "not yours",
	}))

	got, err := s.Get(ctx, session.Key{TenantID: "acme", SessionID: "s1"}, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVectorStore_SearchFiltersTenant(t *testing.T) {
	s, _, _ := newTestVectorStore(t)
	ctx := context.Background()
	acme := session.Key{TenantID: "acme", SessionID: "s1"}
	globex := session.Key{TenantID: "globex", SessionID: "s1"}

	require.NoError(t, s.Put(ctx, acme, Item{Key: "a1", Value: "acme fact one"}))
	require.NoError(t, s.Put(ctx, acme, Item{Key: "a2", Value: "acme fact two"}))
	require.NoError(t, s.Put(ctx, globex, Item{Key: "g1", Value: "globex fact"}))

	results, err := s.Search(ctx, acme, "fact", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotContains(t, r.Item.Value, "globex")
		assert.Equal(t, TierVector, r.Tier)
	}
}

func TestVectorStore_SearchEmptyQuery(t *testing.T) {
	s, _, embedder := newTestVectorStore(t)
	ctx := context.Background()
	scope := session.Key{TenantID: "acme", SessionID: "s1"}

	results, err := s.Search(ctx, scope, "", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, embedder.EmbedCalls())
}

func TestVectorStore_ClearRemovesOnlySessionWrites(t *testing.T) {
	s, provider, _ := newTestVectorStore(t)
	ctx := context.Background()
	s1 := session.Key{TenantID: "acme", SessionID: "s1"}
	s2 := session.Key{TenantID: "acme", SessionID: "s2"}

	require.NoError(t, s.Put(ctx, s1, Item{Key: "from-s1", Value: "session one fact"}))
	require.NoError(t, s.Put(ctx, s2, Item{Key: "from-s2", Value: "session two fact"}))

	require.NoError(t, s.Clear(ctx, s1))

	assert.Equal(t, 1, provider.GetStoredCount("priam_memory"))

	got, err := s.Get(ctx, s2, "from-s2")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestVectorStore_Delete(t *testing.T) {
	s, provider, _ := newTestVectorStore(t)
	ctx := context.Background()
	scope := session.Key{TenantID: "acme", SessionID: "s1"}

	require.NoError(t, s.Put(ctx, scope, Item{Key: "k", Value: "v"}))
	require.NoError(t, s.Delete(ctx, scope, "k"))

	assert.Equal(t, 0, provider.GetStoredCount("priam_memory"))
}

func TestVectorStore_EmbedderErrorPropagates(t *testing.T) {
	s, _, embedder := newTestVectorStore(t)
	ctx := context.Background()
	scope := session.Key{TenantID: "acme", SessionID: "s1"}

	embedder.SetEmbedFunc(func(text string) ([]float32, error) {
		return nil, assert.AnError
	})

	err := s.Put(ctx, scope, Item{Key: "k", Value: "v"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to embed")

	_, err = s.Search(ctx, scope, "query", 5)
	assert.Error(t, err)
}
