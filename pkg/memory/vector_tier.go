// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/priam/pkg/embedders"
	"github.com/kadirpekel/priam/pkg/session"
	"github.com/kadirpekel/priam/pkg/vector"
)

// VectorStore is the cross-session long-term tier backed by a
// vector.Provider and an embedder.
//
// Items are addressed per tenant: the same key written from two sessions of
// one tenant replaces the same document, while searches see every session's
// writes within the tenant. Document ids are derived deterministically from
// (tenant, key) so writes are upserts on every backend.
type VectorStore struct {
	provider   vector.Provider
	embedder   embedders.EmbedderProvider
	collection string
}

// VectorStoreConfig configures the vector tier.
type VectorStoreConfig struct {
	// Provider for vector storage and search (required).
	Provider vector.Provider

	// Embedder for generating embeddings (required).
	Embedder embedders.EmbedderProvider

	// Collection holding memory items (optional).
	// Default: "priam_memory"
	Collection string
}

// NewVectorStore creates the vector tier.
func NewVectorStore(cfg VectorStoreConfig) (*VectorStore, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("vector provider is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder is required for the vector tier")
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "priam_memory"
	}

	slog.Info("Created vector memory tier",
		"provider", cfg.Provider.Name(),
		"embedder", cfg.Embedder.GetModelName(),
		"collection", collection)

	return &VectorStore{
		provider:   cfg.Provider,
		embedder:   cfg.Embedder,
		collection: collection,
	}, nil
}

// Tier returns TierVector.
func (s *VectorStore) Tier() Tier {
	return TierVector
}

// itemID derives a stable document id from tenant and key. Qdrant only
// accepts UUID or numeric point ids, so the id is a name-based UUID.
func itemID(tenantID, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenantID+":"+key)).String()
}

// Put embeds the value when no embedding is supplied and upserts the
// document.
func (s *VectorStore) Put(ctx context.Context, scope session.Key, item Item) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	embedding := item.Embedding
	if len(embedding) == 0 {
		var err error
		embedding, err = s.embedder.Embed(ctx, item.Value)
		if err != nil {
			return fmt.Errorf("failed to embed memory item: %w", err)
		}
	}

	metadata := map[string]any{
		"tenant_id":  scope.TenantID,
		"session_id": scope.SessionID,
		"key":        item.Key,
		"content":    item.Value,
		"pinned":     item.Pinned,
		"step_index": item.StepIndex,
		"created_at": item.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	id := itemID(scope.TenantID, item.Key)
	if err := s.provider.Upsert(ctx, s.collection, id, embedding, metadata); err != nil {
		return fmt.Errorf("failed to upsert memory item: %w", err)
	}

	return nil
}

// Get returns the item for key, or nil when absent or owned by another
// tenant.
func (s *VectorStore) Get(ctx context.Context, scope session.Key, key string) (*Item, error) {
	result, err := s.provider.Fetch(ctx, s.collection, itemID(scope.TenantID, key))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch memory item: %w", err)
	}
	if result == nil {
		return nil, nil
	}

	// Ids are tenant-scoped already; the check guards against collisions
	// in shared collections.
	if tenant := metaString(result.Metadata, "tenant_id"); tenant != "" && tenant != scope.TenantID {
		return nil, nil
	}

	item := itemFromResult(result)
	return &item, nil
}

// Search embeds the query and returns the tenant's top-k most similar
// items across all of its sessions.
func (s *VectorStore) Search(ctx context.Context, scope session.Key, query string, k int) ([]Scored, error) {
	if query == "" || k <= 0 {
		return nil, nil
	}

	queryEmbedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	filter := map[string]any{
		"tenant_id": scope.TenantID,
	}

	results, err := s.provider.SearchWithFilter(ctx, s.collection, queryEmbedding, k, filter)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	scored := make([]Scored, 0, len(results))
	for _, r := range results {
		scored = append(scored, Scored{
			Item:  itemFromResult(&r),
			Score: float64(r.Score),
			Tier:  TierVector,
		})
	}

	slog.Debug("Vector memory search completed",
		"tenant_id", scope.TenantID,
		"results", len(scored))

	return scored, nil
}

// Delete removes the item for key.
func (s *VectorStore) Delete(ctx context.Context, scope session.Key, key string) error {
	if err := s.provider.Delete(ctx, s.collection, itemID(scope.TenantID, key)); err != nil {
		return fmt.Errorf("failed to delete memory item: %w", err)
	}
	return nil
}

// Clear removes the documents this session wrote. Items the session
// overwrote on behalf of the tenant keep their latest value.
func (s *VectorStore) Clear(ctx context.Context, scope session.Key) error {
	filter := map[string]any{
		"tenant_id":  scope.TenantID,
		"session_id": scope.SessionID,
	}

	if err := s.provider.DeleteByFilter(ctx, s.collection, filter); err != nil {
		return fmt.Errorf("failed to clear session memory: %w", err)
	}

	slog.Debug("Cleared session from vector memory", "scope", scope.String())
	return nil
}

// Close closes the underlying provider.
func (s *VectorStore) Close() error {
	return s.provider.Close()
}

// itemFromResult rebuilds an Item from stored metadata. Values come back
// string-typed from chromem and natively typed from qdrant and pinecone,
// so decoding tolerates both.
func itemFromResult(r *vector.Result) Item {
	content := metaString(r.Metadata, "content")
	if content == "" {
		content = r.Content
	}

	item := Item{
		Key:       metaString(r.Metadata, "key"),
		Value:     content,
		Pinned:    metaBool(r.Metadata, "pinned"),
		StepIndex: metaInt(r.Metadata, "step_index"),
	}

	if raw := metaString(r.Metadata, "created_at"); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			item.CreatedAt = t
		}
	}

	return item
}

func metaString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func metaBool(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

func metaInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return 0
}

// Ensure VectorStore implements TierStore.
var _ TierStore = (*VectorStore)(nil)
