package memory

import (
	"context"
	"time"

	"github.com/kadirpekel/priam/pkg/session"
)

// Tier identifies one of the three memory tiers.
type Tier string

const (
	// TierCache is the short-TTL tier for recently observed tool outputs
	// and prompts. Process-local, capacity-bounded, background eviction.
	TierCache Tier = "cache"

	// TierRuntime is the session-scoped working set of distilled facts.
	// Lives as long as the session; oldest non-pinned items are evicted
	// when the per-session capacity is reached.
	TierRuntime Tier = "runtime"

	// TierVector is the cross-session long-term store, content-addressed
	// by embedding. Supports cosine-similarity top-k.
	TierVector Tier = "vector"
)

// Item is one memory entry.
type Item struct {
	// Key addresses the item within its scope. Writing an existing key
	// replaces the previous value.
	Key string `json:"key"`

	// Value is the stored text.
	Value string `json:"value"`

	// Pinned items rank higher and survive capacity eviction longer.
	Pinned bool `json:"pinned,omitempty"`

	// Embedding is the precomputed vector for the vector tier. When
	// empty, the tier embeds Value itself.
	Embedding []float32 `json:"embedding,omitempty"`

	// StepIndex records which plan step produced the item.
	StepIndex int `json:"step_index,omitempty"`

	// CreatedAt is when the item was written. Drives recency decay.
	CreatedAt time.Time `json:"created_at"`
}

// Scored pairs an item with its relevance score and originating tier.
type Scored struct {
	Item  Item    `json:"item"`
	Score float64 `json:"score"`
	Tier  Tier    `json:"tier"`
}

// TierStore is the unified interface every tier implements.
//
// Search returns raw similarity in [0,1]; the Service combines it with
// recency and pins into the final relevance score.
type TierStore interface {
	// Tier returns which tier this store implements.
	Tier() Tier

	// Put stores an item in the given scope.
	Put(ctx context.Context, scope session.Key, item Item) error

	// Get returns the item for key, or nil when absent or expired.
	Get(ctx context.Context, scope session.Key, key string) (*Item, error)

	// Search returns up to k items relevant to the query.
	Search(ctx context.Context, scope session.Key, query string, k int) ([]Scored, error)

	// Delete removes the item for key. Missing keys are not an error.
	Delete(ctx context.Context, scope session.Key, key string) error

	// Clear removes every item the scope contributed to this tier.
	Clear(ctx context.Context, scope session.Key) error

	// Close releases tier resources.
	Close() error
}
