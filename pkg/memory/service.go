package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kadirpekel/priam/pkg/session"
)

// Service fronts the three memory tiers behind one API. Writes are routed
// to an explicit tier; Search queries every enabled tier, applies the
// relevance ranking, and merges the results.
//
// The service is read by the context assembler and written by the
// orchestrator (post-step distillation) and the agent runner (when the
// model emits a memory-write action).
type Service struct {
	cache   TierStore
	runtime TierStore
	vector  TierStore // nil when the vector tier is disabled
	ranking Ranking
	now     func() time.Time
}

// NewService assembles a memory service from its tiers. vectorTier may be
// nil when the long-term tier is disabled.
func NewService(cache, runtime, vectorTier TierStore, ranking Ranking) *Service {
	return &Service{
		cache:   cache,
		runtime: runtime,
		vector:  vectorTier,
		ranking: ranking,
		now:     time.Now,
	}
}

// CacheTier returns the short-TTL cache tier, for maintenance sweeps.
func (s *Service) CacheTier() TierStore {
	return s.cache
}

// Ranking returns the ranking in effect.
func (s *Service) Ranking() Ranking {
	return s.ranking
}

// HasVector reports whether the long-term tier is enabled.
func (s *Service) HasVector() bool {
	return s.vector != nil
}

func (s *Service) tierStore(tier Tier) (TierStore, error) {
	switch tier {
	case TierCache:
		return s.cache, nil
	case TierRuntime:
		return s.runtime, nil
	case TierVector:
		if s.vector == nil {
			return nil, fmt.Errorf("vector tier is not enabled")
		}
		return s.vector, nil
	default:
		return nil, fmt.Errorf("unknown memory tier: %q", tier)
	}
}

// Put stores an item in the given tier. A zero CreatedAt is stamped with
// the current time.
func (s *Service) Put(ctx context.Context, scope session.Key, tier Tier, item Item) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if item.Key == "" {
		return fmt.Errorf("memory item key is required")
	}

	store, err := s.tierStore(tier)
	if err != nil {
		return err
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}

	return store.Put(ctx, scope, item)
}

// Get returns the item for key from the given tier, or nil when absent.
func (s *Service) Get(ctx context.Context, scope session.Key, tier Tier, key string) (*Item, error) {
	store, err := s.tierStore(tier)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, scope, key)
}

// Delete removes the item for key from the given tier.
func (s *Service) Delete(ctx context.Context, scope session.Key, tier Tier, key string) error {
	store, err := s.tierStore(tier)
	if err != nil {
		return err
	}
	return store.Delete(ctx, scope, key)
}

// Search queries every enabled tier and merges the results under the
// relevance ranking. Items sharing a key across tiers are deduplicated,
// keeping the highest-scoring occurrence. Results below the ranking's
// minimum score are dropped; at most k survive.
func (s *Service) Search(ctx context.Context, scope session.Key, query string, k int) ([]Scored, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	tiers := []TierStore{s.cache, s.runtime}
	if s.vector != nil {
		tiers = append(tiers, s.vector)
	}

	now := s.now()
	var merged []Scored
	index := make(map[string]int)

	for _, tier := range tiers {
		results, err := tier.Search(ctx, scope, query, k)
		if err != nil {
			return nil, fmt.Errorf("%s tier search failed: %w", tier.Tier(), err)
		}

		for _, r := range results {
			r.Score = s.ranking.Score(r.Score, now.Sub(r.Item.CreatedAt), r.Item.Pinned)
			if r.Score < s.ranking.MinScore {
				continue
			}

			if r.Item.Key != "" {
				if i, ok := index[r.Item.Key]; ok {
					if r.Score > merged[i].Score {
						merged[i] = r
					}
					continue
				}
				index[r.Item.Key] = len(merged)
			}
			merged = append(merged, r)
		}
	}

	sortScored(merged)
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// ClearSession drops the session's cache entries and working set. The
// vector tier is cross-session knowledge and survives session teardown.
func (s *Service) ClearSession(ctx context.Context, scope session.Key) error {
	if err := s.cache.Clear(ctx, scope); err != nil {
		return fmt.Errorf("failed to clear cache tier: %w", err)
	}
	if err := s.runtime.Clear(ctx, scope); err != nil {
		return fmt.Errorf("failed to clear runtime tier: %w", err)
	}
	return nil
}

// Close closes every tier.
func (s *Service) Close() error {
	var errs []error
	for _, store := range []TierStore{s.cache, s.runtime, s.vector} {
		if store == nil {
			continue
		}
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s tier: %w", store.Tier(), err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing memory tiers: %v", errs)
	}
	return nil
}

// sortScored orders by score descending, newest first on ties, then by key,
// so equal inputs always produce the same ordering.
func sortScored(results []Scored) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Item.CreatedAt.Equal(results[j].Item.CreatedAt) {
			return results[i].Item.CreatedAt.After(results[j].Item.CreatedAt)
		}
		return results[i].Item.Key < results[j].Item.Key
	})
}
