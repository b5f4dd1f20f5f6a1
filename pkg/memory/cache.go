// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/priam/pkg/session"
)

// CacheConfig configures the short-TTL cache tier.
type CacheConfig struct {
	// TTL is how long an entry stays alive after its last write.
	// Default: 1h.
	TTL time.Duration

	// Capacity bounds the total number of entries across all scopes.
	// Default: 1024.
	Capacity int

	// SweepInterval is how often the background janitor evicts expired
	// entries. Zero disables the janitor; expired entries are then only
	// dropped lazily on access and at capacity.
	SweepInterval time.Duration
}

// CacheStore is the short-TTL tier for recently observed tool outputs and
// prompts. It is process-local; entries expire TTL after their last write
// and the oldest entry is evicted when the store is full.
type CacheStore struct {
	mu       sync.Mutex
	entries  map[cacheKey]*cacheEntry
	ttl      time.Duration
	capacity int

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

type cacheKey struct {
	scope session.Key
	key   string
}

type cacheEntry struct {
	item      Item
	words     map[string]struct{}
	expiresAt time.Time
}

// NewCacheStore creates the cache tier and starts its janitor when a sweep
// interval is configured.
func NewCacheStore(cfg CacheConfig) *CacheStore {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1024
	}

	s := &CacheStore{
		entries:  make(map[cacheKey]*cacheEntry),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		s.startJanitor(cfg.SweepInterval)
	}

	return s
}

// Tier returns TierCache.
func (s *CacheStore) Tier() Tier {
	return TierCache
}

// Put stores an item, refreshing its TTL. When the store is full, expired
// entries are dropped first, then the oldest entry.
func (s *CacheStore) Put(ctx context.Context, scope session.Key, item Item) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := cacheKey{scope: scope, key: item.Key}
	if _, exists := s.entries[k]; !exists && len(s.entries) >= s.capacity {
		s.evictLocked()
	}

	s.entries[k] = &cacheEntry{
		item:      item,
		words:     tokenize(item.Value),
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

// Get returns the item for key, or nil when absent or expired.
func (s *CacheStore) Get(ctx context.Context, scope session.Key, key string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := cacheKey{scope: scope, key: key}
	e, ok := s.entries[k]
	if !ok {
		return nil, nil
	}

	if !e.expiresAt.After(s.now()) {
		delete(s.entries, k)
		return nil, nil
	}

	item := e.item
	return &item, nil
}

// Search returns up to k non-expired entries in the scope matching the
// query by keyword overlap.
func (s *CacheStore) Search(ctx context.Context, scope session.Key, query string, k int) ([]Scored, error) {
	queryWords := tokenize(query)
	if len(queryWords) == 0 || k <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var results []Scored
	for ck, e := range s.entries {
		if ck.scope != scope || !e.expiresAt.After(now) {
			continue
		}
		if score := keywordScore(queryWords, e.words); score > 0 {
			results = append(results, Scored{Item: e.item, Score: score, Tier: TierCache})
		}
	}

	sortScored(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete removes the item for key.
func (s *CacheStore) Delete(ctx context.Context, scope session.Key, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, cacheKey{scope: scope, key: key})
	return nil
}

// Clear removes every entry the scope contributed.
func (s *CacheStore) Clear(ctx context.Context, scope session.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ck := range s.entries {
		if ck.scope == scope {
			delete(s.entries, ck)
		}
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *CacheStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the janitor and drops all entries.
func (s *CacheStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[cacheKey]*cacheEntry)
	return nil
}

func (s *CacheStore) startJanitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Sweep removes expired entries. The internal janitor calls this on its
// own interval; the maintenance sweeps may call it as well.
func (s *CacheStore) Sweep() {
	s.sweep()
}

// sweep removes expired entries.
func (s *CacheStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if !e.expiresAt.After(now) {
			delete(s.entries, k)
			removed++
		}
	}

	if removed > 0 {
		slog.Debug("Swept expired cache entries",
			"removed", removed,
			"remaining", len(s.entries))
	}
}

// evictLocked drops expired entries, then the oldest entry if the store is
// still full. Caller holds the lock.
func (s *CacheStore) evictLocked() {
	now := s.now()
	for k, e := range s.entries {
		if !e.expiresAt.After(now) {
			delete(s.entries, k)
		}
	}

	if len(s.entries) < s.capacity {
		return
	}

	var oldestKey cacheKey
	var oldestAt time.Time
	first := true
	for k, e := range s.entries {
		if first || e.item.CreatedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.item.CreatedAt
			first = false
		}
	}
	if !first {
		delete(s.entries, oldestKey)
	}
}

// Ensure CacheStore implements TierStore.
var _ TierStore = (*CacheStore)(nil)
