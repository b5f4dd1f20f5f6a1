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

// RuntimeConfig configures the session-scoped working set tier.
type RuntimeConfig struct {
	// Capacity bounds the number of items per session. Default: 100.
	Capacity int
}

// RuntimeStore is the session-scoped working set. It holds the distilled
// facts the planner extracted, ordered oldest to newest. When a session
// reaches capacity the oldest non-pinned item is evicted; if everything is
// pinned, the oldest item goes regardless.
type RuntimeStore struct {
	mu       sync.RWMutex
	sessions map[session.Key][]Item
	capacity int
}

// NewRuntimeStore creates the runtime tier.
func NewRuntimeStore(cfg RuntimeConfig) *RuntimeStore {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 100
	}

	return &RuntimeStore{
		sessions: make(map[session.Key][]Item),
		capacity: capacity,
	}
}

// Tier returns TierRuntime.
func (s *RuntimeStore) Tier() Tier {
	return TierRuntime
}

// Put stores an item. Writing an existing key replaces the item in place,
// keeping its position in the eviction order.
func (s *RuntimeStore) Put(ctx context.Context, scope session.Key, item Item) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.sessions[scope]
	for i := range items {
		if items[i].Key == item.Key {
			items[i] = item
			return nil
		}
	}

	if len(items) >= s.capacity {
		items = s.evictOne(scope, items)
	}

	s.sessions[scope] = append(items, item)
	return nil
}

// evictOne removes the oldest non-pinned item, or the oldest item outright
// when everything is pinned. Caller holds the lock.
func (s *RuntimeStore) evictOne(scope session.Key, items []Item) []Item {
	victim := 0
	for i := range items {
		if !items[i].Pinned {
			victim = i
			break
		}
	}

	slog.Debug("Evicted runtime memory item",
		"scope", scope.String(),
		"key", items[victim].Key,
		"pinned", items[victim].Pinned)

	return append(items[:victim], items[victim+1:]...)
}

// Get returns the item for key, or nil when absent.
func (s *RuntimeStore) Get(ctx context.Context, scope session.Key, key string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.sessions[scope] {
		if item.Key == key {
			out := item
			return &out, nil
		}
	}
	return nil, nil
}

// Search returns up to k items in the scope matching the query by keyword
// overlap.
func (s *RuntimeStore) Search(ctx context.Context, scope session.Key, query string, k int) ([]Scored, error) {
	queryWords := tokenize(query)
	if len(queryWords) == 0 || k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Scored
	for _, item := range s.sessions[scope] {
		if score := keywordScore(queryWords, tokenize(item.Value)); score > 0 {
			results = append(results, Scored{Item: item, Score: score, Tier: TierRuntime})
		}
	}

	sortScored(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete removes the item for key.
func (s *RuntimeStore) Delete(ctx context.Context, scope session.Key, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.sessions[scope]
	for i := range items {
		if items[i].Key == key {
			s.sessions[scope] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

// Clear drops the scope's entire working set.
func (s *RuntimeStore) Clear(ctx context.Context, scope session.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, scope)
	return nil
}

// Len returns the number of items the scope holds.
func (s *RuntimeStore) Len(scope session.Key) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[scope])
}

// Close releases all working sets.
func (s *RuntimeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[session.Key][]Item)
	return nil
}

// Ensure RuntimeStore implements TierStore.
var _ TierStore = (*RuntimeStore)(nil)
