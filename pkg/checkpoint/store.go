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

package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kadirpekel/priam/pkg/session"
)

// Store persists checkpoints.
//
// Save assigns the next version for the session, stamps CreatedAt, and
// must be atomic and durable before it returns: the orchestrator treats a
// successful Save as the commit point of a state transition.
//
// LoadLatest and LoadAt return (nil, nil) when no checkpoint exists;
// absence is a normal outcome, not an error.
type Store interface {
	// Save persists the checkpoint and returns the assigned version.
	// The caller's checkpoint is not mutated.
	Save(ctx context.Context, cp *Checkpoint) (uint64, error)

	// LoadLatest returns the newest checkpoint for the session, or nil.
	LoadLatest(ctx context.Context, key session.Key) (*Checkpoint, error)

	// LoadAt returns the newest checkpoint whose version is at most the
	// given one, or nil when none is that old.
	LoadAt(ctx context.Context, key session.Key, version uint64) (*Checkpoint, error)

	// ListVersions returns versions newest first. A limit of 0 or less
	// means no limit.
	ListVersions(ctx context.Context, key session.Key, limit int) ([]uint64, error)

	// Prune removes all but the newest keepLast versions. A keepLast of
	// 0 or less is a no-op; pruning never removes the latest version.
	Prune(ctx context.Context, key session.Key, keepLast int) error

	// ListByState returns the keys of sessions whose latest checkpoint
	// is in one of the given states. Used for startup sweeps and
	// maintenance; the state column is indexed for this.
	ListByState(ctx context.Context, states ...session.State) ([]session.Key, error)

	// Drop removes every checkpoint and history row for the session.
	Drop(ctx context.Context, key session.Key) error

	// Close releases backend resources.
	Close() error
}

// MemoryStore is an in-process Store used by tests and by deployments
// that accept losing recovery state on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	byKey map[session.Key][]*Checkpoint // ascending by version
	clock func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey: make(map[session.Key][]*Checkpoint),
		clock: time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

// Save persists a deep copy of the checkpoint and returns its version.
func (m *MemoryStore) Save(ctx context.Context, cp *Checkpoint) (uint64, error) {
	if err := cp.Validate(); err != nil {
		return 0, fmt.Errorf("invalid checkpoint: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Copy through JSON so the stored snapshot shares nothing with the
	// caller, matching what a durable backend would hold.
	data, err := cp.Serialize()
	if err != nil {
		return 0, fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	stored, err := Deserialize(data)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := cp.Key()
	cps := m.byKey[key]

	var version uint64 = 1
	if len(cps) > 0 {
		version = cps[len(cps)-1].Version + 1
	}

	stored.Version = version
	stored.CreatedAt = m.clock()
	stored.HistoryLen = len(stored.History)
	m.byKey[key] = append(cps, stored)

	return version, nil
}

// LoadLatest returns the newest checkpoint for the session, or nil.
func (m *MemoryStore) LoadLatest(ctx context.Context, key session.Key) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.byKey[key]
	if len(cps) == 0 {
		return nil, nil
	}
	return copyCheckpoint(cps[len(cps)-1])
}

// LoadAt returns the newest checkpoint with version at most the given
// one, or nil when none is that old.
func (m *MemoryStore) LoadAt(ctx context.Context, key session.Key, version uint64) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.byKey[key]
	if len(cps) == 0 {
		return nil, nil
	}

	// Versions are dense and ascending; pruning only trims the front.
	first := cps[0].Version
	if version < first {
		return nil, nil
	}
	if version >= first+uint64(len(cps)) {
		return copyCheckpoint(cps[len(cps)-1])
	}
	return copyCheckpoint(cps[version-first])
}

// ListVersions returns versions newest first.
func (m *MemoryStore) ListVersions(ctx context.Context, key session.Key, limit int) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.byKey[key]
	versions := make([]uint64, 0, len(cps))
	for i := len(cps) - 1; i >= 0; i-- {
		if limit > 0 && len(versions) >= limit {
			break
		}
		versions = append(versions, cps[i].Version)
	}
	return versions, nil
}

// Prune removes all but the newest keepLast versions.
func (m *MemoryStore) Prune(ctx context.Context, key session.Key, keepLast int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if keepLast <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cps := m.byKey[key]
	if len(cps) <= keepLast {
		return nil
	}
	m.byKey[key] = append([]*Checkpoint(nil), cps[len(cps)-keepLast:]...)
	return nil
}

// ListByState returns keys whose latest checkpoint is in one of states.
func (m *MemoryStore) ListByState(ctx context.Context, states ...session.State) ([]session.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wanted := make(map[session.State]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []session.Key
	for key, cps := range m.byKey {
		if len(cps) == 0 {
			continue
		}
		if wanted[cps[len(cps)-1].State] {
			keys = append(keys, key)
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TenantID != keys[j].TenantID {
			return keys[i].TenantID < keys[j].TenantID
		}
		return keys[i].SessionID < keys[j].SessionID
	})
	return keys, nil
}

// Drop removes every checkpoint for the session.
func (m *MemoryStore) Drop(ctx context.Context, key session.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byKey, key)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

func copyCheckpoint(cp *Checkpoint) (*Checkpoint, error) {
	data, err := cp.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to copy checkpoint: %w", err)
	}
	return Deserialize(data)
}
