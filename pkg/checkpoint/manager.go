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

package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/priam/pkg/session"
)

// Manager wraps a Store with retention and recovery helpers. Save
// failures are the caller's problem (they abort the transition); prune
// failures are logged and swallowed, retention is best effort.
type Manager struct {
	store    Store
	keepLast int
	onSaved  func(cp *Checkpoint, version uint64)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRetention keeps only the newest keepLast versions per session,
// pruned opportunistically after each save. Zero keeps everything.
func WithRetention(keepLast int) ManagerOption {
	return func(m *Manager) {
		m.keepLast = keepLast
	}
}

// WithOnSaved registers a hook invoked after every durable save, used
// for metrics.
func WithOnSaved(fn func(cp *Checkpoint, version uint64)) ManagerOption {
	return func(m *Manager) {
		m.onSaved = fn
	}
}

// NewManager creates a Manager on the given store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Save persists the checkpoint and returns the assigned version.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) (uint64, error) {
	version, err := m.store.Save(ctx, cp)
	if err != nil {
		return 0, err
	}

	if m.keepLast > 0 {
		if pruneErr := m.store.Prune(ctx, cp.Key(), m.keepLast); pruneErr != nil {
			slog.Warn("Failed to prune old checkpoints",
				"session", cp.Key().String(),
				"keep_last", m.keepLast,
				"error", pruneErr)
		}
	}

	if m.onSaved != nil {
		m.onSaved(cp, version)
	}

	return version, nil
}

// LoadLatest returns the newest checkpoint for the session, or nil.
func (m *Manager) LoadLatest(ctx context.Context, key session.Key) (*Checkpoint, error) {
	return m.store.LoadLatest(ctx, key)
}

// LoadAt returns the checkpoint at the given version, or nil.
func (m *Manager) LoadAt(ctx context.Context, key session.Key, version uint64) (*Checkpoint, error) {
	return m.store.LoadAt(ctx, key, version)
}

// ListVersions returns versions newest first.
func (m *Manager) ListVersions(ctx context.Context, key session.Key, limit int) ([]uint64, error) {
	return m.store.ListVersions(ctx, key, limit)
}

// Drop removes all persisted state for the session.
func (m *Manager) Drop(ctx context.Context, key session.Key) error {
	return m.store.Drop(ctx, key)
}

// Resumable returns sessions whose latest checkpoint left model or tool
// work in flight. These must be re-entered on startup.
func (m *Manager) Resumable(ctx context.Context) ([]session.Key, error) {
	return m.store.ListByState(ctx,
		session.StateValidating,
		session.StatePlanning,
		session.StateExecuting,
		session.StateRecovering,
		session.StateSynthesizing,
	)
}

// Suspended returns sessions whose latest checkpoint waits on a form.
// The maintenance sweep uses this to expire forms nobody answers.
func (m *Manager) Suspended(ctx context.Context) ([]session.Key, error) {
	return m.store.ListByState(ctx, session.StateAwaitingHuman)
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// Restore rebuilds an in-memory session from a checkpoint.
func Restore(cp *Checkpoint, opts ...session.Option) (*session.Session, error) {
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint: %w", err)
	}
	if len(cp.History) != cp.HistoryLen {
		return nil, fmt.Errorf("checkpoint history is incomplete: %d of %d messages", len(cp.History), cp.HistoryLen)
	}

	sess, err := session.New(cp.Key(), opts...)
	if err != nil {
		return nil, err
	}

	for _, msg := range cp.History {
		sess.Append(msg)
	}
	if len(cp.Plan) > 0 {
		sess.SetPlan(cp.Plan)
	}
	sess.SetState(cp.State, cp.StepIndex)
	if cp.PendingForm != nil {
		sess.SetPendingForm(*cp.PendingForm)
	}
	sess.SetVersion(cp.Version)

	return sess, nil
}

// RestoreLatest loads the newest checkpoint for the session and rebuilds
// it. Returns (nil, nil, nil) when the session has never been
// checkpointed.
func (m *Manager) RestoreLatest(ctx context.Context, key session.Key, opts ...session.Option) (*session.Session, *Checkpoint, error) {
	cp, err := m.LoadLatest(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if cp == nil {
		return nil, nil, nil
	}

	sess, err := Restore(cp, opts...)
	if err != nil {
		return nil, nil, err
	}
	return sess, cp, nil
}
