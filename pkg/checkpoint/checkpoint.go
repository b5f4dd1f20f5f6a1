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

// Package checkpoint persists session snapshots and serves them back on
// recovery.
//
// # Role
//
// A Checkpoint captures everything the orchestrator needs to re-enter a
// session: the machine state and step index, the committed plan, the full
// message history, and any form the session is suspended on. The
// orchestrator saves exactly one checkpoint per state transition and does
// not report the transition complete until the save returns. That makes
// the checkpoint store the synchronization boundary: a transition that was
// never checkpointed never happened, and is re-executed on recovery.
//
// # Recovery Flow
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│   CHECKPOINT CREATION                                           │
//	│   ───────────────────                                           │
//	│   transition commits → Snapshot(session) → Store.Save           │
//	│                            ↓                                    │
//	│                   version N durable, events published           │
//	├─────────────────────────────────────────────────────────────────┤
//	│   RECOVERY                                                      │
//	│   ────────                                                      │
//	│   1. Store.LoadLatest → version N (state, plan, history, form)  │
//	│   2. Rebuild the in-memory session from the snapshot            │
//	│   3. state quiescent → re-attach transport and wait             │
//	│      state active    → re-enter the step that was in flight     │
//	└─────────────────────────────────────────────────────────────────┘
//
// Work performed after the last durable checkpoint is re-executed on
// recovery. Non-idempotent tool calls survive this because the tool layer
// dedupes them by invocation key; everything else is safe to repeat.
//
// # Versioning
//
// Versions are assigned by the store, strictly monotonic per session,
// starting at 1. History is append-only across versions: version N+1
// always carries at least as many messages as version N. The SQL backend
// exploits this by storing messages once in a side table and recording
// only the high-water mark per version.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kadirpekel/priam/pkg/session"
)

// Checkpoint is one durable snapshot of a session.
type Checkpoint struct {
	// Core identifiers
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`

	// Version is assigned by the store on save. Strictly monotonic per
	// session, starting at 1. Zero means "not yet saved".
	Version uint64 `json:"version"`

	// Machine position
	State     session.State `json:"state"`
	StepIndex int           `json:"step_index"`

	// Plan and history snapshots
	Plan    []session.PlanStep `json:"plan,omitempty"`
	History []session.Message  `json:"history,omitempty"`

	// HistoryLen is the number of history messages committed by this
	// checkpoint. Equals len(History) on a fully loaded checkpoint; kept
	// as an explicit field so backends that store history out of line
	// know how much of it belongs to this version.
	HistoryLen int `json:"history_len"`

	// PendingForm is the form the session is suspended on, if any.
	PendingForm *session.PendingForm `json:"pending_form,omitempty"`

	// ErrorKind is set when the checkpoint records a terminal failure.
	ErrorKind string `json:"error_kind,omitempty"`

	// CreatedAt is stamped by the store on save.
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot captures the current state of a session as an unsaved
// checkpoint. The snapshot owns its plan and history slices; later
// session mutations do not leak into it.
func Snapshot(s *session.Session) *Checkpoint {
	key := s.Key()
	history := s.History()

	cp := &Checkpoint{
		TenantID:   key.TenantID,
		SessionID:  key.SessionID,
		State:      s.State(),
		StepIndex:  s.StepIndex(),
		Plan:       s.Plan(),
		History:    history,
		HistoryLen: len(history),
	}

	if pf := s.PendingForm(); pf != nil {
		copied := *pf
		cp.PendingForm = &copied
	}

	return cp
}

// WithError marks the checkpoint as a terminal error record.
func (c *Checkpoint) WithError(kind string) *Checkpoint {
	c.ErrorKind = kind
	c.State = session.StateTerminal
	return c
}

// Key returns the session key the checkpoint belongs to.
func (c *Checkpoint) Key() session.Key {
	return session.Key{TenantID: c.TenantID, SessionID: c.SessionID}
}

// Validate checks that the checkpoint can be persisted.
func (c *Checkpoint) Validate() error {
	if c == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	if err := c.Key().Validate(); err != nil {
		return err
	}
	if c.State == "" {
		return fmt.Errorf("state is required")
	}
	if c.HistoryLen < len(c.History) {
		return fmt.Errorf("history_len %d is behind history length %d", c.HistoryLen, len(c.History))
	}
	return nil
}

// Serialize converts the Checkpoint to JSON bytes.
func (c *Checkpoint) Serialize() ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("cannot serialize nil checkpoint")
	}
	return json.Marshal(c)
}

// Deserialize reconstructs a Checkpoint from JSON bytes.
func Deserialize(data []byte) (*Checkpoint, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot deserialize empty data")
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	return &cp, nil
}
