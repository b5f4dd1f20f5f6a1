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

// Package session holds the session model: the append-only message history,
// the plan, the machine state, and the pending interrupt.
//
// A session is identified by (tenant_id, session_id). It is exclusively
// owned by its orchestrator instance while a request is active; the durable
// copy lives with the checkpointer. History is the single source of truth
// for everything the client sees: user-visible events are derived from
// history entries, which is what makes replay after a crash deterministic.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Key identifies a session within a tenant.
type Key struct {
	TenantID  string
	SessionID string
}

func (k Key) String() string {
	return k.TenantID + "/" + k.SessionID
}

// Validate rejects keys with empty components.
func (k Key) Validate() error {
	if k.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if k.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	return nil
}

// State is the session machine state.
type State string

const (
	StateIdle          State = "idle"
	StateValidating    State = "validating"
	StatePlanning      State = "planning"
	StateExecuting     State = "executing"
	StateAwaitingHuman State = "awaiting_human"
	StateRecovering    State = "recovering"
	StateSynthesizing  State = "synthesizing"
	StateTerminal      State = "terminal"
)

// Active reports whether the state has model or tool work in flight, which
// on restart must be re-entered rather than waited on.
func (s State) Active() bool {
	switch s {
	case StateValidating, StatePlanning, StateExecuting, StateRecovering, StateSynthesizing:
		return true
	}
	return false
}

// Quiescent reports whether the state waits on external input.
func (s State) Quiescent() bool {
	return !s.Active()
}

// Session is the mutable per-session aggregate. Mutations funnel through
// the owning orchestrator's mailbox; the internal lock only protects the
// snapshot reads other goroutines take (transport attach, janitor sweeps).
type Session struct {
	mu sync.RWMutex

	key         Key
	state       State
	stepIndex   int
	version     uint64
	plan        []PlanStep
	history     []Message
	pendingForm *PendingForm
	createdAt   time.Time
	lastActive  time.Time

	clock func() time.Time
}

// FormPurpose records why a session is suspended on a form, so the reply
// routes to the right continuation.
type FormPurpose string

const (
	// FormPurposeStep is an agent-raised request_form; the reply re-enters
	// the executing agent.
	FormPurposeStep FormPurpose = "step"

	// FormPurposeApproval gates a tool batch the tenant policy marks as
	// requiring human approval; the suspended batch rides in Resume.
	FormPurposeApproval FormPurpose = "approval"

	// FormPurposeReview is the failed-step review form raised while
	// Recovering; the reply carries the retry/skip/abort decision.
	FormPurposeReview FormPurpose = "review"
)

// PendingForm couples the form descriptor with its raise time. Resume
// carries purpose-specific continuation state (the approval-gated tool
// batch); it is opaque to this package.
type PendingForm struct {
	FormJSON json.RawMessage `json:"form_json"`
	FormID   string          `json:"form_id"`
	Purpose  FormPurpose     `json:"purpose,omitempty"`
	Resume   json.RawMessage `json:"resume,omitempty"`
	RaisedAt time.Time       `json:"raised_at"`
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		s.clock = clock
	}
}

// New creates an idle session.
func New(key Key, opts ...Option) (*Session, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		key:   key,
		state: StateIdle,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	now := s.clock()
	s.createdAt = now
	s.lastActive = now
	return s, nil
}

func (s *Session) Key() Key { return s.key }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) StepIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stepIndex
}

func (s *Session) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SetVersion records the checkpoint version returned by the checkpointer.
func (s *Session) SetVersion(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > s.version {
		s.version = v
	}
}

// SetState moves the machine to state, carrying the step index for
// Executing and AwaitingHuman.
func (s *Session) SetState(state State, stepIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.stepIndex = stepIndex
	s.lastActive = s.clock()
}

// Append adds a message to history, filling id and timestamp when unset,
// and returns its index.
func (s *Session) Append(msg Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock()
	}
	s.history = append(s.history, msg)
	s.lastActive = s.clock()
	return len(s.history) - 1
}

// History returns a copy of the full history.
func (s *Session) History() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// HistorySince returns a copy of history entries at index >= from.
func (s *Session) HistorySince(from int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(s.history) {
		return nil
	}
	out := make([]Message, len(s.history)-from)
	copy(out, s.history[from:])
	return out
}

// HistoryLen returns the current history length (the checkpoint high-water
// mark).
func (s *Session) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// LastUserText returns the most recent user_text message, or nil.
func (s *Session) LastUserText() *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Kind == KindUserText {
			msg := s.history[i]
			return &msg
		}
	}
	return nil
}

// SetPendingForm records the interrupt a suspended session waits on. An
// empty purpose defaults to FormPurposeStep; a zero RaisedAt is stamped
// now, so restoring a snapshot keeps the original raise time.
func (s *Session) SetPendingForm(pf PendingForm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pf.Purpose == "" {
		pf.Purpose = FormPurposeStep
	}
	if pf.RaisedAt.IsZero() {
		pf.RaisedAt = s.clock()
	}
	s.pendingForm = &pf
}

// PendingForm returns the pending interrupt, or nil.
func (s *Session) PendingForm() *PendingForm {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingForm
}

// ClearPendingForm discards the pending interrupt.
func (s *Session) ClearPendingForm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingForm = nil
}

// Touch refreshes the activity timestamp (transport attach, inbound frame).
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.clock()
}

// LastActive returns the most recent mutation or touch time.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// IdleFor reports how long the session has been without activity at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActive())
}
