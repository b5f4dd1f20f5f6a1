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

// Package orchestrator drives the per-session state machine: Idle →
// Validating → Planning → Executing(i) → (AwaitingHuman | Recovering) →
// Synthesizing → Terminal, as configured by the workflows catalog.
//
// Each active session is resident: one goroutine consuming a command
// mailbox, so all state mutations for a session are serialised. Every
// transition appends messages to history, saves a checkpoint, and only
// then publishes the derived events; a transition that was never
// checkpointed never happened and is re-executed on recovery. Suspension
// on a form is plain state (the pending interrupt rides in the
// checkpoint), not a parked goroutine: a resumed process reconstructs
// its position from state, plan, and history alone.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/priam/pkg/agent"
	"github.com/kadirpekel/priam/pkg/assembler"
	"github.com/kadirpekel/priam/pkg/checkpoint"
	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/eventbus"
	"github.com/kadirpekel/priam/pkg/memory"
	"github.com/kadirpekel/priam/pkg/protocol"
	"github.com/kadirpekel/priam/pkg/session"
	"github.com/kadirpekel/priam/pkg/tools"
)

// Deps are the orchestrator's collaborators. Config, Runner, Assembler,
// Checkpoints, and Bus are required; Tools, Memory, and Options may be
// nil when the deployment carries no tool catalog, no memory tiers, or
// no async select providers.
type Deps struct {
	Config      *config.Config
	Runner      *agent.Runner
	Assembler   *assembler.Assembler
	Tools       *tools.Registry
	Memory      *memory.Service
	Checkpoints *checkpoint.Manager
	Bus         *eventbus.Bus
	Options     *OptionsRegistry

	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// Orchestrator owns the resident sessions of this replica.
type Orchestrator struct {
	cfg         *config.Config
	runner      *agent.Runner
	asm         *assembler.Assembler
	tools       *tools.Registry
	memory      *memory.Service
	checkpoints *checkpoint.Manager
	bus         *eventbus.Bus
	options     *OptionsRegistry
	clock       func() time.Time

	mailboxBuffer int

	mu        sync.Mutex
	residents map[session.Key]*resident
	closed    bool

	wg sync.WaitGroup

	// baseCtx parents every resident loop; Shutdown cancels it.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates an orchestrator. The config is expected to have had
// SetDefaults and Validate applied.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("config is required")
	case deps.Runner == nil:
		return nil, fmt.Errorf("agent runner is required")
	case deps.Assembler == nil:
		return nil, fmt.Errorf("assembler is required")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("checkpoint manager is required")
	case deps.Bus == nil:
		return nil, fmt.Errorf("event bus is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	options := deps.Options
	if options == nil {
		options = NewOptionsRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:           deps.Config,
		runner:        deps.Runner,
		asm:           deps.Assembler,
		tools:         deps.Tools,
		memory:        deps.Memory,
		checkpoints:   deps.Checkpoints,
		bus:           deps.Bus,
		options:       options,
		clock:         clock,
		mailboxBuffer: deps.Config.Session.MailboxBuffer,
		residents:     make(map[session.Key]*resident),
		baseCtx:       ctx,
		baseCancel:    cancel,
	}, nil
}

// Options returns the async select provider registry.
func (o *Orchestrator) Options() *OptionsRegistry {
	return o.options
}

// Attach makes the session resident (restoring it from its latest
// checkpoint when it is not) and subscribes the caller to its event
// stream. A session suspended on a form gets the outstanding
// form_request re-emitted, so a client attaching after a restart sees
// what it is expected to answer.
func (o *Orchestrator) Attach(ctx context.Context, key session.Key) (*eventbus.Subscription, error) {
	r, err := o.resident(ctx, key)
	if err != nil {
		return nil, err
	}
	r.sess.Touch()

	sub, err := o.bus.Subscribe(busKey(key))
	if err != nil {
		return nil, err
	}

	if r.sess.State() == session.StateAwaitingHuman {
		if pf := r.sess.PendingForm(); pf != nil {
			var form protocol.Form
			if err := json.Unmarshal(pf.FormJSON, &form); err == nil {
				o.bus.Publish(busKey(key), protocol.NewFormRequest(&form))
			}
		}
	}
	return sub, nil
}

// Deliver routes one inbound client event to the session's mailbox. A
// cancel control additionally interrupts any model or tool work in
// flight before it is queued, since the mailbox is busy while a request
// is active.
func (o *Orchestrator) Deliver(ctx context.Context, key session.Key, ev *protocol.ClientEvent) error {
	if ev == nil {
		return fmt.Errorf("nil client event")
	}
	r, err := o.resident(ctx, key)
	if err != nil {
		return err
	}

	if ev.Kind == protocol.ClientControl && ev.Control != nil && ev.Control.Action == protocol.ControlCancel {
		r.requestCancel()
	}
	return r.enqueue(command{kind: cmdClient, event: ev})
}

// ResumeAll re-enters every session whose latest checkpoint left model
// or tool work in flight. Called once on startup.
func (o *Orchestrator) ResumeAll(ctx context.Context) error {
	keys, err := o.checkpoints.Resumable(ctx)
	if err != nil {
		return fmt.Errorf("listing resumable sessions: %w", err)
	}

	for _, key := range keys {
		r, err := o.resident(ctx, key)
		if err != nil {
			slog.Warn("Failed to restore resumable session",
				"session", key.String(),
				"error", err)
			continue
		}
		if err := r.enqueue(command{kind: cmdResume}); err != nil {
			slog.Warn("Failed to queue resume",
				"session", key.String(),
				"error", err)
		}
	}
	return nil
}

// ExpireForms walks suspended residents and recovers those whose form
// has outlived the workflow's form timeout. Returns how many were
// expired. The maintenance janitor calls this on a schedule; tests call
// it directly.
func (o *Orchestrator) ExpireForms(ctx context.Context) int {
	now := o.clock()
	expired := 0
	for _, r := range o.snapshotResidents() {
		if r.sess.State() != session.StateAwaitingHuman {
			continue
		}
		pf := r.sess.PendingForm()
		if pf == nil {
			continue
		}
		wf := o.workflowFor(r.sess.Key().TenantID)
		if wf == nil || wf.FormTimeout <= 0 {
			continue
		}
		if now.Sub(pf.RaisedAt) < time.Duration(wf.FormTimeout) {
			continue
		}
		if err := r.enqueue(command{kind: cmdExpireForm, formID: pf.FormID}); err == nil {
			expired++
		}
	}
	return expired
}

// DestroyIdle destroys quiescent sessions idle past ttl: resident state,
// checkpoints, session memory, and the event topic all go. Returns how
// many were destroyed.
func (o *Orchestrator) DestroyIdle(ctx context.Context, ttl time.Duration) int {
	now := o.clock()
	destroyed := 0
	for _, r := range o.snapshotResidents() {
		if r.sess.State().Active() {
			continue
		}
		if r.sess.IdleFor(now) < ttl {
			continue
		}
		if err := o.Destroy(ctx, r.sess.Key()); err != nil {
			slog.Warn("Failed to destroy idle session",
				"session", r.sess.Key().String(),
				"error", err)
			continue
		}
		destroyed++
	}
	return destroyed
}

// Destroy removes the session entirely: mailbox, checkpoints, session
// memory, event topic.
func (o *Orchestrator) Destroy(ctx context.Context, key session.Key) error {
	o.mu.Lock()
	r, ok := o.residents[key]
	if ok {
		delete(o.residents, key)
	}
	o.mu.Unlock()

	if ok {
		r.stop()
	}

	if err := o.checkpoints.Drop(ctx, key); err != nil {
		return fmt.Errorf("dropping checkpoints: %w", err)
	}
	if o.memory != nil {
		if err := o.memory.ClearSession(ctx, key); err != nil {
			slog.Warn("Failed to clear session memory",
				"session", key.String(),
				"error", err)
		}
	}
	o.bus.Close(busKey(key))

	slog.Info("Session destroyed", "session", key.String())
	return nil
}

// ResidentCount returns how many sessions are resident.
func (o *Orchestrator) ResidentCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.residents)
}

// Shutdown stops accepting work, interrupts active runs, and waits for
// every mailbox to drain or ctx to expire. Checkpoints survive; sessions
// become resident again on the next attach.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	residents := make([]*resident, 0, len(o.residents))
	for _, r := range o.residents {
		residents = append(residents, r)
	}
	o.residents = make(map[session.Key]*resident)
	o.mu.Unlock()

	for _, r := range residents {
		r.requestCancel()
		r.stop()
	}
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// resident returns the session's mailbox, making it resident first when
// needed. Restoration prefers the latest checkpoint; a session never
// checkpointed starts fresh in Idle.
func (o *Orchestrator) resident(ctx context.Context, key session.Key) (*resident, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, fmt.Errorf("orchestrator is shut down")
	}
	if r, ok := o.residents[key]; ok {
		return r, nil
	}

	sess, cp, err := o.checkpoints.RestoreLatest(ctx, key, session.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("restoring session %s: %w", key.String(), err)
	}
	if sess == nil {
		sess, err = session.New(key, session.WithClock(o.clock))
		if err != nil {
			return nil, err
		}
		slog.Info("Session created", "session", key.String())
	} else {
		slog.Info("Session restored",
			"session", key.String(),
			"state", sess.State(),
			"version", cp.Version)
	}

	r := newResident(o, sess)
	o.residents[key] = r
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		r.run(o.baseCtx)
	}()
	return r, nil
}

func (o *Orchestrator) snapshotResidents() []*resident {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*resident, 0, len(o.residents))
	for _, r := range o.residents {
		out = append(out, r)
	}
	return out
}

// workflowFor resolves the workflow bound to a tenant through its
// policy. Returns nil when either catalog entry is missing.
func (o *Orchestrator) workflowFor(tenantID string) *config.WorkflowConfig {
	policy, _ := o.cfg.Policy(tenantID)
	name := "default"
	if policy != nil && policy.Workflow != "" {
		name = policy.Workflow
	}
	wf, _ := o.cfg.Workflow(name)
	return wf
}

func busKey(key session.Key) eventbus.SessionKey {
	return eventbus.SessionKey{TenantID: key.TenantID, SessionID: key.SessionID}
}
