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

// Package assembler builds the bounded view an agent sees for one plan
// step: a conversation window, relevant memory, the tools the agent may
// call, its delegation roster, and the tool results produced so far in
// the step.
//
// The bundle is capped by a per-agent token budget. Overflow sheds
// content in a fixed order (oldest unpinned memory, then lowest-scored
// memory, then the oldest droppable turns); pinned turns, the
// triggering user message, the current step's form exchange, and the
// step's tool results always survive. Given the same session history
// and memory snapshot, assembly is deterministic.
package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/memory"
	"github.com/kadirpekel/priam/pkg/session"
	"github.com/kadirpekel/priam/pkg/tools"
)

// Peer is a delegation target: name and one-line description, nothing
// transitive.
type Peer struct {
	Name        string
	Description string
}

// Bundle is the assembled context for one agent turn. Turns and
// StepResults keep history order; Memory keeps ranking order.
type Bundle struct {
	AgentName   string
	Step        session.PlanStep
	Turns       []session.Message
	Memory      []memory.Scored
	Tools       []*tools.ToolDescriptor
	Peers       []Peer
	StepResults []session.Message

	// TriggerID is the message id of the triggering user message.
	TriggerID string

	// TokenCount is the bundle's size after budget enforcement.
	TokenCount int

	// Budget is the token bound the bundle was assembled under.
	Budget int
}

// Assembler builds bundles from the immutable agent catalog, the memory
// service, and the tool registry.
type Assembler struct {
	agents map[string]*config.AgentConfig
	models map[string]*config.ModelConfig
	memory *memory.Service
	tools  *tools.Registry
}

// New creates an assembler. memory may be nil (no memory attached) and
// registry may be nil (no tools attached); models resolves agent model
// references to concrete model ids for token-encoding selection.
func New(agents map[string]*config.AgentConfig, models map[string]*config.ModelConfig, mem *memory.Service, registry *tools.Registry) *Assembler {
	return &Assembler{
		agents: agents,
		models: models,
		memory: mem,
		tools:  registry,
	}
}

// Assemble builds the bundle for one step of a session.
func (a *Assembler) Assemble(ctx context.Context, sess *session.Session, agentName string, step session.PlanStep, policy *config.TenantPolicyConfig) (*Bundle, error) {
	cfg, ok := a.agents[agentName]
	if !ok {
		return nil, fmt.Errorf("agent '%s' not found", agentName)
	}
	ctxCfg := cfg.Context
	if ctxCfg == nil {
		ctxCfg = &config.ContextConfig{}
		ctxCfg.SetDefaults()
	}

	history := sess.History()

	var triggerID, triggerText string
	triggerAt := lastUserText(history)
	if triggerAt >= 0 {
		triggerID = history[triggerAt].ID
		triggerText = history[triggerAt].Text
	}

	b := &Bundle{
		AgentName:   agentName,
		Step:        step,
		Turns:       conversationWindow(history, ctxCfg.MaxTurns, triggerID, step.Index),
		Memory:      a.searchMemory(ctx, sess.Key(), step, triggerText, ctxCfg.MaxMemoryItems),
		Tools:       a.permittedTools(cfg, policy),
		Peers:       a.roster(cfg),
		StepResults: stepToolResults(history, step.Index, triggerAt),
		TriggerID:   triggerID,
		Budget:      ctxCfg.TokenBudget,
	}

	a.enforceBudget(b, counterForModel(a.modelID(cfg)), step.Index)
	return b, nil
}

// modelID resolves the agent's model reference to the concrete model
// string the provider was configured with.
func (a *Assembler) modelID(cfg *config.AgentConfig) string {
	if mc, ok := a.models[cfg.Model]; ok && mc.Model != "" {
		return mc.Model
	}
	return cfg.Model
}

var turnKinds = map[session.MessageKind]bool{
	session.KindUserText:      true,
	session.KindUserFormReply: true,
	session.KindAgentMarkdown: true,
	session.KindFormRequest:   true,
}

// lastUserText finds the triggering user message: the most recent
// free-text entry. Returns its history position, or -1.
func lastUserText(history []session.Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Kind == session.KindUserText {
			return i
		}
	}
	return -1
}

// conversationWindow selects the last maxTurns conversational entries,
// always keeping pinned turns, the triggering message, and the current
// step's form exchange even when they fall outside the window.
func conversationWindow(history []session.Message, maxTurns int, triggerID string, stepIndex int) []session.Message {
	var turnIdx []int
	for i := range history {
		if turnKinds[history[i].Kind] {
			turnIdx = append(turnIdx, i)
		}
	}

	windowStart := len(turnIdx) - maxTurns
	if windowStart < 0 {
		windowStart = 0
	}

	var out []session.Message
	for pos, i := range turnIdx {
		msg := history[i]
		if pos >= windowStart || protectedTurn(&msg, triggerID, stepIndex) {
			out = append(out, msg)
		}
	}
	return out
}

// protectedTurn reports whether a turn survives both windowing and
// budget drops.
func protectedTurn(msg *session.Message, triggerID string, stepIndex int) bool {
	if msg.Pinned {
		return true
	}
	if triggerID != "" && msg.ID == triggerID {
		return true
	}
	if msg.StepIndex == stepIndex &&
		(msg.Kind == session.KindFormRequest || msg.Kind == session.KindUserFormReply) {
		return true
	}
	return false
}

// stepToolResults collects the tool results produced earlier in the
// same plan step. Collection starts after the triggering message, so a
// step index reused by a previous request contributes nothing.
func stepToolResults(history []session.Message, stepIndex, triggerAt int) []session.Message {
	var out []session.Message
	for i := triggerAt + 1; i < len(history); i++ {
		if history[i].Kind == session.KindToolResult && history[i].StepIndex == stepIndex {
			out = append(out, history[i])
		}
	}
	return out
}

// searchMemory queries the memory service for the step. A failing
// memory tier degrades to an empty attachment rather than failing the
// step.
func (a *Assembler) searchMemory(ctx context.Context, scope session.Key, step session.PlanStep, triggerText string, k int) []memory.Scored {
	if a.memory == nil || k <= 0 {
		return nil
	}

	query := strings.TrimSpace(step.Title + " " + triggerText)
	if query == "" {
		return nil
	}

	results, err := a.memory.Search(ctx, scope, query, k)
	if err != nil {
		slog.Warn("Memory search failed, assembling without memory",
			"session", scope.String(),
			"error", err)
		return nil
	}
	return results
}

// permittedTools intersects the tenant policy with the agent's
// allowlist. An agent without an explicit list gets every
// policy-permitted tool.
func (a *Assembler) permittedTools(cfg *config.AgentConfig, policy *config.TenantPolicyConfig) []*tools.ToolDescriptor {
	if a.tools == nil {
		return nil
	}

	descriptors := a.tools.ListForPolicy(policy)
	if len(cfg.Tools) == 0 {
		return descriptors
	}

	allowed := make(map[string]bool, len(cfg.Tools))
	for _, name := range cfg.Tools {
		allowed[name] = true
	}

	var out []*tools.ToolDescriptor
	for _, d := range descriptors {
		if allowed[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// roster lists the agent's delegates with their one-line descriptions.
func (a *Assembler) roster(cfg *config.AgentConfig) []Peer {
	var out []Peer
	for _, name := range cfg.Delegates {
		peer := Peer{Name: name}
		if target, ok := a.agents[name]; ok {
			peer.Description = target.Description
		}
		out = append(out, peer)
	}
	return out
}

// enforceBudget drops content until the bundle fits: oldest unpinned
// memory first, then lowest-scored memory, then the oldest droppable
// turns. Protected turns and the step's tool results always survive, so
// an oversized tool result can push the bundle over budget after
// everything droppable is gone.
func (a *Assembler) enforceBudget(b *Bundle, counter tokenCounter, stepIndex int) {
	turnCosts := make([]int, len(b.Turns))
	for i := range b.Turns {
		turnCosts[i] = messageCost(counter, &b.Turns[i])
	}
	memCosts := make([]int, len(b.Memory))
	for i := range b.Memory {
		memCosts[i] = counter.Count(b.Memory[i].Item.Key) + counter.Count(b.Memory[i].Item.Value)
	}

	total := 0
	for _, c := range turnCosts {
		total += c
	}
	for _, c := range memCosts {
		total += c
	}
	for _, d := range b.Tools {
		total += descriptorCost(counter, d)
	}
	for _, p := range b.Peers {
		total += counter.Count(p.Name) + counter.Count(p.Description)
	}
	for i := range b.StepResults {
		total += messageCost(counter, &b.StepResults[i])
	}

	droppedMemory, droppedTurns := 0, 0
	for total > b.Budget {
		if i := oldestUnpinnedMemory(b.Memory); i >= 0 {
			total -= memCosts[i]
			b.Memory = append(b.Memory[:i], b.Memory[i+1:]...)
			memCosts = append(memCosts[:i], memCosts[i+1:]...)
			droppedMemory++
			continue
		}
		if i := lowestScoredMemory(b.Memory); i >= 0 {
			total -= memCosts[i]
			b.Memory = append(b.Memory[:i], b.Memory[i+1:]...)
			memCosts = append(memCosts[:i], memCosts[i+1:]...)
			droppedMemory++
			continue
		}
		i := oldestDroppableTurn(b.Turns, b.TriggerID, stepIndex)
		if i < 0 {
			break
		}
		total -= turnCosts[i]
		b.Turns = append(b.Turns[:i], b.Turns[i+1:]...)
		turnCosts = append(turnCosts[:i], turnCosts[i+1:]...)
		droppedTurns++
	}

	b.TokenCount = total
	if droppedMemory > 0 || droppedTurns > 0 {
		slog.Debug("Context bundle trimmed to budget",
			"agent", b.AgentName,
			"dropped_memory", droppedMemory,
			"dropped_turns", droppedTurns,
			"tokens", total,
			"budget", b.Budget)
	}
}

// oldestUnpinnedMemory returns the index of the oldest unpinned item, or
// -1 when every remaining item is pinned.
func oldestUnpinnedMemory(items []memory.Scored) int {
	best := -1
	for i := range items {
		if items[i].Item.Pinned {
			continue
		}
		if best < 0 || items[i].Item.CreatedAt.Before(items[best].Item.CreatedAt) {
			best = i
		}
	}
	return best
}

// lowestScoredMemory returns the index of the lowest-scoring item, or -1
// when none remain.
func lowestScoredMemory(items []memory.Scored) int {
	best := -1
	for i := range items {
		if best < 0 || items[i].Score < items[best].Score {
			best = i
		}
	}
	return best
}

// oldestDroppableTurn returns the first (oldest) turn that is not
// protected, or -1.
func oldestDroppableTurn(turns []session.Message, triggerID string, stepIndex int) int {
	for i := range turns {
		if !protectedTurn(&turns[i], triggerID, stepIndex) {
			return i
		}
	}
	return -1
}

// messageCost covers the rendered content plus a small per-message
// overhead mirroring the chat wire format.
func messageCost(counter tokenCounter, msg *session.Message) int {
	cost := 3
	cost += counter.Count(msg.Text)
	if msg.FormReply != nil {
		raw, _ := json.Marshal(msg.FormReply)
		cost += counter.Count(string(raw))
	}
	if len(msg.Form) > 0 {
		cost += counter.Count(string(msg.Form))
	}
	if len(msg.ToolOutput) > 0 {
		cost += counter.Count(string(msg.ToolOutput))
	}
	return cost
}

func descriptorCost(counter tokenCounter, d *tools.ToolDescriptor) int {
	cost := counter.Count(d.Name) + counter.Count(d.Description)
	if d.InputSchema != nil {
		raw, _ := json.Marshal(d.InputSchema)
		cost += counter.Count(string(raw))
	}
	return cost
}
