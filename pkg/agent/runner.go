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

// Package agent runs one agent for one turn: it renders the assembled
// context bundle into a model conversation, streams the response, and
// turns it into structured actions the orchestrator consumes.
//
// Streamed text becomes emit_markdown actions coalesced by a flush
// buffer. Control actions (finish_step, fail_step, request_form,
// delegate, memory_write, emit_progress) are exposed to the model as
// function calls; any other call is a native tool request for the tool
// registry. The turn's final action decides how the orchestrator leaves
// the Executing state; a turn with no tool calls and no control action
// finishes the step with the streamed text as its output.
//
// Malformed control calls get one constrained retry against the action
// schema; a second failure surfaces as ErrMalformedAction.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/priam/pkg/assembler"
	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/llms"
	"github.com/kadirpekel/priam/pkg/observability"
)

// Runner executes agent turns against the model registry.
type Runner struct {
	models *llms.ModelRegistry
}

func NewRunner(models *llms.ModelRegistry) *Runner {
	return &Runner{models: models}
}

// Run executes one agent turn and streams its actions. The channel
// closes after the terminal action. The model reference is resolved per
// call, not cached, so a reconfigured provider takes effect on the next
// turn.
func (r *Runner) Run(ctx context.Context, spec AgentSpec, bundle *assembler.Bundle) (<-chan Action, error) {
	provider, err := r.models.GetModel(spec.Model)
	if err != nil {
		return nil, fmt.Errorf("resolving model for agent %s: %w", spec.Name, err)
	}

	flushCfg := spec.Flush
	flushCfg.SetDefaults()

	out := make(chan Action, 64)
	go r.run(ctx, provider, spec, bundle, flushCfg, out)
	return out, nil
}

// RunStructured executes one non-streaming turn constrained to a JSON
// schema. Validator verdicts and planner output come through here, where
// markdown narration has no place.
func (r *Runner) RunStructured(ctx context.Context, spec AgentSpec, bundle *assembler.Bundle, schema map[string]any) (string, llms.Usage, error) {
	provider, err := r.models.GetModel(spec.Model)
	if err != nil {
		return "", llms.Usage{}, fmt.Errorf("resolving model for agent %s: %w", spec.Name, err)
	}

	start := time.Now()
	doc, usage, err := provider.GenerateStructured(ctx, renderMessages(spec, bundle), &llms.StructuredOutputConfig{
		Format: "json",
		Schema: schema,
	})
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordModelCall(ctx, provider.GetModelName(), time.Since(start), usage.InputTokens, usage.OutputTokens, err)
	}
	if err != nil {
		return "", usage, fmt.Errorf("structured turn for agent %s: %w", spec.Name, err)
	}
	return doc, usage, nil
}

func (r *Runner) run(ctx context.Context, provider llms.Provider, spec AgentSpec, bundle *assembler.Bundle, flushCfg config.FlushConfig, out chan<- Action) {
	defer close(out)
	start := time.Now()

	emit := func(a Action) {
		select {
		case out <- a:
		case <-ctx.Done():
		}
	}
	record := func(usage llms.Usage, err error) {
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordModelCall(ctx, provider.GetModelName(), time.Since(start), usage.InputTokens, usage.OutputTokens, err)
		}
	}

	messages := renderMessages(spec, bundle)
	stream, err := provider.GenerateStreaming(ctx, messages, toolDefinitions(bundle))
	if err != nil {
		record(llms.Usage{}, err)
		emit(Action{Type: ActionError, Err: err})
		return
	}

	var (
		text      strings.Builder
		natives   []llms.ToolCall
		usage     llms.Usage
		malformed error

		form, deleg, finish, fail *Action
	)
	keep := func(slot **Action, act *Action) {
		if *slot == nil {
			*slot = act
			return
		}
		slog.Debug("Duplicate control action ignored", "agent", spec.Name, "action", act.Type)
	}

	buffer := newFlushBuffer(flushCfg.Runes)
	flushNow := func() {
		if s, ok := buffer.drain(); ok {
			emit(Action{Type: ActionMarkdown, Text: s})
		}
	}

	timer := time.NewTimer(time.Duration(flushCfg.Interval))
	defer timer.Stop()

consume:
	for {
		select {
		case <-ctx.Done():
			flushNow()
			record(usage, ctx.Err())
			emit(Action{Type: ActionError, Err: ctx.Err(), Usage: usage})
			return

		case <-timer.C:
			flushNow()
			timer.Reset(time.Duration(flushCfg.Interval))

		case chunk, ok := <-stream:
			if !ok {
				break consume
			}
			switch chunk.Type {
			case llms.ChunkText:
				text.WriteString(chunk.Text)
				if s, flushed := buffer.add(chunk.Text); flushed {
					emit(Action{Type: ActionMarkdown, Text: s})
				}

			case llms.ChunkToolCall:
				call := *chunk.ToolCall
				if _, reserved := reservedActions[call.Name]; !reserved {
					natives = append(natives, call)
					continue
				}
				act, parseErr := parseReservedCall(call)
				if parseErr != nil {
					if malformed == nil {
						malformed = parseErr
					}
					continue
				}
				switch act.Type {
				case ActionRequestForm:
					keep(&form, act)
				case ActionDelegate:
					keep(&deleg, act)
				case ActionFinishStep:
					keep(&finish, act)
				case ActionFailStep:
					keep(&fail, act)
				default:
					flushNow()
					emit(*act)
				}

			case llms.ChunkDone:
				usage = chunk.Usage
				break consume

			case llms.ChunkError:
				flushNow()
				record(usage, chunk.Error)
				emit(Action{Type: ActionError, Err: chunk.Error, Usage: usage})
				return
			}
		}
	}
	flushNow()

	if malformed != nil {
		r.settleMalformed(ctx, provider, messages, malformed, usage, text.String(), emit, record)
		return
	}

	record(usage, nil)
	emit(terminalAction(spec, form, deleg, finish, fail, natives, text.String(), usage))
}

// terminalAction picks the turn's outcome. Suspension and handoff win
// over tool calls; tool calls win over finishing, since their results
// may change the answer; a turn with nothing else finishes the step with
// its streamed text.
func terminalAction(spec AgentSpec, form, deleg, finish, fail *Action, natives []llms.ToolCall, text string, usage llms.Usage) Action {
	switch {
	case form != nil:
		if len(natives) > 0 {
			slog.Debug("Discarding tool calls alongside form request", "agent", spec.Name, "count", len(natives))
		}
		act := *form
		act.Usage = usage
		return act

	case deleg != nil:
		act := *deleg
		act.Usage = usage
		return act

	case len(natives) > 0:
		if finish != nil || fail != nil {
			slog.Debug("Deferring step outcome until tool calls settle", "agent", spec.Name)
		}
		calls := make([]ToolRequest, 0, len(natives))
		for _, call := range natives {
			calls = append(calls, ToolRequest{ID: call.ID, Name: call.Name, Inputs: call.Args})
		}
		return Action{Type: ActionCallTool, Calls: calls, Usage: usage}

	case finish != nil:
		act := *finish
		if act.Text == "" {
			act.Text = text
		}
		act.Usage = usage
		return act

	case fail != nil:
		act := *fail
		act.Usage = usage
		return act

	default:
		return Action{Type: ActionFinishStep, Text: text, Usage: usage}
	}
}

// settleMalformed runs the constrained retry after a malformed control
// call and settles the turn from its result.
func (r *Runner) settleMalformed(ctx context.Context, provider llms.Provider, messages []llms.Message, cause error, usage llms.Usage, text string, emit func(Action), record func(llms.Usage, error)) {
	slog.Warn("Malformed agent action, retrying constrained", "error", cause)

	stricter := append(append([]llms.Message(nil), messages...), llms.Message{
		Role: llms.RoleUser,
		Content: fmt.Sprintf(
			"Your last action was malformed: %v. Respond with exactly one JSON object of the form {\"action\": <name>, \"params\": {...}} and nothing else.",
			cause),
	})
	doc, retryUsage, err := provider.GenerateStructured(ctx, stricter, &llms.StructuredOutputConfig{
		Format: "json",
		Schema: ActionSchema(),
	})
	usage.Add(retryUsage)
	if err != nil {
		record(usage, err)
		emit(Action{Type: ActionError, Err: err, Usage: usage})
		return
	}

	act, parseErr := ParseActionDocument(doc)
	if parseErr != nil {
		wrapped := fmt.Errorf("%w: %v (retry: %v)", ErrMalformedAction, cause, parseErr)
		record(usage, wrapped)
		emit(Action{Type: ActionError, Err: wrapped, Usage: usage})
		return
	}

	record(usage, nil)
	if !act.Terminal() {
		emit(*act)
		emit(Action{Type: ActionFinishStep, Text: text, Usage: usage})
		return
	}
	if act.Type == ActionFinishStep && act.Text == "" {
		act.Text = text
	}
	act.Usage = usage
	emit(*act)
}
