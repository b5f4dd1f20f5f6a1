// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/priam/pkg/agent"
	"github.com/kadirpekel/priam/pkg/memory"
	"github.com/kadirpekel/priam/pkg/session"
	"github.com/kadirpekel/priam/pkg/tools"
)

// executeStep runs one turn of the agent bound to the current step and
// settles whatever the turn ends with. The step may take several turns:
// a tool batch commits its results and re-enters the agent, a form
// suspends the session and the reply re-enters, a delegation rebinds
// the agent and re-enters.
func (r *resident) executeStep(ctx context.Context) error {
	stepIndex := r.sess.StepIndex()
	step, err := r.sess.StepAt(stepIndex)
	if err != nil {
		return sessionErr("orchestrator", "execute", "plan cursor out of range", err)
	}

	if step.Status.Terminal() {
		// The cursor landed on a step recovery already settled.
		return r.afterStepDone(ctx, stepIndex)
	}

	if step.Status != session.StepRunning {
		if step.Status == session.StepPending {
			if _, err := r.sess.BumpStepAttempts(stepIndex); err != nil {
				return sessionErr("orchestrator", "execute", "bumping attempts", err)
			}
		}
		if err := r.sess.SetStepStatus(stepIndex, session.StepRunning); err != nil {
			return sessionErr("orchestrator", "execute", "marking step running", err)
		}
		if err := r.commit(ctx, session.StateExecuting, stepIndex); err != nil {
			return err
		}
	}

	// Tool calls committed but never settled (crash replay, or a batch
	// the user just approved) run before the agent speaks again.
	if dangling := r.danglingToolCalls(stepIndex); len(dangling) > 0 {
		if err := r.settleToolCalls(ctx, stepIndex, dangling); err != nil {
			return err
		}
	}

	step, err = r.sess.StepAt(stepIndex)
	if err != nil {
		return sessionErr("orchestrator", "execute", "plan cursor out of range", err)
	}
	agentName := step.AgentName

	bundle, err := r.assemble(ctx, agentName, step)
	if err != nil {
		return err
	}
	actions, err := r.orc.runner.Run(ctx, r.agentSpec(agentName), bundle)
	if err != nil {
		return r.modelFailure(ctx, err, stepIndex)
	}

	for action := range actions {
		switch action.Type {
		case agent.ActionMarkdown:
			if err := r.commit(ctx, session.StateExecuting, stepIndex,
				session.AgentMarkdown(stepIndex, agentName, action.Text)); err != nil {
				return err
			}

		case agent.ActionProgress:
			if err := r.commit(ctx, session.StateExecuting, stepIndex,
				session.AgentProgress(stepIndex, agentName, action.Text)); err != nil {
				return err
			}

		case agent.ActionMemoryWrite:
			r.writeMemory(ctx, stepIndex, action.Memory)

		case agent.ActionCallTool:
			return r.startToolBatch(ctx, stepIndex, agentName, action.Calls)

		case agent.ActionRequestForm:
			return r.suspendOnForm(ctx, stepIndex, agentName, action)

		case agent.ActionDelegate:
			return r.delegateStep(ctx, stepIndex, agentName, action.Delegate)

		case agent.ActionFinishStep:
			return r.finishStep(ctx, stepIndex, action.Text)

		case agent.ActionFailStep:
			return r.failStep(ctx, stepIndex, action.Text, string(tools.ErrPermanent))

		case agent.ActionError:
			return r.modelFailure(ctx, action.Err, stepIndex)
		}
	}

	// The runner closes the channel after a terminal action, so an
	// exhausted loop means every terminal path above returned already.
	return nil
}

// finishStep settles the current step as done and advances.
func (r *resident) finishStep(ctx context.Context, stepIndex int, output string) error {
	if err := r.sess.SetStepOutput(stepIndex, output); err != nil {
		return sessionErr("orchestrator", "finish_step", "recording output", err)
	}
	if err := r.sess.SetStepStatus(stepIndex, session.StepDone); err != nil {
		return sessionErr("orchestrator", "finish_step", "marking step done", err)
	}
	return r.afterStepDone(ctx, stepIndex)
}

// delegateStep rebinds the step to a peer agent and re-enters it. A
// delegation to an agent the tenant cannot run fails the step instead.
func (r *resident) delegateStep(ctx context.Context, stepIndex int, from string, d *agent.DelegateRequest) error {
	if d == nil {
		return r.failStep(ctx, stepIndex, "empty delegation", KindValidation)
	}
	if !r.agentUsable(d.Agent, r.policy()) {
		return r.failStep(ctx, stepIndex,
			fmt.Sprintf("agent %s delegated to unavailable agent %s", from, d.Agent), KindPermission)
	}

	if err := r.sess.RebindStepAgent(stepIndex, d.Agent); err != nil {
		return sessionErr("orchestrator", "delegate", "rebinding step agent", err)
	}
	if err := r.sess.MergeStepInputs(stepIndex, d.Inputs); err != nil {
		return sessionErr("orchestrator", "delegate", "merging delegation inputs", err)
	}

	slog.Debug("Step delegated",
		"session", r.sess.Key().String(),
		"step", stepIndex,
		"from", from,
		"to", d.Agent)
	return r.commit(ctx, session.StateExecuting, stepIndex)
}

// suspendOnForm parks the session on an agent-raised form.
func (r *resident) suspendOnForm(ctx context.Context, stepIndex int, agentName string, action agent.Action) error {
	form := action.Form
	raw, err := json.Marshal(form)
	if err != nil {
		return sessionErr("orchestrator", "request_form", "encoding form", err)
	}

	if err := r.sess.SetStepStatus(stepIndex, session.StepAwaitingUser); err != nil {
		return sessionErr("orchestrator", "request_form", "marking step awaiting user", err)
	}
	r.sess.SetPendingForm(session.PendingForm{
		FormJSON: raw,
		FormID:   form.ID,
		Purpose:  session.FormPurposeStep,
	})
	return r.commit(ctx, session.StateAwaitingHuman, stepIndex,
		session.FormRequest(stepIndex, agentName, form))
}

// startToolBatch dispatches a batch of tool calls. Batches touching a
// tool the tenant policy gates behind approval suspend on the approval
// form first; everything else commits the calls and settles them.
func (r *resident) startToolBatch(ctx context.Context, stepIndex int, agentName string, calls []agent.ToolRequest) error {
	if len(calls) == 0 {
		return r.commit(ctx, session.StateExecuting, stepIndex)
	}

	if policy := r.policy(); policy != nil {
		var gated []string
		for _, call := range calls {
			if policy.RequiresApproval(call.Name) {
				gated = append(gated, call.Name)
			}
		}
		if len(gated) > 0 {
			return r.suspendForApproval(ctx, stepIndex, agentName, calls, gated)
		}
	}

	msgs := make([]session.Message, 0, len(calls))
	for _, call := range calls {
		msgs = append(msgs, session.ToolCall(stepIndex, agentName, call.Name, uuid.NewString(), call.Inputs))
	}
	if err := r.commit(ctx, session.StateExecuting, stepIndex, msgs...); err != nil {
		return err
	}
	return r.settleToolCalls(ctx, stepIndex, msgs)
}

// settleToolCalls runs committed tool calls and commits their results.
// Calls run in parallel but results land in history in issue order, so
// replay is deterministic. Tool failures become error results the agent
// sees on re-entry; only cancellation aborts the step.
func (r *resident) settleToolCalls(ctx context.Context, stepIndex int, calls []session.Message) error {
	type outcome struct {
		output    json.RawMessage
		errorKind string
	}
	outcomes := make([]outcome, len(calls))

	key := r.sess.Key()
	policy := r.policy()

	g, gctx := errgroup.WithContext(ctx)
	for i := range calls {
		call := calls[i]
		g.Go(func() error {
			if r.orc.tools == nil {
				outcomes[i] = outcome{
					output:    encodeToolError(fmt.Errorf("no tool registry configured")),
					errorKind: string(tools.ErrPermanent),
				}
				return nil
			}
			result, err := r.orc.tools.Invoke(gctx, call.ToolName, call.ToolInputs, tools.Invocation{
				ID:             call.InvocationID,
				TenantID:       key.TenantID,
				SessionID:      key.SessionID,
				StepIndex:      stepIndex,
				IdempotencyKey: call.InvocationID,
				Policy:         policy,
			})
			if err != nil {
				outcomes[i] = outcome{
					output:    encodeToolError(err),
					errorKind: toolErrorKind(err),
				}
				return nil
			}
			outcomes[i] = outcome{output: result.Output}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errCancelled
	}

	msgs := make([]session.Message, 0, len(calls))
	for i, call := range calls {
		out := outcomes[i]
		if out.errorKind == string(tools.ErrCancelled) {
			return errCancelled
		}
		msgs = append(msgs, session.ToolResult(stepIndex, call.ToolName, call.InvocationID, out.output, out.errorKind))

		if out.errorKind == "" && r.orc.memory != nil {
			item := memory.Item{
				Key:       "tool:" + call.InvocationID,
				Value:     string(out.output),
				StepIndex: stepIndex,
			}
			if err := r.orc.memory.Put(ctx, key, memory.TierCache, item); err != nil {
				slog.Debug("Failed to cache tool output",
					"session", key.String(),
					"tool", call.ToolName,
					"error", err)
			}
		}
	}
	return r.commit(ctx, session.StateExecuting, stepIndex, msgs...)
}

// danglingToolCalls returns the current request's tool calls without a
// matching result, in issue order. A crash between committing calls and
// committing results leaves exactly these to re-issue; the registry
// replays any that completed by invocation id.
func (r *resident) danglingToolCalls(stepIndex int) []session.Message {
	history := r.sess.History()

	start := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Kind == session.KindUserText {
			start = i
			break
		}
	}

	settled := make(map[string]bool)
	for i := start; i < len(history); i++ {
		if history[i].Kind == session.KindToolResult {
			settled[history[i].InvocationID] = true
		}
	}

	var out []session.Message
	for i := start; i < len(history); i++ {
		msg := history[i]
		if msg.Kind == session.KindToolCall && msg.StepIndex == stepIndex && !settled[msg.InvocationID] {
			out = append(out, msg)
		}
	}
	return out
}

func (r *resident) writeMemory(ctx context.Context, stepIndex int, w *agent.MemoryWrite) {
	if w == nil || r.orc.memory == nil {
		return
	}
	item := memory.Item{
		Key:       w.Key,
		Value:     w.Value,
		Pinned:    w.Pin,
		StepIndex: stepIndex,
	}
	if err := r.orc.memory.Put(ctx, r.sess.Key(), memory.TierRuntime, item); err != nil {
		slog.Warn("Agent memory write failed",
			"session", r.sess.Key().String(),
			"key", w.Key,
			"error", err)
	}
}

// toolErrorKind maps an invocation error onto the history error kinds.
func toolErrorKind(err error) string {
	var te *tools.Error
	if errors.As(err, &te) {
		return string(te.Kind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return string(tools.ErrCancelled)
	}
	return string(tools.ErrPermanent)
}

func encodeToolError(err error) json.RawMessage {
	msg := strings.TrimSpace(err.Error())
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return raw
}
