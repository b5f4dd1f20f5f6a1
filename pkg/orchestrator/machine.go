// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/priam/pkg/agent"
	"github.com/kadirpekel/priam/pkg/assembler"
	"github.com/kadirpekel/priam/pkg/checkpoint"
	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/memory"
	"github.com/kadirpekel/priam/pkg/observability"
	"github.com/kadirpekel/priam/pkg/session"
)

// errCancelled marks a run aborted by user cancel.
var errCancelled = errors.New("run cancelled")

// advance drives the machine until it parks in a quiescent state (Idle,
// AwaitingHuman, Terminal). Each iteration handles exactly one state;
// the state functions commit their own transitions.
func (r *resident) advance(ctx context.Context) {
	runCtx, release := r.activeRunContext(ctx)
	defer release()

	for {
		var err error
		switch r.sess.State() {
		case session.StateValidating:
			err = r.validate(runCtx)
		case session.StatePlanning:
			err = r.plan(runCtx)
		case session.StateExecuting:
			err = r.executeStep(runCtx)
		case session.StateRecovering:
			err = r.recoverStep(runCtx)
		case session.StateSynthesizing:
			err = r.synthesize(runCtx)
		default:
			return
		}
		if err != nil {
			r.fault(ctx, err)
			return
		}
	}
}

// commit is the transition discipline: append messages, move the
// machine, save a checkpoint, and only then publish the derived events.
// The save runs under a cancel-shielded context so a user interrupt
// cannot lose the transition that records it.
func (r *resident) commit(ctx context.Context, state session.State, stepIndex int, msgs ...session.Message) error {
	from := r.sess.State()
	start := time.Now()

	tracer := observability.GetTracer("priam.orchestrator")
	spanCtx, span := tracer.Start(ctx, observability.SpanTransition,
		trace.WithAttributes(
			attribute.String(observability.AttrTenantID, r.sess.Key().TenantID),
			attribute.String(observability.AttrSessionID, r.sess.Key().SessionID),
			attribute.String(observability.AttrStateFrom, string(from)),
			attribute.String(observability.AttrStateTo, string(state)),
			attribute.Int(observability.AttrStepIndex, stepIndex),
		),
	)
	defer span.End()

	first := -1
	for _, m := range msgs {
		idx := r.sess.Append(m)
		if first < 0 {
			first = idx
		}
	}
	r.sess.SetState(state, stepIndex)

	cp := checkpoint.Snapshot(r.sess)
	version, err := r.orc.checkpoints.Save(context.WithoutCancel(spanCtx), cp)
	if err != nil {
		span.RecordError(err)
		return sessionErr("checkpoint", "save",
			fmt.Sprintf("persisting transition %s -> %s", from, state), err)
	}
	r.sess.SetVersion(version)

	if first >= 0 {
		key := busKey(r.sess.Key())
		for _, stored := range r.sess.HistorySince(first) {
			if env := stored.Event(); env != nil {
				r.orc.bus.Publish(key, env)
			}
		}
	}

	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordTransition(spanCtx, string(from), string(state), time.Since(start))
	}
	return nil
}

// validate runs the workflow's validator, if any. A rejection is a
// markdown reply and a return to Idle; it never reaches planning.
func (r *resident) validate(ctx context.Context) error {
	wf := r.workflow()
	if wf == nil {
		return sessionErr("orchestrator", "validate", "no workflow configured for tenant", nil)
	}

	enterPlanning := func() error {
		progress := session.AgentProgress(0, wf.Planner, "Analyzing your request...")
		return r.commit(ctx, session.StatePlanning, 0, progress)
	}

	if wf.Validator == "" {
		return enterPlanning()
	}

	bundle, err := r.assemble(ctx, wf.Validator, session.PlanStep{Title: "Validate the request"})
	if err != nil {
		return err
	}
	doc, _, err := r.orc.runner.RunStructured(ctx, r.agentSpec(wf.Validator), bundle, verdictSchema())
	if err != nil {
		return r.modelFailure(ctx, err, 0)
	}

	v, err := parseVerdict(doc)
	if err != nil {
		return r.modelFailure(ctx, fmt.Errorf("%w: %v", agent.ErrMalformedAction, err), 0)
	}
	if !v.Accept() {
		reason := v.Reason
		if reason == "" {
			reason = "I can't help with that request."
		}
		return r.commit(ctx, session.StateIdle, 0,
			session.SystemNote(0, "request rejected by validator", KindValidation),
			session.AgentMarkdown(0, wf.Validator, reason))
	}
	return enterPlanning()
}

// plan runs the planner, commits the plan, and announces its steps.
func (r *resident) plan(ctx context.Context) error {
	wf := r.workflow()
	if wf == nil {
		return sessionErr("orchestrator", "plan", "no workflow configured for tenant", nil)
	}

	bundle, err := r.assemble(ctx, wf.Planner, session.PlanStep{Title: "Plan the request"})
	if err != nil {
		return err
	}
	doc, _, err := r.orc.runner.RunStructured(ctx, r.agentSpec(wf.Planner), bundle, planSchema())
	if err != nil {
		return r.modelFailure(ctx, err, 0)
	}

	steps, err := r.parsePlan(doc, wf)
	if err != nil {
		return r.modelFailure(ctx, fmt.Errorf("%w: %v", agent.ErrMalformedAction, err), 0)
	}

	r.sess.SetPlan(steps)
	plan := r.sess.Plan()
	announce := make([]session.Message, 0, len(plan))
	for _, step := range plan {
		announce = append(announce, session.AgentStep(step.Index, len(plan), step.Title))
	}
	return r.commit(ctx, session.StateExecuting, 0, announce...)
}

// synthesize composes the final answer and finishes the plan. Without a
// synthesizer the plan finishes silently with the sentinel alone.
func (r *resident) synthesize(ctx context.Context) error {
	wf := r.workflow()
	if wf == nil {
		return sessionErr("orchestrator", "synthesize", "no workflow configured for tenant", nil)
	}

	stepIndex := r.sess.StepIndex()
	if wf.Synthesizer == "" {
		return r.finishPlan(ctx, stepIndex)
	}

	bundle, err := r.assemble(ctx, wf.Synthesizer, session.PlanStep{
		Index: stepIndex,
		Title: "Compose the final answer",
	})
	if err != nil {
		return err
	}

	actions, err := r.orc.runner.Run(ctx, r.agentSpec(wf.Synthesizer), bundle)
	if err != nil {
		return r.modelFailure(ctx, err, stepIndex)
	}

	for action := range actions {
		switch action.Type {
		case agent.ActionMarkdown:
			if err := r.commit(ctx, session.StateSynthesizing, stepIndex,
				session.AgentMarkdown(stepIndex, wf.Synthesizer, action.Text)); err != nil {
				return err
			}
		case agent.ActionProgress:
			if err := r.commit(ctx, session.StateSynthesizing, stepIndex,
				session.AgentProgress(stepIndex, wf.Synthesizer, action.Text)); err != nil {
				return err
			}
		case agent.ActionError:
			return r.modelFailure(ctx, action.Err, stepIndex)
		case agent.ActionFinishStep:
			// The flush buffer already streamed the markdown; the finish
			// text is a summary for the plan record, not a second reply.
			return r.finishPlan(ctx, stepIndex)
		default:
			// Tools, forms, and delegation have no place in synthesis.
			slog.Warn("Ignoring action during synthesis",
				"session", r.sess.Key().String(),
				"action", action.Type)
			if action.Terminal() {
				return r.finishPlan(ctx, stepIndex)
			}
		}
	}
	return r.finishPlan(ctx, stepIndex)
}

// finishPlan emits the completion sentinel and parks in Terminal.
func (r *resident) finishPlan(ctx context.Context, stepIndex int, msgs ...session.Message) error {
	msgs = append(msgs, session.WorkflowFinished(stepIndex))
	if err := r.commit(ctx, session.StateTerminal, stepIndex, msgs...); err != nil {
		return err
	}
	r.distillPlan(ctx)
	return nil
}

// abortPlan abandons the plan: the current step is marked failed, the
// user is told why, and the sentinel closes the request.
func (r *resident) abortPlan(ctx context.Context, stepIndex int, reason string, extra ...session.Message) {
	if step, err := r.sess.StepAt(stepIndex); err == nil && !step.Status.Terminal() {
		if err := r.sess.SetStepStatus(stepIndex, session.StepFailed); err != nil {
			slog.Warn("Failed to mark aborted step",
				"session", r.sess.Key().String(),
				"step", stepIndex,
				"error", err)
		}
	}

	msgs := append(extra,
		session.AgentMarkdown(stepIndex, "", "The plan was aborted: "+reason),
		session.WorkflowFinished(stepIndex))
	if err := r.commit(ctx, session.StateTerminal, stepIndex, msgs...); err != nil {
		r.fault(ctx, err)
	}
}

// afterStepDone moves the cursor to the next pending step, or to
// synthesis when none remain.
func (r *resident) afterStepDone(ctx context.Context, stepIndex int, msgs ...session.Message) error {
	next := -1
	for _, step := range r.sess.Plan() {
		if step.Status == session.StepPending {
			next = step.Index
			break
		}
	}
	if next < 0 {
		return r.commit(ctx, session.StateSynthesizing, stepIndex, msgs...)
	}
	return r.commit(ctx, session.StateExecuting, next, msgs...)
}

// modelFailure handles a model-side failure outside or inside a step.
// Cancellation propagates; during execution the step fails into
// recovery; before a plan exists the request ends with an apology.
func (r *resident) modelFailure(ctx context.Context, cause error, stepIndex int) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return errCancelled
	}

	kind := KindModel
	if errors.Is(cause, agent.ErrMalformedAction) {
		kind = KindValidation
	}
	slog.Warn("Model turn failed",
		"session", r.sess.Key().String(),
		"state", r.sess.State(),
		"kind", kind,
		"error", cause)

	if r.sess.State() == session.StateExecuting || r.sess.State() == session.StateSynthesizing {
		if r.sess.PlanLen() > 0 {
			return r.failStep(ctx, stepIndex, cause.Error(), kind)
		}
	}
	return r.commit(ctx, session.StateIdle, stepIndex,
		session.SystemNote(stepIndex, cause.Error(), kind),
		session.AgentMarkdown(stepIndex, "", "I ran into a problem processing that request. Please try again."))
}

// failStep records the failure and enters recovery.
func (r *resident) failStep(ctx context.Context, stepIndex int, reason, kind string) error {
	return r.commit(ctx, session.StateRecovering, stepIndex,
		session.SystemNote(stepIndex, reason, kind))
}

// fault settles an advance() error: a user cancel parks the session in
// Idle with a cancelled record; anything else is an invariant failure
// that terminates the session after a terminal error checkpoint.
func (r *resident) fault(ctx context.Context, err error) {
	if errors.Is(err, errCancelled) || errors.Is(err, context.Canceled) || r.takeCancelled() {
		r.settleCancelled(ctx)
		return
	}

	key := r.sess.Key()
	slog.Error("Session failed",
		"session", key.String(),
		"state", r.sess.State(),
		"error", err)

	r.sess.SetState(session.StateTerminal, r.sess.StepIndex())
	r.sess.Append(session.SystemNote(r.sess.StepIndex(), err.Error(), KindInternal))

	cp := checkpoint.Snapshot(r.sess).WithError(KindInternal)
	if _, saveErr := r.orc.checkpoints.Save(context.WithoutCancel(ctx), cp); saveErr != nil {
		slog.Error("Failed to checkpoint terminal error",
			"session", key.String(),
			"error", saveErr)
	}
	r.notify("Something went wrong and this request cannot continue.")
}

// settleCancelled closes out an interrupted run: in-flight tool calls
// are recorded as cancelled, the user sees the acknowledgement, and the
// session returns to Idle ready for the next message.
func (r *resident) settleCancelled(ctx context.Context) {
	r.takeCancelled()
	stepIndex := r.sess.StepIndex()
	r.sess.ClearPendingForm()

	var msgs []session.Message
	for _, call := range r.danglingToolCalls(stepIndex) {
		msgs = append(msgs, session.ToolResult(stepIndex, call.ToolName, call.InvocationID, nil, KindCancelled))
	}
	msgs = append(msgs,
		session.SystemNote(stepIndex, "cancelled by user", KindCancelled),
		session.AgentMarkdown(stepIndex, "", "Cancelled."))

	if err := r.commit(context.WithoutCancel(ctx), session.StateIdle, stepIndex, msgs...); err != nil {
		slog.Error("Failed to commit cancellation",
			"session", r.sess.Key().String(),
			"error", err)
	}
}

// distillPlan writes each completed step's output into the session's
// runtime memory so later requests in the session can build on it.
func (r *resident) distillPlan(ctx context.Context) {
	if r.orc.memory == nil {
		return
	}
	for _, step := range r.sess.Plan() {
		if step.Status != session.StepDone || step.OutputRef == "" {
			continue
		}
		item := memory.Item{
			Key:   fmt.Sprintf("step_%d_output", step.Index),
			Value: step.OutputRef,
		}
		if err := r.orc.memory.Put(ctx, r.sess.Key(), memory.TierRuntime, item); err != nil {
			slog.Warn("Failed to distill step output into memory",
				"session", r.sess.Key().String(),
				"step", step.Index,
				"error", err)
		}
	}
}

// workflow resolves the tenant's workflow.
func (r *resident) workflow() *config.WorkflowConfig {
	return r.orc.workflowFor(r.sess.Key().TenantID)
}

// policy resolves the tenant's policy, or nil when none is configured.
func (r *resident) policy() *config.TenantPolicyConfig {
	policy, _ := r.orc.cfg.Policy(r.sess.Key().TenantID)
	return policy
}

func (r *resident) agentSpec(name string) agent.AgentSpec {
	cfg, _ := r.orc.cfg.Agent(name)
	return agent.SpecFromConfig(name, cfg)
}

func (r *resident) assemble(ctx context.Context, agentName string, step session.PlanStep) (*assembler.Bundle, error) {
	bundle, err := r.orc.asm.Assemble(ctx, r.sess, agentName, step, r.policy())
	if err != nil {
		return nil, sessionErr("assembler", "assemble",
			fmt.Sprintf("building context for agent %s", agentName), err)
	}
	return bundle, nil
}
