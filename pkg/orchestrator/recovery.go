// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package orchestrator

import (
	"context"
	"fmt"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/protocol"
	"github.com/kadirpekel/priam/pkg/session"
)

// recoverStep settles a failed step per the workflow's failure policy:
// retry it within the budget, raise the review form for a human
// decision, or abort the plan outright.
func (r *resident) recoverStep(ctx context.Context) error {
	wf := r.workflow()
	if wf == nil {
		return sessionErr("orchestrator", "recover", "no workflow configured for tenant", nil)
	}

	stepIndex := r.sess.StepIndex()
	step, err := r.sess.StepAt(stepIndex)
	if err != nil {
		return sessionErr("orchestrator", "recover", "plan cursor out of range", err)
	}
	if step.Status.Terminal() {
		return r.afterStepDone(ctx, stepIndex)
	}

	reason := r.lastFailureReason(stepIndex)

	switch wf.OnFailure {
	case config.FailureAbort:
		r.abortPlan(ctx, stepIndex, reason)
		return nil

	case config.FailureReview:
		return r.suspendForReview(ctx, stepIndex, step, wf, reason)

	default: // config.FailureRetry
		if step.Attempts > wf.MaxStepRetries {
			r.abortPlan(ctx, stepIndex,
				fmt.Sprintf("step %d failed after %d attempts: %s", stepIndex+1, step.Attempts, reason))
			return nil
		}
		return r.retryStep(ctx, stepIndex, step)
	}
}

// retryStep returns the failed step to pending and re-enters execution.
func (r *resident) retryStep(ctx context.Context, stepIndex int, step session.PlanStep) error {
	if err := r.sess.ResetStepForRetry(stepIndex); err != nil {
		return sessionErr("orchestrator", "recover", "resetting step for retry", err)
	}
	return r.commit(ctx, session.StateExecuting, stepIndex,
		session.AgentProgress(stepIndex, step.AgentName,
			fmt.Sprintf("Retrying: %s", step.Title)))
}

// suspendForReview raises the review form and parks the session until a
// human decides what to do with the failed step.
func (r *resident) suspendForReview(ctx context.Context, stepIndex int, step session.PlanStep, wf *config.WorkflowConfig, reason string) error {
	form := protocol.DefaultReviewForm(
		fmt.Sprintf("Step %d failed: %s", stepIndex+1, step.Title))

	raw := session.FormRequest(stepIndex, wf.Reviewer, form)
	if err := r.sess.SetStepStatus(stepIndex, session.StepAwaitingUser); err != nil {
		return sessionErr("orchestrator", "recover", "marking step awaiting review", err)
	}
	r.sess.SetPendingForm(session.PendingForm{
		FormJSON: raw.Form,
		FormID:   form.ID,
		Purpose:  session.FormPurposeReview,
	})

	explain := session.AgentMarkdown(stepIndex, wf.Reviewer,
		fmt.Sprintf("Step %d (%s) failed: %s. Please decide how to proceed.",
			stepIndex+1, step.Title, reason))
	return r.commit(ctx, session.StateAwaitingHuman, stepIndex, explain, raw)
}

// applyReviewDecision routes the validated review reply. extra carries
// the reply's history entry so it lands in the same commit as the
// decision; a crash can then never separate the two.
func (r *resident) applyReviewDecision(ctx context.Context, stepIndex int, reply *protocol.FormReply, extra ...session.Message) error {
	action := reply.StringValue(protocol.ReviewActionKey)
	comments := reply.StringValue(protocol.ReviewCommentsKey)

	step, err := r.sess.StepAt(stepIndex)
	if err != nil {
		return sessionErr("orchestrator", "review", "plan cursor out of range", err)
	}

	switch action {
	case protocol.ReviewApprove:
		// The human accepts the step's outcome as-is.
		if err := r.sess.SetStepStatus(stepIndex, session.StepDone); err != nil {
			return sessionErr("orchestrator", "review", "approving step", err)
		}
		return r.afterStepDone(ctx, stepIndex, append(extra,
			session.SystemNote(stepIndex, "step approved by reviewer: "+comments, ""))...)

	case protocol.ReviewRetry:
		if err := r.sess.ResetStepForRetry(stepIndex); err != nil {
			return sessionErr("orchestrator", "review", "resetting step for retry", err)
		}
		if comments != "" {
			if err := r.sess.MergeStepInputs(stepIndex, map[string]any{
				"reviewer_comments": comments,
			}); err != nil {
				return sessionErr("orchestrator", "review", "merging reviewer comments", err)
			}
		}
		return r.commit(ctx, session.StateExecuting, stepIndex, append(extra,
			session.AgentProgress(stepIndex, step.AgentName,
				fmt.Sprintf("Retrying: %s", step.Title)))...)

	case protocol.ReviewSkip:
		if err := r.sess.SetStepStatus(stepIndex, session.StepSkipped); err != nil {
			return sessionErr("orchestrator", "review", "skipping step", err)
		}
		return r.afterStepDone(ctx, stepIndex, append(extra,
			session.SystemNote(stepIndex, "step skipped by reviewer: "+comments, ""))...)

	case protocol.ReviewAbort:
		reason := "aborted by reviewer"
		if comments != "" {
			reason += ": " + comments
		}
		r.abortPlan(ctx, stepIndex, reason, extra...)
		return nil

	default:
		// ValidateReply guarantees the action is one of the options.
		return sessionErr("orchestrator", "review",
			fmt.Sprintf("unexpected review action %q", action), nil)
	}
}

// lastFailureReason finds the most recent failure note for the step.
func (r *resident) lastFailureReason(stepIndex int) string {
	history := r.sess.History()
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Kind == session.KindSystemNote && msg.StepIndex == stepIndex && msg.ErrorKind != "" {
			return msg.Text
		}
	}
	return "the step could not be completed"
}
