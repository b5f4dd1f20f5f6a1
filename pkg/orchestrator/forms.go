// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/priam/pkg/agent"
	"github.com/kadirpekel/priam/pkg/protocol"
	"github.com/kadirpekel/priam/pkg/session"
)

// Approval form field keys and decisions.
const (
	approvalActionKey   = "action"
	approvalCommentsKey = "comments"

	approvalApprove = "approve"
	approvalDeny    = "deny"
)

// handleFormReply validates a form submission against the pending form
// and resumes the suspended session. Stale, duplicate, or invalid
// replies are rejected with a transient notice and mutate nothing.
func (r *resident) handleFormReply(ctx context.Context, reply *protocol.FormReply) {
	if reply == nil {
		return
	}

	pf := r.sess.PendingForm()
	if r.sess.State() != session.StateAwaitingHuman || pf == nil {
		r.notify("There is no pending form awaiting a reply.")
		return
	}
	if pf.FormID != reply.ID {
		slog.Debug("Form reply for a form that is not pending",
			"session", r.sess.Key().String(),
			"got", reply.ID,
			"pending", pf.FormID)
		r.notify("That form is no longer pending.")
		return
	}

	var form protocol.Form
	if err := json.Unmarshal(pf.FormJSON, &form); err != nil {
		r.fault(ctx, sessionErr("orchestrator", "form_reply", "decoding pending form", err))
		return
	}
	if err := form.ValidateReply(reply.Values); err != nil {
		r.notify(fmt.Sprintf("That submission was not accepted: %v. Please correct it and resubmit.", err))
		return
	}

	stepIndex := r.sess.StepIndex()
	purpose := pf.Purpose
	resume := pf.Resume
	r.sess.ClearPendingForm()

	replyMsg := session.UserFormReply(stepIndex, reply)

	var err error
	switch purpose {
	case session.FormPurposeApproval:
		err = r.applyApprovalDecision(ctx, stepIndex, reply, resume, replyMsg)
	case session.FormPurposeReview:
		err = r.applyReviewDecision(ctx, stepIndex, reply, replyMsg)
	default: // session.FormPurposeStep
		err = r.commit(ctx, session.StateExecuting, stepIndex, replyMsg)
	}
	if err != nil {
		r.fault(ctx, err)
		return
	}
	r.advance(ctx)
}

// approvalResume is the continuation state of an approval suspension:
// the tool batch that may not run until a human approves it. It rides
// in the pending form's resume payload so it survives a restart.
type approvalResume struct {
	Agent string         `json:"agent"`
	Calls []approvalCall `json:"calls"`
}

type approvalCall struct {
	Name   string         `json:"name"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// suspendForApproval parks the session on the approval form instead of
// running a batch that touches approval-gated tools. The batch itself is
// checkpointed with the suspension; nothing executes before approval.
func (r *resident) suspendForApproval(ctx context.Context, stepIndex int, agentName string, calls []agent.ToolRequest, gated []string) error {
	resume := approvalResume{Agent: agentName, Calls: make([]approvalCall, 0, len(calls))}
	for _, call := range calls {
		resume.Calls = append(resume.Calls, approvalCall{Name: call.Name, Inputs: call.Inputs})
	}
	rawResume, err := json.Marshal(resume)
	if err != nil {
		return sessionErr("orchestrator", "approval", "encoding suspended batch", err)
	}

	form := approvalForm(gated)
	msg := session.FormRequest(stepIndex, agentName, form)

	if err := r.sess.SetStepStatus(stepIndex, session.StepAwaitingUser); err != nil {
		return sessionErr("orchestrator", "approval", "marking step awaiting approval", err)
	}
	r.sess.SetPendingForm(session.PendingForm{
		FormJSON: msg.Form,
		FormID:   form.ID,
		Purpose:  session.FormPurposeApproval,
		Resume:   rawResume,
	})
	return r.commit(ctx, session.StateAwaitingHuman, stepIndex, msg)
}

// applyApprovalDecision settles an approval reply. Approval commits the
// suspended batch as tool calls; the execution loop then settles them
// like any other committed calls, so a crash after this commit re-issues
// rather than loses them. Denial records the refusal and re-enters the
// agent, which may try another approach or fail the step.
func (r *resident) applyApprovalDecision(ctx context.Context, stepIndex int, reply *protocol.FormReply, resume json.RawMessage, extra ...session.Message) error {
	var batch approvalResume
	if err := json.Unmarshal(resume, &batch); err != nil {
		return sessionErr("orchestrator", "approval", "decoding suspended batch", err)
	}

	comments := reply.StringValue(approvalCommentsKey)
	if reply.StringValue(approvalActionKey) != approvalApprove {
		note := "tool calls denied by user"
		if comments != "" {
			note += ": " + comments
		}
		return r.commit(ctx, session.StateExecuting, stepIndex, append(extra,
			session.SystemNote(stepIndex, note, KindPermission))...)
	}

	msgs := extra
	for _, call := range batch.Calls {
		msgs = append(msgs, session.ToolCall(stepIndex, batch.Agent, call.Name, uuid.NewString(), call.Inputs))
	}
	return r.commit(ctx, session.StateExecuting, stepIndex, msgs...)
}

func approvalForm(gated []string) *protocol.Form {
	return protocol.NewForm("Approval required: "+strings.Join(gated, ", "),
		protocol.Field{
			Type:     protocol.FieldSelect,
			Key:      approvalActionKey,
			Label:    "Action",
			Required: true,
			Options: []protocol.FieldOption{
				{Value: approvalApprove, Label: "Approve"},
				{Value: approvalDeny, Label: "Deny"},
			},
		},
		protocol.Field{
			Type:        protocol.FieldText,
			Key:         approvalCommentsKey,
			Label:       "Comments",
			Placeholder: "Optional notes",
		},
	)
}
