// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/priam/pkg/protocol"
)

// MessageKind tags history entries.
type MessageKind string

const (
	KindUserText       MessageKind = "user_text"
	KindUserFormReply  MessageKind = "user_form_reply"
	KindUserAttachment MessageKind = "user_attachment_ref"
	KindAgentMarkdown  MessageKind = "agent_markdown"
	KindAgentProgress  MessageKind = "agent_progress"
	KindAgentStep      MessageKind = "agent_step"
	KindFormRequest    MessageKind = "agent_form_request"
	KindWorkflowFinish MessageKind = "agent_workflow_finish"
	KindToolCall       MessageKind = "tool_call"
	KindToolResult     MessageKind = "tool_result"
	KindSystemNote     MessageKind = "system_note"
)

// Role identifies the author side of a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleTool   Role = "tool"
	RoleSystem Role = "system"
)

// Message is one append-only history entry. The populated fields depend on
// Kind; everything the client ever saw (or must see again on replay) is
// derivable from the entry via Event.
type Message struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	Role      Role        `json:"role"`
	StepIndex int         `json:"step_index"`
	Timestamp time.Time   `json:"timestamp"`

	AgentName   string                   `json:"agent_name,omitempty"`
	Text        string                   `json:"text,omitempty"`
	Attachments []protocol.AttachmentRef `json:"attachments,omitempty"`
	TotalSteps  int                      `json:"total_steps,omitempty"`

	Form      json.RawMessage     `json:"form,omitempty"`
	FormID    string              `json:"form_id,omitempty"`
	FormReply *protocol.FormReply `json:"form_reply,omitempty"`

	ToolName     string          `json:"tool_name,omitempty"`
	ToolInputs   map[string]any  `json:"tool_inputs,omitempty"`
	ToolOutput   json.RawMessage `json:"tool_output,omitempty"`
	InvocationID string          `json:"invocation_id,omitempty"`

	// ErrorKind keeps the machine-readable failure classification in
	// history without exposing it on the wire.
	ErrorKind string `json:"error_kind,omitempty"`

	// Pinned turns are never dropped from context windows.
	Pinned bool `json:"pinned,omitempty"`
}

func newMessageID() string {
	return uuid.New().String()
}

// UserText builds a user free-text entry. The triggering message of a
// request is pinned by the orchestrator.
func UserText(stepIndex int, text string, attachments []protocol.AttachmentRef) Message {
	return Message{
		Kind:        KindUserText,
		Role:        RoleUser,
		StepIndex:   stepIndex,
		Text:        text,
		Attachments: attachments,
	}
}

// UserFormReply builds a form submission entry.
func UserFormReply(stepIndex int, reply *protocol.FormReply) Message {
	return Message{
		Kind:      KindUserFormReply,
		Role:      RoleUser,
		StepIndex: stepIndex,
		FormID:    reply.ID,
		FormReply: reply,
	}
}

// AgentMarkdown builds a user-visible chat chunk entry.
func AgentMarkdown(stepIndex int, agentName, text string) Message {
	return Message{
		Kind:      KindAgentMarkdown,
		Role:      RoleAgent,
		StepIndex: stepIndex,
		AgentName: agentName,
		Text:      text,
	}
}

// AgentProgress builds an ephemeral status entry.
func AgentProgress(stepIndex int, agentName, status string) Message {
	return Message{
		Kind:      KindAgentProgress,
		Role:      RoleAgent,
		StepIndex: stepIndex,
		AgentName: agentName,
		Text:      status,
	}
}

// AgentStep builds a step indicator entry (1-based display index derived
// from StepIndex).
func AgentStep(stepIndex, totalSteps int, title string) Message {
	return Message{
		Kind:       KindAgentStep,
		Role:       RoleAgent,
		StepIndex:  stepIndex,
		TotalSteps: totalSteps,
		Text:       title,
	}
}

// FormRequest builds a form request entry carrying the full form.
func FormRequest(stepIndex int, agentName string, form *protocol.Form) Message {
	raw, _ := json.Marshal(form)
	return Message{
		Kind:      KindFormRequest,
		Role:      RoleAgent,
		StepIndex: stepIndex,
		AgentName: agentName,
		FormID:    form.ID,
		Form:      raw,
	}
}

// WorkflowFinished builds the completion entry.
func WorkflowFinished(stepIndex int) Message {
	return Message{
		Kind:      KindWorkflowFinish,
		Role:      RoleAgent,
		StepIndex: stepIndex,
	}
}

// ToolCall builds a tool dispatch entry.
func ToolCall(stepIndex int, agentName, toolName, invocationID string, inputs map[string]any) Message {
	return Message{
		Kind:         KindToolCall,
		Role:         RoleAgent,
		StepIndex:    stepIndex,
		AgentName:    agentName,
		ToolName:     toolName,
		ToolInputs:   inputs,
		InvocationID: invocationID,
	}
}

// ToolResult builds a tool completion entry. errorKind is empty on
// success.
func ToolResult(stepIndex int, toolName, invocationID string, output json.RawMessage, errorKind string) Message {
	return Message{
		Kind:         KindToolResult,
		Role:         RoleTool,
		StepIndex:    stepIndex,
		ToolName:     toolName,
		ToolOutput:   output,
		InvocationID: invocationID,
		ErrorKind:    errorKind,
	}
}

// SystemNote builds an internal bookkeeping entry (cancellations, recovery
// decisions, terminal errors).
func SystemNote(stepIndex int, text, errorKind string) Message {
	return Message{
		Kind:      KindSystemNote,
		Role:      RoleSystem,
		StepIndex: stepIndex,
		Text:      text,
		ErrorKind: errorKind,
	}
}

// Event derives the wire frame for this history entry, or nil for entries
// that are not user-visible (tool traffic, system notes, inbound user
// messages). Replay after a crash re-emits Event over the history suffix.
func (m *Message) Event() *protocol.Envelope {
	switch m.Kind {
	case KindAgentMarkdown:
		return protocol.NewMarkdown(m.Text)
	case KindAgentProgress:
		return protocol.NewProgress(m.Text)
	case KindAgentStep:
		return protocol.NewStepProgress(m.Text, m.StepIndex+1, m.TotalSteps)
	case KindFormRequest:
		var form protocol.Form
		if err := json.Unmarshal(m.Form, &form); err != nil {
			return nil
		}
		return protocol.NewFormRequest(&form)
	case KindWorkflowFinish:
		return protocol.NewWorkflowFinish()
	default:
		return nil
	}
}
