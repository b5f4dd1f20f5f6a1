// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/priam/pkg/assembler"
	"github.com/kadirpekel/priam/pkg/llms"
	"github.com/kadirpekel/priam/pkg/protocol"
	"github.com/kadirpekel/priam/pkg/session"
)

// renderMessages turns a context bundle into the model conversation for
// one turn: system prompt, the conversation window, then the current
// step's tool results as a synthetic call/result round-trip.
func renderMessages(spec AgentSpec, b *assembler.Bundle) []llms.Message {
	msgs := make([]llms.Message, 0, len(b.Turns)+len(b.StepResults)+2)
	msgs = append(msgs, llms.Message{Role: llms.RoleSystem, Content: systemPrompt(spec, b)})
	for _, turn := range b.Turns {
		if m, ok := turnMessage(turn); ok {
			msgs = append(msgs, m)
		}
	}
	return append(msgs, stepResultMessages(b.StepResults)...)
}

func turnMessage(msg session.Message) (llms.Message, bool) {
	switch msg.Kind {
	case session.KindUserText:
		return llms.Message{Role: llms.RoleUser, Content: renderUserText(msg)}, true
	case session.KindUserFormReply:
		return llms.Message{Role: llms.RoleUser, Content: renderFormReply(msg.FormReply)}, true
	case session.KindAgentMarkdown:
		return llms.Message{Role: llms.RoleAssistant, Content: msg.Text}, true
	case session.KindFormRequest:
		return llms.Message{Role: llms.RoleAssistant, Content: renderFormRequest(msg.Form)}, true
	}
	return llms.Message{}, false
}

// renderUserText appends attachment references to the user's text so the
// model can route them to tools like attachment_parse.
func renderUserText(msg session.Message) string {
	if len(msg.Attachments) == 0 {
		return msg.Text
	}
	var sb strings.Builder
	sb.WriteString(msg.Text)
	for _, att := range msg.Attachments {
		fmt.Fprintf(&sb, "\n[attached %s: %s]", att.Kind, att.Ref)
	}
	return sb.String()
}

// renderFormReply flattens a form submission into model-readable text.
// Keys are sorted so rendering is deterministic.
func renderFormReply(reply *protocol.FormReply) string {
	var sb strings.Builder
	sb.WriteString("The user submitted the requested form.")
	if reply == nil || len(reply.Values) == 0 {
		return sb.String()
	}
	keys := make([]string, 0, len(reply.Values))
	for k := range reply.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s: %v", k, reply.Values[k])
	}
	return sb.String()
}

func renderFormRequest(raw json.RawMessage) string {
	var form protocol.Form
	if err := json.Unmarshal(raw, &form); err != nil || form.Title == "" {
		return "[requested user input via form]"
	}
	return fmt.Sprintf("[requested user input via form %q]", form.Title)
}

// stepResultMessages renders the step's tool results as one assistant
// message carrying the calls followed by their results, the pairing
// providers require.
func stepResultMessages(results []session.Message) []llms.Message {
	if len(results) == 0 {
		return nil
	}
	calls := make([]llms.ToolCall, 0, len(results))
	for _, res := range results {
		calls = append(calls, llms.ToolCall{ID: res.InvocationID, Name: res.ToolName})
	}
	out := make([]llms.Message, 0, len(results)+1)
	out = append(out, llms.Message{Role: llms.RoleAssistant, ToolCalls: calls})
	for _, res := range results {
		content := string(res.ToolOutput)
		isErr := res.ErrorKind != ""
		if content == "" && isErr {
			content = fmt.Sprintf("tool failed: %s", res.ErrorKind)
		}
		out = append(out, llms.Message{
			Role:       llms.RoleTool,
			Content:    content,
			ToolCallID: res.InvocationID,
			ToolName:   res.ToolName,
			IsError:    isErr,
		})
	}
	return out
}

func systemPrompt(spec AgentSpec, b *assembler.Bundle) string {
	var sb strings.Builder
	instruction := strings.TrimSpace(spec.Instruction)
	if instruction == "" {
		instruction = fmt.Sprintf("You are %s, one agent in a multi-agent workflow.", spec.Name)
	}
	sb.WriteString(instruction)

	fmt.Fprintf(&sb, "\n\n## Current step\nStep %d: %s", b.Step.Index+1, b.Step.Title)
	if len(b.Step.Inputs) > 0 {
		if raw, err := json.Marshal(b.Step.Inputs); err == nil {
			fmt.Fprintf(&sb, "\nInputs: %s", raw)
		}
	}

	sb.WriteString("\n\n## Control actions\n")
	sb.WriteString("Everything you write streams to the user as markdown. " +
		"Call finish_step with a short result summary once the step's objective is met, " +
		"or fail_step with the reason it cannot be. " +
		"Use emit_progress for one-line status updates, " +
		"request_form when you need structured input from the user, " +
		"and memory_write to keep a fact for later steps.")
	if len(b.Peers) > 0 {
		sb.WriteString(" Use delegate to hand the step to a better-suited peer.")
	}

	if len(b.Memory) > 0 {
		sb.WriteString("\n\n## Session memory\n")
		for _, item := range b.Memory {
			fmt.Fprintf(&sb, "- %s: %s\n", item.Item.Key, item.Item.Value)
		}
	}

	if len(b.Peers) > 0 {
		sb.WriteString("\n\n## Peers\n")
		for _, peer := range b.Peers {
			if peer.Description != "" {
				fmt.Fprintf(&sb, "- %s: %s\n", peer.Name, peer.Description)
			} else {
				fmt.Fprintf(&sb, "- %s\n", peer.Name)
			}
		}
	}
	return sb.String()
}

// toolDefinitions converts the bundle's tool descriptors and appends the
// control actions.
func toolDefinitions(b *assembler.Bundle) []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(b.Tools)+7)
	for _, desc := range b.Tools {
		params := desc.InputSchema
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		defs = append(defs, llms.ToolDefinition{
			Name:        desc.Name,
			Description: desc.Description,
			Parameters:  params,
		})
	}
	return append(defs, reservedDefinitions(len(b.Peers) > 0)...)
}
