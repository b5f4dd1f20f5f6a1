// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kadirpekel/priam/pkg/llms"
	"github.com/kadirpekel/priam/pkg/protocol"
)

// ErrMalformedAction marks model output that failed action parsing even
// after the constrained retry. It is not retryable.
var ErrMalformedAction = errors.New("malformed agent action")

// ActionType discriminates agent actions.
type ActionType string

const (
	ActionMarkdown    ActionType = "emit_markdown"
	ActionProgress    ActionType = "emit_progress"
	ActionCallTool    ActionType = "call_tool"
	ActionRequestForm ActionType = "request_form"
	ActionDelegate    ActionType = "delegate"
	ActionMemoryWrite ActionType = "memory_write"
	ActionFinishStep  ActionType = "finish_step"
	ActionFailStep    ActionType = "fail_step"
	ActionError       ActionType = "error"
)

// reservedActions maps control tool names the model may call to their
// action types. Any other tool name is a native call routed through the
// tool registry.
var reservedActions = map[string]ActionType{
	"emit_progress": ActionProgress,
	"request_form":  ActionRequestForm,
	"delegate":      ActionDelegate,
	"memory_write":  ActionMemoryWrite,
	"finish_step":   ActionFinishStep,
	"fail_step":     ActionFailStep,
}

// ToolRequest is one tool call the agent asked for.
type ToolRequest struct {
	ID     string
	Name   string
	Inputs map[string]any
}

// DelegateRequest hands the current step to a peer agent.
type DelegateRequest struct {
	Agent  string
	Inputs map[string]any
}

// MemoryWrite stores a distilled fact in the session's runtime memory.
type MemoryWrite struct {
	Key   string
	Value string
	Pin   bool
}

// Action is one structured output of an agent turn. The populated fields
// depend on Type.
type Action struct {
	Type ActionType

	// Text carries the markdown of emit_markdown, the status line of
	// emit_progress, the step output of finish_step, and the failure
	// reason of fail_step.
	Text string

	// Calls is set on call_tool. More than one call is a batch the
	// orchestrator runs in parallel.
	Calls []ToolRequest

	Form     *protocol.Form
	Delegate *DelegateRequest
	Memory   *MemoryWrite

	// Err is set on error actions.
	Err error

	// Usage is the turn's token consumption, set on the terminal action.
	Usage llms.Usage
}

// Terminal reports whether the action ends the agent turn and decides how
// the orchestrator leaves the Executing state.
func (a *Action) Terminal() bool {
	switch a.Type {
	case ActionCallTool, ActionRequestForm, ActionDelegate,
		ActionFinishStep, ActionFailStep, ActionError:
		return true
	}
	return false
}

// parseReservedCall turns a control tool call into its action. Errors
// here mean the model produced malformed arguments and trigger the
// constrained retry.
func parseReservedCall(call llms.ToolCall) (*Action, error) {
	switch reservedActions[call.Name] {
	case ActionProgress:
		status := stringArg(call.Args, "status")
		if status == "" {
			return nil, fmt.Errorf("emit_progress needs a status")
		}
		return &Action{Type: ActionProgress, Text: status}, nil

	case ActionMemoryWrite:
		key := stringArg(call.Args, "key")
		value := stringArg(call.Args, "value")
		if key == "" || value == "" {
			return nil, fmt.Errorf("memory_write needs key and value")
		}
		return &Action{Type: ActionMemoryWrite, Memory: &MemoryWrite{
			Key:   key,
			Value: value,
			Pin:   boolArg(call.Args, "pin"),
		}}, nil

	case ActionRequestForm:
		form, err := parseForm(call.Args["form"])
		if err != nil {
			return nil, fmt.Errorf("request_form: %w", err)
		}
		return &Action{Type: ActionRequestForm, Form: form}, nil

	case ActionDelegate:
		target := stringArg(call.Args, "agent")
		if target == "" {
			return nil, fmt.Errorf("delegate needs an agent name")
		}
		inputs, _ := call.Args["inputs"].(map[string]any)
		return &Action{Type: ActionDelegate, Delegate: &DelegateRequest{
			Agent:  target,
			Inputs: inputs,
		}}, nil

	case ActionFinishStep:
		return &Action{Type: ActionFinishStep, Text: stringArg(call.Args, "output")}, nil

	case ActionFailStep:
		reason := stringArg(call.Args, "reason")
		if reason == "" {
			return nil, fmt.Errorf("fail_step needs a reason")
		}
		return &Action{Type: ActionFailStep, Text: reason}, nil
	}
	return nil, fmt.Errorf("unknown action %q", call.Name)
}

// ParseActionDocument parses the single-action JSON document produced
// under the constrained retry.
func ParseActionDocument(doc string) (*Action, error) {
	var envelope struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal([]byte(doc), &envelope); err != nil {
		return nil, fmt.Errorf("parsing action document: %w", err)
	}
	if envelope.Action == "" {
		return nil, fmt.Errorf("action document names no action")
	}
	return parseReservedCall(llms.ToolCall{Name: envelope.Action, Args: envelope.Params})
}

// parseForm decodes a form specification from tool call arguments. Forms
// arriving without an id are assigned one; the reply routes back by it.
func parseForm(raw any) (*protocol.Form, error) {
	if raw == nil {
		return nil, fmt.Errorf("no form given")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding form: %w", err)
	}
	var form protocol.Form
	if err := json.Unmarshal(data, &form); err != nil {
		return nil, fmt.Errorf("decoding form: %w", err)
	}
	if form.ID == "" {
		form.ID = uuid.New().String()
	}
	if err := form.Validate(); err != nil {
		return nil, err
	}
	return &form, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// ============================================================================
// Action schemas
// ============================================================================

// ActionSchema is the aggregate schema used when the model must be
// constrained to a single action document after a malformed turn.
func ActionSchema() map[string]any {
	return map[string]any{
		"oneOf": []any{
			actionVariant("finish_step", finishParams()),
			actionVariant("fail_step", failParams()),
			actionVariant("emit_progress", progressParams()),
			actionVariant("memory_write", memoryParams()),
			actionVariant("delegate", delegateParams()),
			actionVariant("request_form", formParams()),
		},
	}
}

func actionVariant(name string, params map[string]any) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{"const": name},
			"params": params,
		},
		"required": []string{"action", "params"},
	}
}

// reservedDefinitions returns the control actions exposed to the model as
// callable tools. delegate is offered only when the agent has peers.
func reservedDefinitions(hasPeers bool) []llms.ToolDefinition {
	defs := []llms.ToolDefinition{
		{
			Name:        "finish_step",
			Description: "Mark the current step done. Call once the step's objective is met.",
			Parameters:  finishParams(),
		},
		{
			Name:        "fail_step",
			Description: "Mark the current step failed when its objective cannot be met.",
			Parameters:  failParams(),
		},
		{
			Name:        "emit_progress",
			Description: "Show the user a one-line ephemeral status while you work.",
			Parameters:  progressParams(),
		},
		{
			Name:        "memory_write",
			Description: "Keep a distilled fact available to later steps of this session.",
			Parameters:  memoryParams(),
		},
		{
			Name:        "request_form",
			Description: "Ask the user for structured input. The session suspends until they reply.",
			Parameters:  formParams(),
		},
	}
	if hasPeers {
		defs = append(defs, llms.ToolDefinition{
			Name:        "delegate",
			Description: "Hand the current step to a better-suited peer agent.",
			Parameters:  delegateParams(),
		})
	}
	return defs
}

func finishParams() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"output": map[string]any{
				"type":        "string",
				"description": "Short result summary for downstream steps",
			},
		},
	}
}

func failParams() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{"type": "string"},
		},
		"required": []string{"reason"},
	}
}

func progressParams() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{"type": "string"},
		},
		"required": []string{"status"},
	}
}

func memoryParams() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key":   map[string]any{"type": "string"},
			"value": map[string]any{"type": "string"},
			"pin": map[string]any{
				"type":        "boolean",
				"description": "Pinned facts survive memory eviction",
			},
		},
		"required": []string{"key", "value"},
	}
}

func delegateParams() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent":  map[string]any{"type": "string"},
			"inputs": map[string]any{"type": "object"},
		},
		"required": []string{"agent"},
	}
}

func formParams() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"form": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{"type": "string"},
					"fields": map[string]any{
						"type":     "array",
						"minItems": 1,
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"type": map[string]any{
									"type": "string",
									"enum": []string{"text", "select", "number", "checkbox", "date", "file"},
								},
								"key":         map[string]any{"type": "string"},
								"label":       map[string]any{"type": "string"},
								"required":    map[string]any{"type": "boolean"},
								"placeholder": map[string]any{"type": "string"},
								"options": map[string]any{
									"type": "array",
									"items": map[string]any{
										"type": "object",
										"properties": map[string]any{
											"value": map[string]any{"type": "string"},
											"label": map[string]any{"type": "string"},
										},
										"required": []string{"value", "label"},
									},
								},
							},
							"required": []string{"type", "key", "label"},
						},
					},
				},
				"required": []string{"fields"},
			},
		},
		"required": []string{"form"},
	}
}
