// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package llms

import "context"

// Role identifies who produced a message in a model conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a model conversation. Tool results use RoleTool
// with ToolCallID referencing the assistant call they answer.
type Message struct {
	Role    Role
	Content string

	// ToolCalls are set on assistant messages that requested tools.
	ToolCalls []ToolCall

	// ToolCallID and ToolName are set on tool result messages.
	ToolCallID string
	ToolName   string

	// IsError marks a tool result carrying an error payload.
	IsError bool
}

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolDefinition describes a tool the model may call. Parameters is a
// JSON schema for the tool's input object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage reports token consumption for a single model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates another usage report into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ChunkType discriminates streaming chunks.
type ChunkType string

const (
	// ChunkText carries a text delta.
	ChunkText ChunkType = "text"
	// ChunkToolCall carries one complete tool call.
	ChunkToolCall ChunkType = "tool_call"
	// ChunkDone terminates the stream and carries final usage.
	ChunkDone ChunkType = "done"
	// ChunkError terminates the stream with an error.
	ChunkError ChunkType = "error"
)

// StreamChunk is one unit of a streaming model response. The channel is
// closed after a ChunkDone or ChunkError chunk.
type StreamChunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCall
	Usage    Usage
	Error    error
}

// StructuredOutputConfig constrains a model call to emit a JSON document.
type StructuredOutputConfig struct {
	// Format is the output format. Only "json" is supported.
	Format string
	// Schema is the JSON schema the output must satisfy.
	Schema map[string]any
	// Prefill seeds the assistant response on providers that support it.
	Prefill string
}

// Provider is a chat completion model. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Generate returns the complete response for one model call: text
	// content, any tool calls the model issued, and token usage.
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, Usage, error)

	// GenerateStreaming streams the response as text deltas and tool calls.
	// The returned channel is closed after a done or error chunk.
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	// GenerateStructured constrains the response to a JSON document
	// satisfying constraint.Schema and returns it as a string.
	GenerateStructured(ctx context.Context, messages []Message, constraint *StructuredOutputConfig) (string, Usage, error)

	// GetModelName returns the configured model identifier.
	GetModelName() string

	// GetMaxTokens returns the configured output token limit.
	GetMaxTokens() int

	// GetTemperature returns the configured sampling temperature.
	GetTemperature() float64

	// Close releases provider resources.
	Close() error
}
