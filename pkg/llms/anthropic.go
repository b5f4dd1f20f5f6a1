package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/httpretry"
)

// AnthropicProvider implements Provider on the Anthropic Messages API.
type AnthropicProvider struct {
	config *config.ModelConfig
	client anthropic.Client
}

func NewAnthropicProviderFromConfig(cfg *config.ModelConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}

	// Retries are delegated to the injected client, which honors the
	// anthropic rate limit headers. SDK-internal retries are disabled.
	retry := httpretry.New(
		httpretry.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout),
		}),
		httpretry.WithMaxRetries(cfg.MaxRetries),
		httpretry.WithHeaderParser(httpretry.ParseAnthropicHeaders),
	)

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(retry),
		option.WithMaxRetries(0),
	}
	if cfg.Host != "" {
		opts = append(opts, option.WithBaseURL(cfg.Host))
	}

	return &AnthropicProvider{
		config: cfg,
		client: anthropic.NewClient(opts...),
	}, nil
}

func (p *AnthropicProvider) GetModelName() string {
	return p.config.Model
}

func (p *AnthropicProvider) GetMaxTokens() int {
	return p.config.MaxTokens
}

func (p *AnthropicProvider) GetTemperature() float64 {
	if p.config.Temperature == nil {
		return 0
	}
	return *p.config.Temperature
}

func (p *AnthropicProvider) Close() error {
	return nil
}

func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, Usage, error) {
	params, err := p.buildParams(messages, tools)
	if err != nil {
		return "", nil, Usage{}, err
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", nil, Usage{}, fmt.Errorf("anthropic request failed: %w", err)
	}

	usage := Usage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}

	var text strings.Builder
	var toolCalls []ToolCall
	for _, block := range message.Content {
		switch block := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(block.Text)
		case anthropic.ToolUseBlock:
			args := make(map[string]any)
			if raw := block.JSON.Input.Raw(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return "", nil, usage, fmt.Errorf("failed to decode input for tool %s: %w", block.Name, err)
				}
			}
			toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Args: args})
		}
	}

	return text.String(), toolCalls, usage, nil
}

func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	params, err := p.buildParams(messages, tools)
	if err != nil {
		return nil, err
	}

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)
		p.stream(ctx, params, outputCh)
	}()
	return outputCh, nil
}

func (p *AnthropicProvider) stream(ctx context.Context, params anthropic.MessageNewParams, outputCh chan<- StreamChunk) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var usage Usage
	var currentTool *ToolCall
	var toolJSON strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			usage.InputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolJSON.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					outputCh <- StreamChunk{Type: ChunkText, Text: delta.Text}
				}
			case "input_json_delta":
				toolJSON.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				// Undecodable input still emits the call with empty args
				// and surfaces downstream as a validation failure.
				args := make(map[string]any)
				if buf := toolJSON.String(); buf != "" {
					if err := json.Unmarshal([]byte(buf), &args); err != nil {
						args = make(map[string]any)
					}
				}
				currentTool.Args = args
				outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: currentTool}
				currentTool = nil
			}

		case "message_delta":
			if tokens := event.AsMessageDelta().Usage.OutputTokens; tokens > 0 {
				usage.OutputTokens = int(tokens)
			}
		}
	}

	if err := stream.Err(); err != nil {
		outputCh <- StreamChunk{Type: ChunkError, Error: fmt.Errorf("anthropic stream failed: %w", err)}
		return
	}

	outputCh <- StreamChunk{Type: ChunkDone, Usage: usage}
}

func (p *AnthropicProvider) GenerateStructured(ctx context.Context, messages []Message, constraint *StructuredOutputConfig) (string, Usage, error) {
	params, err := p.buildParams(messages, nil)
	if err != nil {
		return "", Usage{}, err
	}

	// The Messages API has no native schema constraint. The schema goes
	// into the system prompt and the response is prefilled to anchor the
	// model on JSON output.
	if prompt := schemaSystemPrompt(constraint); prompt != "" {
		params.System = append(params.System, anthropic.TextBlockParam{Text: prompt})
	}

	prefill := ""
	if constraint != nil && constraint.Format == "json" {
		prefill = "{"
		if constraint.Prefill != "" {
			prefill = constraint.Prefill
		}
		params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(prefill)))
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", Usage{}, fmt.Errorf("anthropic request failed: %w", err)
	}

	usage := Usage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}

	var text strings.Builder
	text.WriteString(prefill)
	for _, block := range message.Content {
		if block, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(block.Text)
		}
	}

	return text.String(), usage, nil
}

func (p *AnthropicProvider) buildParams(messages []Message, tools []ToolDefinition) (anthropic.MessageNewParams, error) {
	var system []anthropic.TextBlockParam
	converted := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})

		case RoleUser:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case RoleTool:
			converted = append(converted, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError)))

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if args == nil {
					args = make(map[string]any)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			converted = append(converted, anthropic.NewAssistantMessage(blocks...))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.config.Model),
		Messages:  converted,
		MaxTokens: int64(p.config.MaxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}
	if p.config.Temperature != nil {
		params.Temperature = anthropic.Float(*p.config.Temperature)
	}

	if len(tools) > 0 {
		anthropicTools, err := convertAnthropicTools(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = anthropicTools
	}

	return params, nil
}

func convertAnthropicTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schema for tool %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("failed to convert schema for tool %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if tool.Description != "" {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, toolParam)
	}
	return out, nil
}

// schemaSystemPrompt renders a structured output schema as prompt text for
// providers without a native schema constraint.
func schemaSystemPrompt(constraint *StructuredOutputConfig) string {
	if constraint == nil || constraint.Schema == nil {
		return ""
	}

	schemaJSON, err := json.MarshalIndent(constraint.Schema, "", "  ")
	if err != nil {
		return ""
	}

	return fmt.Sprintf(`You must respond with valid JSON matching this exact schema:

%s

Important:
- Output ONLY valid JSON, no other text
- All required fields must be present
- Follow the exact structure specified
- Use correct data types for each field`, string(schemaJSON))
}
