package llms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/httpretry"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider on the OpenAI chat completions API.
// It also serves OpenAI-compatible gateways via the host setting, so an
// empty API key is allowed.
type OpenAIProvider struct {
	config *config.ModelConfig
	client *openai.Client
}

func NewOpenAIProviderFromConfig(cfg *config.ModelConfig) (*OpenAIProvider, error) {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Host != "" {
		clientConfig.BaseURL = cfg.Host
	}
	clientConfig.HTTPClient = httpretry.New(
		httpretry.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout),
		}),
		httpretry.WithMaxRetries(cfg.MaxRetries),
		httpretry.WithHeaderParser(httpretry.ParseOpenAIHeaders),
	)

	return &OpenAIProvider{
		config: cfg,
		client: openai.NewClientWithConfig(clientConfig),
	}, nil
}

func (p *OpenAIProvider) GetModelName() string {
	return p.config.Model
}

func (p *OpenAIProvider) GetMaxTokens() int {
	return p.config.MaxTokens
}

func (p *OpenAIProvider) GetTemperature() float64 {
	if p.config.Temperature == nil {
		return 0
	}
	return *p.config.Temperature
}

func (p *OpenAIProvider) Close() error {
	return nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, Usage, error) {
	req := p.buildRequest(messages, tools)

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", nil, Usage{}, fmt.Errorf("openai request failed: %w", err)
	}

	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	if len(resp.Choices) == 0 {
		return "", nil, usage, fmt.Errorf("openai returned no choices")
	}

	choice := resp.Choices[0].Message
	toolCalls, err := parseToolCalls(choice.ToolCalls)
	if err != nil {
		return "", nil, usage, err
	}

	return choice.Content, toolCalls, usage, nil
}

func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	req := p.buildRequest(messages, tools)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)
		defer stream.Close()
		p.processStream(stream, outputCh)
	}()
	return outputCh, nil
}

func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, outputCh chan<- StreamChunk) {
	// Tool call fragments arrive spread over chunks keyed by index.
	pending := make(map[int]*openai.ToolCall)
	var order []int
	var usage Usage

	flush := func() {
		for _, index := range order {
			acc := pending[index]
			if acc == nil || acc.ID == "" || acc.Function.Name == "" {
				continue
			}
			// Undecodable arguments still emit the call with empty args
			// and surface downstream as a validation failure.
			args := make(map[string]any)
			if acc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(acc.Function.Arguments), &args); err != nil {
					args = make(map[string]any)
				}
			}
			outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: &ToolCall{
				ID:   acc.ID,
				Name: acc.Function.Name,
				Args: args,
			}}
		}
		pending = make(map[int]*openai.ToolCall)
		order = nil
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				outputCh <- StreamChunk{Type: ChunkDone, Usage: usage}
				return
			}
			outputCh <- StreamChunk{Type: ChunkError, Error: fmt.Errorf("openai stream failed: %w", err)}
			return
		}

		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			outputCh <- StreamChunk{Type: ChunkText, Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc := pending[index]
			if acc == nil {
				acc = &openai.ToolCall{}
				pending[index] = acc
				order = append(order, index)
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func (p *OpenAIProvider) GenerateStructured(ctx context.Context, messages []Message, constraint *StructuredOutputConfig) (string, Usage, error) {
	req := p.buildRequest(messages, nil)

	if constraint != nil && constraint.Format == "json" {
		if constraint.Schema != nil {
			raw, err := json.Marshal(constraint.Schema)
			if err != nil {
				return "", Usage{}, fmt.Errorf("failed to marshal schema: %w", err)
			}
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
					Name:   "response",
					Schema: json.RawMessage(raw),
					Strict: true,
				},
			}
		} else {
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("openai request failed: %w", err)
	}

	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	if len(resp.Choices) == 0 {
		return "", usage, fmt.Errorf("openai returned no choices")
	}

	return resp.Choices[0].Message.Content, usage, nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, tools []ToolDefinition) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    p.config.Model,
		Messages: p.buildMessages(messages),
	}

	// Reasoning models reject max_tokens and non-default temperature.
	if isReasoningModel(p.config.Model) {
		req.MaxCompletionTokens = p.config.MaxTokens
		req.Temperature = 1.0
	} else {
		req.MaxTokens = p.config.MaxTokens
		if p.config.Temperature != nil {
			req.Temperature = float32(*p.config.Temperature)
		}
	}

	if len(tools) > 0 {
		converted := make([]openai.Tool, len(tools))
		for i, tool := range tools {
			converted[i] = openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			}
		}
		req.Tools = converted
	}

	return req
}

func (p *OpenAIProvider) buildMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		converted := openai.ChatCompletionMessage{Content: msg.Content}

		switch msg.Role {
		case RoleSystem:
			converted.Role = openai.ChatMessageRoleSystem
		case RoleUser:
			converted.Role = openai.ChatMessageRoleUser
		case RoleTool:
			converted.Role = openai.ChatMessageRoleTool
			converted.ToolCallID = msg.ToolCallID
		case RoleAssistant:
			converted.Role = openai.ChatMessageRoleAssistant
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					args = []byte("{}")
				}
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
		default:
			continue
		}

		out = append(out, converted)
	}
	return out
}

func parseToolCalls(calls []openai.ToolCall) ([]ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, tc := range calls {
		args := make(map[string]any)
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to decode arguments for tool %s: %w", tc.Function.Name, err)
			}
		}
		out = append(out, ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	return out, nil
}

// isReasoningModel reports whether the model is an o-series or gpt-5
// reasoning model, which use max_completion_tokens and a fixed
// temperature of 1.0.
func isReasoningModel(modelName string) bool {
	model := strings.ToLower(modelName)
	if model == "o1" || model == "o3" || model == "o4" || model == "gpt-5" {
		return true
	}
	for _, prefix := range []string{"o1-", "o3-", "o4-", "gpt-5-"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}
