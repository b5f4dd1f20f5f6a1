package llms

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/priam/pkg/config"
	"google.golang.org/genai"
)

// GeminiProvider implements Provider on the Gemini API via the google
// genai SDK.
type GeminiProvider struct {
	config *config.ModelConfig
	client *genai.Client
}

func NewGeminiProviderFromConfig(cfg *config.ModelConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini")
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout),
		},
	}
	if cfg.Host != "" {
		clientConfig.HTTPOptions.BaseURL = cfg.Host
	}

	// Constructors don't take a context, matching the other providers.
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		config: cfg,
		client: client,
	}, nil
}

func (p *GeminiProvider) GetModelName() string {
	return p.config.Model
}

func (p *GeminiProvider) GetMaxTokens() int {
	return p.config.MaxTokens
}

func (p *GeminiProvider) GetTemperature() float64 {
	if p.config.Temperature == nil {
		return 0
	}
	return *p.config.Temperature
}

func (p *GeminiProvider) Close() error {
	return nil
}

func (p *GeminiProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, Usage, error) {
	contents, genConfig := p.buildRequest(messages, tools)

	resp, err := p.client.Models.GenerateContent(ctx, p.config.Model, contents, genConfig)
	if err != nil {
		return "", nil, Usage{}, fmt.Errorf("gemini request failed: %w", err)
	}

	usage := geminiUsage(resp)
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil, usage, fmt.Errorf("empty response from Gemini")
	}

	var text strings.Builder
	var toolCalls []ToolCall
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			toolCalls = append(toolCalls, toolCallFromFunctionCall(part.FunctionCall))
		}
	}

	return text.String(), toolCalls, usage, nil
}

func (p *GeminiProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	contents, genConfig := p.buildRequest(messages, tools)

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)

		var usage Usage
		// Gemini may repeat a function call across chunks with empty IDs,
		// so calls are deduplicated on their stable ID.
		emitted := make(map[string]bool)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.config.Model, contents, genConfig) {
			if err != nil {
				outputCh <- StreamChunk{Type: ChunkError, Error: fmt.Errorf("gemini stream failed: %w", err)}
				return
			}
			if u := geminiUsage(resp); u != (Usage{}) {
				usage = u
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" {
					outputCh <- StreamChunk{Type: ChunkText, Text: part.Text}
				}
				if part.FunctionCall != nil {
					tc := toolCallFromFunctionCall(part.FunctionCall)
					if emitted[tc.ID] {
						continue
					}
					emitted[tc.ID] = true
					outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: &tc}
				}
			}
		}

		outputCh <- StreamChunk{Type: ChunkDone, Usage: usage}
	}()
	return outputCh, nil
}

func (p *GeminiProvider) GenerateStructured(ctx context.Context, messages []Message, constraint *StructuredOutputConfig) (string, Usage, error) {
	contents, genConfig := p.buildRequest(messages, nil)

	if constraint != nil && constraint.Format == "json" {
		genConfig.ResponseMIMEType = "application/json"
		if constraint.Schema != nil {
			genConfig.ResponseSchema = toGenaiSchema(constraint.Schema)
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.config.Model, contents, genConfig)
	if err != nil {
		return "", Usage{}, fmt.Errorf("gemini request failed: %w", err)
	}

	usage := geminiUsage(resp)
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", usage, fmt.Errorf("empty response from Gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	return text.String(), usage, nil
}

func (p *GeminiProvider) buildRequest(messages []Message, tools []ToolDefinition) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemParts []*genai.Part
	var contents []*genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, &genai.Part{Text: msg.Content})

		case RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})

		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.ToolName,
						Response: map[string]any{"result": msg.Content},
					},
				}},
			})

		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: tc.Args,
					},
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		}
	}

	genConfig := &genai.GenerateContentConfig{}
	if len(systemParts) > 0 {
		// System instruction uses the user role.
		genConfig.SystemInstruction = &genai.Content{Role: "user", Parts: systemParts}
	}
	if p.config.Temperature != nil {
		genConfig.Temperature = genai.Ptr(float32(*p.config.Temperature))
	}
	if p.config.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(p.config.MaxTokens)
	}
	for _, tool := range tools {
		genConfig.Tools = append(genConfig.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toGenaiSchema(tool.Parameters),
			}},
		})
	}

	return contents, genConfig
}

func geminiUsage(resp *genai.GenerateContentResponse) Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
	}
}

func toolCallFromFunctionCall(fc *genai.FunctionCall) ToolCall {
	id := fc.ID
	if id == "" {
		id = stableCallID(fc.Name, fc.Args)
	}
	args := fc.Args
	if args == nil {
		args = make(map[string]any)
	}
	return ToolCall{ID: id, Name: fc.Name, Args: args}
}

// stableCallID derives a deterministic ID from the call name and args so
// repeated emissions of the same call map to the same ID.
func stableCallID(name string, args map[string]any) string {
	payload, _ := json.Marshal(map[string]any{"name": name, "args": args})
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("call_%x", sum[:16])
}

// toGenaiSchema converts a JSON schema to the Gemini schema type.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	switch required := schema["required"].(type) {
	case []string:
		s.Required = required
	case []any:
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	switch enum := schema["enum"].(type) {
	case []string:
		s.Enum = enum
	case []any:
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}
