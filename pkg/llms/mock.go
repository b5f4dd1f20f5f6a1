package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/priam/pkg/config"
)

// MockResponse is one scripted model turn for the mock provider.
type MockResponse struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
	Err       error

	// Delay is applied before responding and respects cancellation.
	Delay time.Duration

	// ChunkRunes splits streamed text into chunks of this many runes.
	// Zero streams the text as a single chunk.
	ChunkRunes int
}

// MockProvider is a scripted model for tests and offline development.
// Scripted responses are consumed in order; once exhausted it echoes the
// last user message, and structured calls synthesize a document matching
// the requested schema.
type MockProvider struct {
	mu          sync.Mutex
	model       string
	temperature float64
	maxTokens   int
	script      []MockResponse
	calls       int
}

func NewMockProvider(model string, responses ...MockResponse) *MockProvider {
	if model == "" {
		model = "mock"
	}
	return &MockProvider{
		model:       model,
		temperature: 0.7,
		maxTokens:   4096,
		script:      responses,
	}
}

func NewMockProviderFromConfig(cfg *config.ModelConfig) (*MockProvider, error) {
	p := NewMockProvider(cfg.Model)
	if cfg.Temperature != nil {
		p.temperature = *cfg.Temperature
	}
	if cfg.MaxTokens > 0 {
		p.maxTokens = cfg.MaxTokens
	}
	return p, nil
}

// Enqueue appends scripted responses.
func (p *MockProvider) Enqueue(responses ...MockResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, responses...)
}

// Calls returns how many generate calls the provider has served.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *MockProvider) GetModelName() string {
	return p.model
}

func (p *MockProvider) GetMaxTokens() int {
	return p.maxTokens
}

func (p *MockProvider) GetTemperature() float64 {
	return p.temperature
}

func (p *MockProvider) Close() error {
	return nil
}

func (p *MockProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, Usage, error) {
	resp, scripted := p.next()
	if err := mockWait(ctx, resp.Delay); err != nil {
		return "", nil, Usage{}, err
	}
	if resp.Err != nil {
		return "", nil, Usage{}, resp.Err
	}

	text := resp.Text
	if !scripted {
		text = "echo: " + lastUserText(messages)
	}
	return text, resp.ToolCalls, estimateUsage(messages, text, resp.Usage), nil
}

func (p *MockProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	resp, scripted := p.next()

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)

		if err := mockWait(ctx, resp.Delay); err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Error: err}
			return
		}
		if resp.Err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Error: resp.Err}
			return
		}

		text := resp.Text
		if !scripted {
			text = "echo: " + lastUserText(messages)
		}
		for _, piece := range splitRunes(text, resp.ChunkRunes) {
			outputCh <- StreamChunk{Type: ChunkText, Text: piece}
		}
		for i := range resp.ToolCalls {
			tc := resp.ToolCalls[i]
			outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: &tc}
		}
		outputCh <- StreamChunk{Type: ChunkDone, Usage: estimateUsage(messages, text, resp.Usage)}
	}()
	return outputCh, nil
}

func (p *MockProvider) GenerateStructured(ctx context.Context, messages []Message, constraint *StructuredOutputConfig) (string, Usage, error) {
	resp, scripted := p.next()
	if err := mockWait(ctx, resp.Delay); err != nil {
		return "", Usage{}, err
	}
	if resp.Err != nil {
		return "", Usage{}, resp.Err
	}

	text := resp.Text
	if !scripted || text == "" {
		text = synthesizeDocument(messages, constraint)
	}
	return text, estimateUsage(messages, text, resp.Usage), nil
}

func (p *MockProvider) next() (MockResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.script) == 0 {
		return MockResponse{}, false
	}
	resp := p.script[0]
	p.script = p.script[1:]
	return resp, true
}

func mockWait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func lastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return "ok"
}

func estimateUsage(messages []Message, text string, scripted Usage) Usage {
	if scripted != (Usage{}) {
		return scripted
	}
	var input int
	for _, msg := range messages {
		input += len(msg.Content)
	}
	return Usage{InputTokens: input / 4, OutputTokens: len(text) / 4}
}

func splitRunes(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	out := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

func synthesizeDocument(messages []Message, constraint *StructuredOutputConfig) string {
	if constraint != nil && constraint.Schema != nil {
		doc, err := json.Marshal(minimalInstance(constraint.Schema))
		if err == nil {
			return string(doc)
		}
	}
	return fmt.Sprintf(`{"output":%q}`, lastUserText(messages))
}

// minimalInstance builds a document satisfying the schema with required
// fields only, picking the first variant of oneOf/anyOf and the first
// enum value.
func minimalInstance(schema map[string]any) any {
	if schema == nil {
		return map[string]any{}
	}
	if v, ok := schema["const"]; ok {
		return v
	}
	switch enum := schema["enum"].(type) {
	case []any:
		if len(enum) > 0 {
			return enum[0]
		}
	case []string:
		if len(enum) > 0 {
			return enum[0]
		}
	}
	for _, key := range []string{"oneOf", "anyOf"} {
		if variants, ok := schema[key].([]any); ok && len(variants) > 0 {
			if variant, ok := variants[0].(map[string]any); ok {
				return minimalInstance(variant)
			}
		}
	}
	if v, ok := schema["default"]; ok {
		return v
	}

	t, _ := schema["type"].(string)
	switch t {
	case "object", "":
		out := make(map[string]any)
		props, _ := schema["properties"].(map[string]any)
		for _, name := range requiredNames(schema) {
			propSchema, _ := props[name].(map[string]any)
			out[name] = minimalInstance(propSchema)
		}
		return out
	case "array":
		minItems := 0
		switch v := schema["minItems"].(type) {
		case int:
			minItems = v
		case float64:
			minItems = int(v)
		}
		items := make([]any, 0, minItems)
		if minItems > 0 {
			itemSchema, _ := schema["items"].(map[string]any)
			for i := 0; i < minItems; i++ {
				items = append(items, minimalInstance(itemSchema))
			}
		}
		return items
	case "string":
		return "mock"
	case "integer", "number":
		return 0
	case "boolean":
		return false
	}
	return map[string]any{}
}

func requiredNames(schema map[string]any) []string {
	switch required := schema["required"].(type) {
	case []string:
		return required
	case []any:
		out := make([]string, 0, len(required))
		for _, r := range required {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
