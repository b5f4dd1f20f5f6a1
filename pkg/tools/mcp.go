// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/httpretry"
)

const mcpProtocolVersion = "2024-11-05"

// MCPSource exposes the tools of one MCP server as handler bindings.
// stdio transport uses the mcp-go client against a subprocess; sse and
// streamable-http speak JSON-RPC over the shared retrying HTTP client.
type MCPSource struct {
	name string
	cfg  *config.MCPServerConfig

	mu        sync.Mutex
	stdio     *client.Client
	http      *httpretry.Client
	bindings  map[string]*Binding
	connected bool
	filter    map[string]bool

	sessionMu sync.RWMutex
	sessionID string
}

// NewMCPSource creates a source for the named server. The config is
// expected to have had SetDefaults applied.
func NewMCPSource(name string, cfg *config.MCPServerConfig) *MCPSource {
	var filter map[string]bool
	if len(cfg.Filter) > 0 {
		filter = make(map[string]bool, len(cfg.Filter))
		for _, n := range cfg.Filter {
			filter[n] = true
		}
	}

	return &MCPSource{
		name:     name,
		cfg:      cfg,
		bindings: make(map[string]*Binding),
		filter:   filter,
	}
}

// Name returns the server name from the catalog.
func (s *MCPSource) Name() string {
	return s.name
}

// Discover connects to the server and adapts its tools into bindings.
func (s *MCPSource) Discover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	var err error
	if s.cfg.Transport == "stdio" {
		err = s.connectStdio(ctx)
	} else {
		err = s.connectHTTP(ctx)
	}
	if err != nil {
		return err
	}

	s.connected = true
	slog.Info("Connected to MCP server",
		"server", s.name,
		"transport", s.cfg.Transport,
		"tools", len(s.bindings))
	return nil
}

// Resolve returns the binding for a discovered tool.
func (s *MCPSource) Resolve(handler string) (*Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[handler]
	return b, ok
}

// Handlers lists discovered tool names, sorted.
func (s *MCPSource) Handlers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.bindings))
	for name := range s.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down the server connection.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	s.bindings = make(map[string]*Binding)
	s.http = nil

	if s.stdio != nil {
		err := s.stdio.Close()
		s.stdio = nil
		return err
	}
	return nil
}

// connectStdio starts the subprocess and lists its tools via mcp-go.
// Caller holds s.mu.
func (s *MCPSource) connectStdio(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, envSlice(s.cfg.Env), s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("creating MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("starting MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "priam", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initializing MCP session: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("listing MCP tools: %w", err)
	}

	for _, tool := range listResp.Tools {
		if s.filter != nil && !s.filter[tool.Name] {
			continue
		}
		name := tool.Name
		s.bindings[name] = &Binding{
			Handler:     &mcpStdioHandler{source: s, tool: name},
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		}
	}

	s.stdio = mcpClient
	return nil
}

// connectHTTP initializes a JSON-RPC session and lists tools over HTTP.
// Caller holds s.mu.
func (s *MCPSource) connectHTTP(ctx context.Context) error {
	s.http = httpretry.New(
		httpretry.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpretry.WithMaxRetries(3),
		httpretry.WithBaseDelay(2*time.Second),
	)

	initResp, err := s.rpc(ctx, s.http, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": "priam", "version": "0.1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("initializing MCP session: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP initialize: %s", initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, s.http, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("listing MCP tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP tools/list: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected tools/list result")
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return fmt.Errorf("missing tools in tools/list result")
	}

	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		if name == "" || (s.filter != nil && !s.filter[name]) {
			continue
		}
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]any)

		s.bindings[name] = &Binding{
			Handler:     &mcpHTTPHandler{source: s, tool: name},
			Description: desc,
			InputSchema: schema,
		}
	}

	return nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends one JSON-RPC request. The streamable-http transport threads a
// session id through the mcp-session-id header.
func (s *MCPSource) rpc(ctx context.Context, httpClient *httpretry.Client, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	s.sessionMu.RLock()
	sessionID := s.sessionID
	s.sessionMu.RUnlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		// The retrying client hands back the response alongside
		// terminal status errors.
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get("mcp-session-id"); id != "" {
		s.sessionMu.Lock()
		s.sessionID = id
		s.sessionMu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp.Body)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &rpcResp, nil
}

// readSSEResponse extracts the first complete JSON-RPC message from an
// event stream. The HTTP client timeout bounds the read.
func readSSEResponse(body io.Reader) (*jsonRPCResponse, error) {
	reader := bufio.NewReader(body)
	var data strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading event stream: %w", err)
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
		case trimmed == "" && data.Len() > 0:
			var rpcResp jsonRPCResponse
			if jsonErr := json.Unmarshal([]byte(data.String()), &rpcResp); jsonErr == nil {
				return &rpcResp, nil
			}
			data.Reset()
		}

		if err == io.EOF {
			break
		}
	}

	if data.Len() > 0 {
		var rpcResp jsonRPCResponse
		if err := json.Unmarshal([]byte(data.String()), &rpcResp); err == nil {
			return &rpcResp, nil
		}
	}
	return nil, fmt.Errorf("event stream ended without a complete message")
}

// mcpStdioHandler calls one tool through the mcp-go client.
type mcpStdioHandler struct {
	source *MCPSource
	tool   string
}

func (h *mcpStdioHandler) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	h.source.mu.Lock()
	mcpClient := h.source.stdio
	h.source.mu.Unlock()

	if mcpClient == nil {
		return nil, Transient(fmt.Errorf("MCP server %s not connected", h.source.name))
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = h.tool
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}

	if resp.IsError {
		return nil, Permanent(fmt.Errorf("MCP tool error: %s", textContent(resp)))
	}
	return map[string]any{"result": textContent(resp)}, nil
}

func textContent(resp *mcp.CallToolResult) string {
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// mcpHTTPHandler calls one tool over JSON-RPC.
type mcpHTTPHandler struct {
	source *MCPSource
	tool   string
}

func (h *mcpHTTPHandler) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	h.source.mu.Lock()
	httpClient := h.source.http
	h.source.mu.Unlock()

	if httpClient == nil {
		return nil, Transient(fmt.Errorf("MCP server %s not connected", h.source.name))
	}

	resp, err := h.source.rpc(ctx, httpClient, "tools/call", map[string]any{
		"name":      h.tool,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}
	if resp.Error != nil {
		return nil, Permanent(fmt.Errorf("MCP tool error: %s", resp.Error.Message))
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return map[string]any{"result": resp.Result}, nil
	}

	if isError, _ := resultMap["isError"].(bool); isError {
		return nil, Permanent(fmt.Errorf("MCP tool error: %s", httpTextContent(resultMap)))
	}
	return map[string]any{"result": httpTextContent(resultMap)}, nil
}

func httpTextContent(result map[string]any) string {
	content, ok := result["content"].([]any)
	if !ok {
		return ""
	}

	var texts []string
	for _, item := range content {
		cm, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if cm["type"] == "text" {
			if text, ok := cm["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}
	return strings.Join(texts, "\n")
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
