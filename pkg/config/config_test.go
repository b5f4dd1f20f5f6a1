package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_FullConfig(t *testing.T) {
	configYAML := `
version: "1.0"
name: "procurement"
models:
  default:
    type: mock
agents:
  planner:
    model: default
    instruction: "Break the request into steps"
  worker:
    model: default
    tools: [order_search]
tools:
  order_search:
    description: "Search purchase orders"
    side_effects: read
    timeout: 45s
workflows:
  procurement:
    planner: planner
    executor: worker
    reviewer: planner
permissions:
  default:
    workflow: procurement
  tenant-a:
    workflow: procurement
    allowed_tools: [order_search]
    approval_tools: [order_search]
database:
  driver: sqlite
  database: ":memory:"
session:
  ttl: 1h
  checkpoint:
    backend: sql
    keep_last: 5
server:
  port: 9090
`

	cfg, err := Load([]byte(configYAML))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Version != "1.0" {
		t.Errorf("expected version 1.0, got %s", cfg.Version)
	}
	if cfg.Name != "procurement" {
		t.Errorf("expected name 'procurement', got %s", cfg.Name)
	}
	if len(cfg.Agents) != 2 {
		t.Errorf("expected 2 agents, got %d", len(cfg.Agents))
	}
	if cfg.Agents["planner"].Name != "planner" {
		t.Errorf("agent name should default to its key, got %q", cfg.Agents["planner"].Name)
	}

	tool := cfg.Tools["order_search"]
	if tool == nil {
		t.Fatal("expected tool 'order_search' to exist")
	}
	if tool.Timeout.Duration() != 45*time.Second {
		t.Errorf("tool timeout = %v, want 45s", tool.Timeout.Duration())
	}
	if tool.Version != "v1" {
		t.Errorf("tool version should default to v1, got %q", tool.Version)
	}
	if tool.SideEffects != SideEffectsRead {
		t.Errorf("tool side_effects = %q, want read", tool.SideEffects)
	}
	if tool.Handler != "order_search" {
		t.Errorf("builtin handler should default to the tool key, got %q", tool.Handler)
	}

	wf := cfg.Workflows["procurement"]
	if wf == nil {
		t.Fatal("expected workflow 'procurement' to exist")
	}
	if wf.MaxStepRetries != 2 {
		t.Errorf("max_step_retries = %d, want 2", wf.MaxStepRetries)
	}
	if wf.OnFailure != FailureReview {
		t.Errorf("on_failure with a reviewer should default to review, got %q", wf.OnFailure)
	}

	if cfg.Session.TTL.Duration() != time.Hour {
		t.Errorf("session ttl = %v, want 1h", cfg.Session.TTL.Duration())
	}
	if cfg.Session.Checkpoint.Backend != "sql" {
		t.Errorf("checkpoint backend = %q, want sql", cfg.Session.Checkpoint.Backend)
	}
	if cfg.Session.Checkpoint.KeepLast != 5 {
		t.Errorf("checkpoint keep_last = %d, want 5", cfg.Session.Checkpoint.KeepLast)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("server port = %d, want 9090", cfg.Server.Port)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("PRIAM_TEST_KEY", "expanded-key")

	configYAML := `
models:
  default:
    type: mock
    api_key: ${PRIAM_TEST_KEY}
name: ${PRIAM_MISSING_NAME:-fallback-name}
agents:
  assistant:
    model: default
`

	cfg, err := Load([]byte(configYAML))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Models["default"].APIKey != "expanded-key" {
		t.Errorf("api_key = %q, want expanded-key", cfg.Models["default"].APIKey)
	}
	if cfg.Name != "fallback-name" {
		t.Errorf("name = %q, want fallback-name", cfg.Name)
	}
}

func TestDefault_ZeroConfig(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	cfg, err := Default()
	if err != nil {
		t.Fatalf("failed to build default config: %v", err)
	}

	if _, ok := cfg.Models["default"]; !ok {
		t.Error("expected a default model")
	}
	if cfg.Models["default"].Type != ModelTypeAnthropic {
		t.Errorf("default model type = %q, want anthropic", cfg.Models["default"].Type)
	}

	agent, ok := cfg.Agent(DefaultAgentName)
	if !ok {
		t.Fatalf("expected agent %q", DefaultAgentName)
	}
	if agent.Model != "default" {
		t.Errorf("agent model = %q, want default", agent.Model)
	}

	wf, ok := cfg.Workflow("default")
	if !ok {
		t.Fatal("expected a default workflow")
	}
	if wf.Planner != DefaultAgentName || wf.Executor != DefaultAgentName {
		t.Errorf("default workflow should use %q for planner and executor, got %q/%q",
			DefaultAgentName, wf.Planner, wf.Executor)
	}
	if wf.OnFailure != FailureRetry {
		t.Errorf("on_failure without a reviewer should default to retry, got %q", wf.OnFailure)
	}

	policy, ok := cfg.Policy("any-tenant")
	if !ok {
		t.Fatal("expected the default policy to cover unknown tenants")
	}
	if !policy.AllowsTool("anything") || !policy.AllowsAgent(DefaultAgentName) {
		t.Error("default policy should allow all tools and agents")
	}
}

func TestLoad_ReferenceValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "agent references unknown model",
			yaml: `
models:
  default:
    type: mock
agents:
  assistant:
    model: missing
`,
		},
		{
			name: "agent references unknown tool",
			yaml: `
models:
  default:
    type: mock
agents:
  assistant:
    model: default
    tools: [missing]
`,
		},
		{
			name: "agent references unknown delegate",
			yaml: `
models:
  default:
    type: mock
agents:
  assistant:
    model: default
    delegates: [missing]
`,
		},
		{
			name: "workflow references unknown agent",
			yaml: `
models:
  default:
    type: mock
agents:
  assistant:
    model: default
workflows:
  broken:
    planner: assistant
    executor: missing
`,
		},
		{
			name: "permissions reference unknown workflow",
			yaml: `
models:
  default:
    type: mock
agents:
  assistant:
    model: default
permissions:
  tenant-a:
    workflow: missing
`,
		},
		{
			name: "mcp tool references unknown server",
			yaml: `
models:
  default:
    type: mock
agents:
  assistant:
    model: default
tools:
  remote:
    runtime: mcp
    server: missing
`,
		},
		{
			name: "sql checkpoints without a database",
			yaml: `
models:
  default:
    type: mock
agents:
  assistant:
    model: default
session:
  checkpoint:
    backend: sql
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load([]byte(tt.yaml)); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadFile_NotFound(t *testing.T) {
	if _, err := LoadFile("/nonexistent/file.yaml"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestLoadFile_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
version: "1.0"
agents:
  - invalid: [unclosed
`
	if err := os.WriteFile(configFile, []byte(invalidYAML), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	if _, err := LoadFile(configFile); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadFile_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "priam.yaml")

	configYAML := `
name: "file-config"
models:
  default:
    type: mock
agents:
  assistant:
    model: default
`
	if err := os.WriteFile(configFile, []byte(configYAML), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	cfg, err := LoadFile(configFile)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Name != "file-config" {
		t.Errorf("name = %q, want file-config", cfg.Name)
	}
}

func TestPolicy_Fallback(t *testing.T) {
	cfg := &Config{
		Permissions: map[string]*TenantPolicyConfig{
			"default":  {Workflow: "default"},
			"tenant-a": {Workflow: "special", AllowedTools: []string{"order_search"}},
		},
	}

	if p, ok := cfg.Policy("tenant-a"); !ok || p.Workflow != "special" {
		t.Errorf("expected tenant-a to use its own policy, got %+v", p)
	}
	if p, ok := cfg.Policy("tenant-b"); !ok || p.Workflow != "default" {
		t.Errorf("expected tenant-b to fall back to the default policy, got %+v", p)
	}

	empty := &Config{}
	if _, ok := empty.Policy("tenant-a"); ok {
		t.Error("expected no policy when none are configured")
	}
}

func TestPolicy_Matching(t *testing.T) {
	policy := &TenantPolicyConfig{
		AllowedTools:  []string{"order_search", "create_po"},
		AllowedAgents: []string{"*"},
		ApprovalTools: []string{"create_po"},
	}
	policy.SetDefaults()

	if !policy.AllowsTool("order_search") {
		t.Error("expected order_search to be allowed")
	}
	if policy.AllowsTool("rm_rf") {
		t.Error("expected unlisted tool to be denied")
	}
	if !policy.AllowsAgent("anyone") {
		t.Error("wildcard should allow any agent")
	}
	if !policy.RequiresApproval("create_po") {
		t.Error("expected create_po to require approval")
	}
	if policy.RequiresApproval("order_search") {
		t.Error("order_search should not require approval")
	}
}

func TestDurationDecoding(t *testing.T) {
	configYAML := `
models:
  default:
    type: mock
    timeout: 90s
agents:
  assistant:
    model: default
tools:
  slow:
    timeout: 2m
    retry:
      max_attempts: 5
      base_delay: 500ms
`

	cfg, err := Load([]byte(configYAML))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Models["default"].Timeout.Duration() != 90*time.Second {
		t.Errorf("model timeout = %v, want 90s", cfg.Models["default"].Timeout.Duration())
	}
	if cfg.Tools["slow"].Timeout.Duration() != 2*time.Minute {
		t.Errorf("tool timeout = %v, want 2m", cfg.Tools["slow"].Timeout.Duration())
	}
	retry := cfg.Tools["slow"].Retry
	if retry == nil {
		t.Fatal("expected retry config")
	}
	if retry.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want 5", retry.MaxAttempts)
	}
	if retry.BaseDelay.Duration() != 500*time.Millisecond {
		t.Errorf("base_delay = %v, want 500ms", retry.BaseDelay.Duration())
	}
}
