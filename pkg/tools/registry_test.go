package tools

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kadirpekel/priam/pkg/config"
)

type stubSource struct {
	name      string
	bindings  map[string]*Binding
	discovers int
	closed    bool
	failWith  error
}

func newStubSource(name string) *stubSource {
	return &stubSource{name: name, bindings: make(map[string]*Binding)}
}

func (s *stubSource) add(handler string, b *Binding) *stubSource {
	s.bindings[handler] = b
	return s
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Discover(ctx context.Context) error {
	s.discovers++
	return s.failWith
}

func (s *stubSource) Resolve(handler string) (*Binding, bool) {
	b, ok := s.bindings[handler]
	return b, ok
}

func (s *stubSource) Handlers() []string {
	names := make([]string, 0, len(s.bindings))
	for name := range s.bindings {
		names = append(names, name)
	}
	return names
}

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

func noopHandler(out map[string]any) Handler {
	return HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return out, nil
	})
}

func toolConfig(mut func(*config.ToolConfig)) *config.ToolConfig {
	cfg := &config.ToolConfig{}
	if mut != nil {
		mut(cfg)
	}
	cfg.SetDefaults()
	return cfg
}

func execConfig() config.ToolExecutionConfig {
	return config.ToolExecutionConfig{
		MaxConcurrent: 16,
		CancelGrace:   config.Duration(time.Second),
	}
}

func TestRegistryRegisterSource(t *testing.T) {
	r := NewRegistry(execConfig())

	if err := r.RegisterSource(newStubSource("builtin")); err != nil {
		t.Fatalf("RegisterSource failed: %v", err)
	}
	if err := r.RegisterSource(newStubSource("builtin")); err == nil {
		t.Error("expected error for duplicate source")
	}
	if err := r.RegisterSource(newStubSource("")); err == nil {
		t.Error("expected error for empty source name")
	}
	if err := r.RegisterSource(nil); err == nil {
		t.Error("expected error for nil source")
	}
}

func TestRegistryLoadCatalog(t *testing.T) {
	src := newStubSource("builtin").add("lookup", &Binding{
		Handler:     noopHandler(map[string]any{"ok": true}),
		Description: "declared description",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
		},
	})

	r := NewRegistry(execConfig())
	if err := r.RegisterSource(src); err != nil {
		t.Fatalf("RegisterSource failed: %v", err)
	}

	catalog := map[string]*config.ToolConfig{
		"lookup": toolConfig(nil),
		"lookup_alias": toolConfig(func(c *config.ToolConfig) {
			c.Handler = "lookup"
			c.Description = "catalog description"
		}),
		"disabled": toolConfig(func(c *config.ToolConfig) {
			c.Handler = "lookup"
			c.Enabled = config.BoolPtr(false)
		}),
	}

	if err := r.LoadCatalog(context.Background(), catalog); err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if src.discovers != 1 {
		t.Errorf("expected 1 discover call, got %d", src.discovers)
	}
	if r.Count() != 2 {
		t.Errorf("expected 2 tools, got %d", r.Count())
	}

	d, err := r.Describe("lookup")
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if d.Description != "declared description" {
		t.Errorf("expected binding description to fill in, got %q", d.Description)
	}
	if d.InputSchema == nil {
		t.Error("expected binding schema to fill in")
	}
	if d.Version != "v1" || d.Runtime != config.ToolRuntimeBuiltin {
		t.Errorf("unexpected defaults: version=%q runtime=%q", d.Version, d.Runtime)
	}
	if d.Idempotent {
		t.Error("expected idempotent to default false")
	}
	if d.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", d.Timeout)
	}
	if d.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 retry attempts, got %d", d.Retry.MaxAttempts)
	}

	alias, err := r.Describe("lookup_alias")
	if err != nil {
		t.Fatalf("Describe alias failed: %v", err)
	}
	if alias.Description != "catalog description" {
		t.Errorf("expected catalog description to win, got %q", alias.Description)
	}

	if _, err := r.Describe("disabled"); err == nil {
		t.Error("expected disabled tool to be skipped")
	}
}

func TestRegistryLoadCatalogErrors(t *testing.T) {
	tests := []struct {
		name    string
		catalog map[string]*config.ToolConfig
	}{
		{
			name: "unknown handler",
			catalog: map[string]*config.ToolConfig{
				"missing": toolConfig(nil),
			},
		},
		{
			name: "mcp without server",
			catalog: map[string]*config.ToolConfig{
				"remote": toolConfig(func(c *config.ToolConfig) {
					c.Runtime = config.ToolRuntimeMCP
				}),
			},
		},
		{
			name: "unregistered mcp server",
			catalog: map[string]*config.ToolConfig{
				"remote": toolConfig(func(c *config.ToolConfig) {
					c.Runtime = config.ToolRuntimeMCP
					c.Server = "nowhere"
				}),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(execConfig())
			if err := r.RegisterSource(newStubSource("builtin")); err != nil {
				t.Fatalf("RegisterSource failed: %v", err)
			}
			if err := r.LoadCatalog(context.Background(), tt.catalog); err == nil {
				t.Error("expected LoadCatalog to fail")
			}
		})
	}
}

func TestRegistryLoadCatalogDiscoverFailure(t *testing.T) {
	src := newStubSource("builtin")
	src.failWith = fmt.Errorf("connection refused")

	r := NewRegistry(execConfig())
	if err := r.RegisterSource(src); err != nil {
		t.Fatalf("RegisterSource failed: %v", err)
	}
	if err := r.LoadCatalog(context.Background(), nil); err == nil {
		t.Error("expected discover failure to surface")
	}
}

func TestRegistryListForPolicy(t *testing.T) {
	src := newStubSource("builtin").
		add("order_search", &Binding{Handler: noopHandler(nil)}).
		add("create_po", &Binding{Handler: noopHandler(nil)}).
		add("echo", &Binding{Handler: noopHandler(nil)})

	r := NewRegistry(execConfig())
	if err := r.RegisterSource(src); err != nil {
		t.Fatalf("RegisterSource failed: %v", err)
	}
	catalog := map[string]*config.ToolConfig{
		"order_search": toolConfig(nil),
		"create_po":    toolConfig(nil),
		"echo":         toolConfig(nil),
	}
	if err := r.LoadCatalog(context.Background(), catalog); err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	all := r.ListForPolicy(nil)
	if len(all) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Name >= all[i].Name {
			t.Errorf("descriptors not sorted: %q before %q", all[i-1].Name, all[i].Name)
		}
	}

	policy := &config.TenantPolicyConfig{AllowedTools: []string{"order_search", "echo"}}
	allowed := r.ListForPolicy(policy)
	if len(allowed) != 2 {
		t.Fatalf("expected 2 allowed descriptors, got %d", len(allowed))
	}
	for _, d := range allowed {
		if d.Name == "create_po" {
			t.Error("create_po should have been filtered out")
		}
	}

	wildcard := &config.TenantPolicyConfig{AllowedTools: []string{"*"}}
	if got := r.ListForPolicy(wildcard); len(got) != 3 {
		t.Errorf("expected wildcard to list all, got %d", len(got))
	}
}

func TestRegistryClose(t *testing.T) {
	src := newStubSource("builtin").add("echo", &Binding{Handler: noopHandler(nil)})

	r := NewRegistry(execConfig())
	if err := r.RegisterSource(src); err != nil {
		t.Fatalf("RegisterSource failed: %v", err)
	}
	if err := r.LoadCatalog(context.Background(), map[string]*config.ToolConfig{"echo": toolConfig(nil)}); err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !src.closed {
		t.Error("expected source to be closed")
	}
	if r.Count() != 0 {
		t.Error("expected catalog to be cleared")
	}
}

func TestDescriptorWeight(t *testing.T) {
	light := &ToolDescriptor{SideEffects: config.SideEffectsRead}
	if light.Weight() != 1 {
		t.Errorf("expected weight 1, got %d", light.Weight())
	}
	heavy := &ToolDescriptor{SideEffects: config.SideEffectsExternal}
	if heavy.Weight() != 2 {
		t.Errorf("expected weight 2 for external side effects, got %d", heavy.Weight())
	}
}
