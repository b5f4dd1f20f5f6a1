// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/priam/pkg/config"
)

// ToolEntry binds a catalog descriptor to its executable handler.
type ToolEntry struct {
	Descriptor *ToolDescriptor
	Handler    Handler
	Source     string

	schema *jsonschema.Schema
}

// Registry holds the tool catalog. Descriptors are registered once at
// startup via LoadCatalog and are immutable thereafter; Invoke and Cancel
// drive the execution engine.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*ToolEntry
	sources map[string]Source

	sem         *semaphore.Weighted
	cancelGrace time.Duration

	recmu   sync.Mutex
	records map[string]*invocation
	dedupe  map[string]string
	serial  map[string]*sync.Mutex
}

// NewRegistry creates an empty registry with the given execution limits.
// The config is expected to have had SetDefaults applied.
func NewRegistry(execCfg config.ToolExecutionConfig) *Registry {
	maxConcurrent := execCfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	cancelGrace := time.Duration(execCfg.CancelGrace)
	if cancelGrace <= 0 {
		cancelGrace = 5 * time.Second
	}

	return &Registry{
		entries:     make(map[string]*ToolEntry),
		sources:     make(map[string]Source),
		sem:         semaphore.NewWeighted(maxConcurrent),
		cancelGrace: cancelGrace,
		records:     make(map[string]*invocation),
		dedupe:      make(map[string]string),
		serial:      make(map[string]*sync.Mutex),
	}
}

// RegisterSource makes a source available for catalog resolution. Sources
// must be registered before LoadCatalog runs.
func (r *Registry) RegisterSource(src Source) error {
	if src == nil {
		return fmt.Errorf("source cannot be nil")
	}
	name := src.Name()
	if name == "" {
		return fmt.Errorf("source name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		return fmt.Errorf("source '%s' already registered", name)
	}
	r.sources[name] = src
	return nil
}

// LoadCatalog discovers all registered sources and binds each enabled
// catalog entry to its handler. Catalog entries are expected to have had
// SetDefaults applied; disabled entries are skipped.
func (r *Registry) LoadCatalog(ctx context.Context, catalog map[string]*config.ToolConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, src := range r.sources {
		if err := src.Discover(ctx); err != nil {
			return fmt.Errorf("discovering source %s: %w", name, err)
		}
	}

	for name, cfg := range catalog {
		if cfg == nil || !cfg.IsEnabled() {
			continue
		}

		entry, err := r.bind(name, cfg)
		if err != nil {
			return fmt.Errorf("tool %s: %w", name, err)
		}
		if _, exists := r.entries[name]; exists {
			return fmt.Errorf("tool %s: already registered", name)
		}
		r.entries[name] = entry

		slog.Debug("Registered tool",
			"tool", name,
			"runtime", entry.Descriptor.Runtime,
			"source", entry.Source,
			"idempotent", entry.Descriptor.Idempotent)
	}

	return nil
}

// bind resolves a catalog entry against its source and compiles the input
// schema. Caller holds r.mu.
func (r *Registry) bind(name string, cfg *config.ToolConfig) (*ToolEntry, error) {
	sourceName := "builtin"
	if cfg.Runtime == config.ToolRuntimeMCP {
		sourceName = cfg.Server
		if sourceName == "" {
			return nil, fmt.Errorf("mcp runtime requires a server")
		}
	}

	src, ok := r.sources[sourceName]
	if !ok {
		return nil, fmt.Errorf("source '%s' not registered", sourceName)
	}

	handlerName := cfg.Handler
	if handlerName == "" {
		handlerName = name
	}
	binding, ok := src.Resolve(handlerName)
	if !ok {
		return nil, fmt.Errorf("handler '%s' not found in source %s", handlerName, sourceName)
	}

	d := DescriptorFromConfig(name, cfg)
	if d.Description == "" {
		d.Description = binding.Description
	}
	if d.InputSchema == nil {
		d.InputSchema = binding.InputSchema
	}
	if d.OutputSchema == nil {
		d.OutputSchema = binding.OutputSchema
	}

	entry := &ToolEntry{
		Descriptor: d,
		Handler:    binding.Handler,
		Source:     sourceName,
	}

	if d.InputSchema != nil {
		compiled, err := compileSchema(name, d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("input schema: %w", err)
		}
		entry.schema = compiled
	}

	return entry, nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(name+".input.json", string(raw))
}

// Describe returns the descriptor for a registered tool.
func (r *Registry) Describe(name string) (*ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("tool '%s' not found", name)
	}
	return entry.Descriptor, nil
}

// ListForPolicy returns descriptors the policy permits, sorted by name.
// A nil policy lists everything.
func (r *Registry) ListForPolicy(policy *config.TenantPolicyConfig) []*ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ToolDescriptor
	for name, entry := range r.entries {
		if policy != nil && !policy.AllowsTool(name) {
			continue
		}
		out = append(out, entry.Descriptor)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// ListAll returns every registered descriptor, sorted by name.
func (r *Registry) ListAll() []*ToolDescriptor {
	return r.ListForPolicy(nil)
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) entry(name string) (*ToolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Close closes all sources and drops the catalog.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, src := range r.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", name, err))
		}
	}
	r.sources = make(map[string]Source)
	r.entries = make(map[string]*ToolEntry)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing tool sources: %v", errs)
	}
	return nil
}
