// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the declarative configuration surface: model and
// embedder providers, the agent roster, and the three catalogs (tools,
// workflows, permissions) the orchestrator interprets. Catalogs are loaded
// once at startup and immutable for the process lifetime.
package config

import (
	"fmt"

	"github.com/kadirpekel/priam/pkg/observability"
)

// DefaultAgentName is the agent created in zero-config mode.
const DefaultAgentName = "assistant"

// Config is the root configuration.
type Config struct {
	// Version of the config format. Informational.
	Version string `yaml:"version,omitempty" json:"version,omitempty" jsonschema:"title=Version,description=Config format version"`

	// Name of this deployment. Informational.
	Name string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Name,description=Deployment name"`

	// Description of this deployment. Informational.
	Description string `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"title=Description,description=Deployment description"`

	// Models maps provider names to chat model configurations.
	Models map[string]*ModelConfig `yaml:"models,omitempty" json:"models,omitempty" jsonschema:"title=Models,description=Named chat model providers"`

	// Embedders maps embedder names to embedding provider configurations.
	Embedders map[string]*EmbedderConfig `yaml:"embedders,omitempty" json:"embedders,omitempty" jsonschema:"title=Embedders,description=Named embedding providers"`

	// Database backs the SQL checkpoint store.
	Database *DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty" jsonschema:"title=Database,description=SQL database for checkpoints and history"`

	// Agents maps agent names to agent definitions.
	Agents map[string]*AgentConfig `yaml:"agents,omitempty" json:"agents,omitempty" jsonschema:"title=Agents,description=Agent roster"`

	// Tools is the declarative tool catalog.
	Tools map[string]*ToolConfig `yaml:"tools,omitempty" json:"tools,omitempty" jsonschema:"title=Tools,description=Tool descriptor catalog"`

	// MCPServers maps names to MCP server connections whose tools join
	// the catalog.
	MCPServers map[string]*MCPServerConfig `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty" jsonschema:"title=MCP Servers,description=MCP servers contributing tools"`

	// ToolExecution bounds the shared tool execution pool.
	ToolExecution ToolExecutionConfig `yaml:"tool_execution,omitempty" json:"tool_execution,omitempty" jsonschema:"title=Tool Execution,description=Shared tool execution pool"`

	// Workflows is the catalog of plan-graph templates.
	Workflows map[string]*WorkflowConfig `yaml:"workflows,omitempty" json:"workflows,omitempty" jsonschema:"title=Workflows,description=Plan-graph template catalog"`

	// Permissions maps tenant ids to access policies. The "default"
	// entry applies to tenants without their own.
	Permissions map[string]*TenantPolicyConfig `yaml:"permissions,omitempty" json:"permissions,omitempty" jsonschema:"title=Permissions,description=Tenant access policies"`

	// Memory configures the three memory tiers.
	Memory *MemoryConfig `yaml:"memory,omitempty" json:"memory,omitempty" jsonschema:"title=Memory,description=Memory tier configuration"`

	// Session configures per-session runtime behavior and checkpointing.
	Session SessionConfig `yaml:"session,omitempty" json:"session,omitempty" jsonschema:"title=Session,description=Session runtime and checkpointing"`

	// Server configures the WebSocket server.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server,description=WebSocket server"`

	// Logger configures logging.
	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty" jsonschema:"title=Logger,description=Logging"`

	// Observability configures tracing and metrics.
	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability,description=Tracing and metrics"`

	// Maintenance schedules the background sweeps.
	Maintenance MaintenanceConfig `yaml:"maintenance,omitempty" json:"maintenance,omitempty" jsonschema:"title=Maintenance,description=Background sweep schedules"`
}

// SetDefaults applies default values across the tree. Zero-config runs get
// a single assistant agent, a default workflow where it both plans and
// executes, and a wildcard default tenant policy.
func (c *Config) SetDefaults() {
	c.initMaps()

	if len(c.Models) == 0 {
		c.Models["default"] = &ModelConfig{}
	}
	if len(c.Agents) == 0 {
		c.Agents[DefaultAgentName] = &AgentConfig{
			Description: "General-purpose assistant",
		}
	}
	if len(c.Workflows) == 0 {
		agent := DefaultAgentName
		if _, ok := c.Agents[agent]; !ok {
			agent = firstKey(c.Agents)
		}
		c.Workflows["default"] = &WorkflowConfig{
			Planner:  agent,
			Executor: agent,
		}
	}
	if len(c.Permissions) == 0 {
		c.Permissions["default"] = &TenantPolicyConfig{}
	}

	for _, m := range c.Models {
		if m != nil {
			m.SetDefaults()
		}
	}
	for _, e := range c.Embedders {
		if e != nil {
			e.SetDefaults()
		}
	}
	if c.Database != nil {
		c.Database.SetDefaults()
	}
	for key, a := range c.Agents {
		if a != nil {
			if a.Name == "" {
				a.Name = key
			}
			a.SetDefaults()
		}
	}
	for key, t := range c.Tools {
		if t != nil {
			if t.Handler == "" && t.Runtime != ToolRuntimeMCP {
				t.Handler = key
			}
			t.SetDefaults()
		}
	}
	for _, s := range c.MCPServers {
		if s != nil {
			s.SetDefaults()
		}
	}
	c.ToolExecution.SetDefaults()
	for _, w := range c.Workflows {
		if w != nil {
			w.SetDefaults()
		}
	}
	for _, p := range c.Permissions {
		if p != nil {
			p.SetDefaults()
		}
	}
	if c.Memory == nil {
		c.Memory = &MemoryConfig{}
	}
	c.Memory.SetDefaults()
	c.Session.SetDefaults()
	c.Server.SetDefaults()
	c.Logger.SetDefaults()
	c.Observability.SetDefaults()
	c.Maintenance.SetDefaults()
}

func (c *Config) initMaps() {
	if c.Models == nil {
		c.Models = make(map[string]*ModelConfig)
	}
	if c.Embedders == nil {
		c.Embedders = make(map[string]*EmbedderConfig)
	}
	if c.Agents == nil {
		c.Agents = make(map[string]*AgentConfig)
	}
	if c.Tools == nil {
		c.Tools = make(map[string]*ToolConfig)
	}
	if c.MCPServers == nil {
		c.MCPServers = make(map[string]*MCPServerConfig)
	}
	if c.Workflows == nil {
		c.Workflows = make(map[string]*WorkflowConfig)
	}
	if c.Permissions == nil {
		c.Permissions = make(map[string]*TenantPolicyConfig)
	}
}

// Validate checks the whole tree, then cross-references between sections.
func (c *Config) Validate() error {
	for name, m := range c.Models {
		if m != nil {
			if err := m.Validate(); err != nil {
				return fmt.Errorf("model %q: %w", name, err)
			}
		}
	}
	for name, e := range c.Embedders {
		if e != nil {
			if err := e.Validate(); err != nil {
				return fmt.Errorf("embedder %q: %w", name, err)
			}
		}
	}
	if c.Database != nil {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	for name, a := range c.Agents {
		if a != nil {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("agent %q: %w", name, err)
			}
		}
	}
	for name, t := range c.Tools {
		if t != nil {
			if err := t.Validate(); err != nil {
				return fmt.Errorf("tool %q: %w", name, err)
			}
		}
	}
	for name, s := range c.MCPServers {
		if s != nil {
			if err := s.Validate(); err != nil {
				return fmt.Errorf("mcp server %q: %w", name, err)
			}
		}
	}
	if err := c.ToolExecution.Validate(); err != nil {
		return fmt.Errorf("tool_execution: %w", err)
	}
	for name, w := range c.Workflows {
		if w != nil {
			if err := w.Validate(); err != nil {
				return fmt.Errorf("workflow %q: %w", name, err)
			}
		}
	}
	for name, p := range c.Permissions {
		if p != nil {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("permissions %q: %w", name, err)
			}
		}
	}
	if c.Memory != nil {
		if err := c.Memory.Validate(); err != nil {
			return fmt.Errorf("memory: %w", err)
		}
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if err := c.Maintenance.Validate(); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	return c.validateReferences()
}

// validateReferences checks that names referenced across sections resolve.
func (c *Config) validateReferences() error {
	for name, a := range c.Agents {
		if a == nil {
			continue
		}
		if _, ok := c.Models[a.Model]; !ok {
			return fmt.Errorf("agent %q: model %q not found (available: %v)",
				name, a.Model, mapKeys(c.Models))
		}
		for _, tool := range a.Tools {
			if _, ok := c.Tools[tool]; !ok {
				return fmt.Errorf("agent %q: tool %q not found (available: %v)",
					name, tool, mapKeys(c.Tools))
			}
		}
		for _, peer := range a.Delegates {
			if _, ok := c.Agents[peer]; !ok {
				return fmt.Errorf("agent %q: delegate %q not found (available: %v)",
					name, peer, mapKeys(c.Agents))
			}
		}
	}

	for name, t := range c.Tools {
		if t == nil || t.Runtime != ToolRuntimeMCP {
			continue
		}
		if _, ok := c.MCPServers[t.Server]; !ok {
			return fmt.Errorf("tool %q: mcp server %q not found (available: %v)",
				name, t.Server, mapKeys(c.MCPServers))
		}
	}

	for name, w := range c.Workflows {
		if w == nil {
			continue
		}
		for role, agent := range map[string]string{
			"validator":   w.Validator,
			"planner":     w.Planner,
			"executor":    w.Executor,
			"reviewer":    w.Reviewer,
			"synthesizer": w.Synthesizer,
		} {
			if agent == "" {
				continue
			}
			if _, ok := c.Agents[agent]; !ok {
				return fmt.Errorf("workflow %q: %s agent %q not found (available: %v)",
					name, role, agent, mapKeys(c.Agents))
			}
		}
	}

	for tenant, p := range c.Permissions {
		if p == nil {
			continue
		}
		if _, ok := c.Workflows[p.Workflow]; !ok {
			return fmt.Errorf("permissions %q: workflow %q not found (available: %v)",
				tenant, p.Workflow, mapKeys(c.Workflows))
		}
		for _, tool := range p.AllowedTools {
			if tool == "*" {
				continue
			}
			if _, ok := c.Tools[tool]; !ok {
				return fmt.Errorf("permissions %q: tool %q not found (available: %v)",
					tenant, tool, mapKeys(c.Tools))
			}
		}
		for _, agent := range p.AllowedAgents {
			if agent == "*" {
				continue
			}
			if _, ok := c.Agents[agent]; !ok {
				return fmt.Errorf("permissions %q: agent %q not found (available: %v)",
					tenant, agent, mapKeys(c.Agents))
			}
		}
	}

	if c.Memory != nil && c.Memory.Vector != nil && BoolValue(c.Memory.Vector.Enabled, false) {
		if _, ok := c.Embedders[c.Memory.Vector.Embedder]; !ok {
			return fmt.Errorf("memory.vector: embedder %q not found (available: %v)",
				c.Memory.Vector.Embedder, mapKeys(c.Embedders))
		}
	}

	if c.Session.Checkpoint.IsSQL() && c.Database == nil {
		return fmt.Errorf("session.checkpoint: backend sql requires a database section")
	}

	return nil
}

// Policy returns the policy for a tenant, falling back to the "default"
// entry. The second return is false when neither exists.
func (c *Config) Policy(tenantID string) (*TenantPolicyConfig, bool) {
	if p, ok := c.Permissions[tenantID]; ok && p != nil {
		return p, true
	}
	if p, ok := c.Permissions["default"]; ok && p != nil {
		return p, true
	}
	return nil, false
}

// Workflow returns the named workflow.
func (c *Config) Workflow(name string) (*WorkflowConfig, bool) {
	w, ok := c.Workflows[name]
	return w, ok && w != nil
}

// Agent returns the named agent.
func (c *Config) Agent(name string) (*AgentConfig, bool) {
	a, ok := c.Agents[name]
	return a, ok && a != nil
}

func mapKeys[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func firstKey[V any](m map[string]V) string {
	first := ""
	for k := range m {
		if first == "" || k < first {
			first = k
		}
	}
	return first
}
