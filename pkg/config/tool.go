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

package config

import (
	"fmt"
	"time"
)

// SideEffects classifies what a tool touches. The class drives retry
// safety and how heavily an invocation counts against the execution pool.
type SideEffects string

const (
	// SideEffectsNone is a pure computation.
	SideEffectsNone SideEffects = "none"

	// SideEffectsRead reads external state without mutating it.
	SideEffectsRead SideEffects = "read"

	// SideEffectsWrite mutates state owned by this deployment.
	SideEffectsWrite SideEffects = "write"

	// SideEffectsExternal touches third-party systems. Counts double
	// against the execution pool.
	SideEffectsExternal SideEffects = "external"
)

// ToolRuntime identifies where a tool's executable binding lives.
type ToolRuntime string

const (
	// ToolRuntimeBuiltin tools are in-process handlers.
	ToolRuntimeBuiltin ToolRuntime = "builtin"

	// ToolRuntimeMCP tools are exported by an MCP server.
	ToolRuntimeMCP ToolRuntime = "mcp"
)

// ToolConfig is one entry of the declarative tools catalog. The catalog is
// loaded once at startup and immutable for the process lifetime.
//
// Example:
//
//	tools:
//	  order_search:
//	    description: Search orders by customer and date range
//	    runtime: builtin
//	    side_effects: read
//	    idempotent: true
//	    timeout: 10s
//	    input_schema:
//	      type: object
//	      properties:
//	        customer: {type: string}
//	      required: [customer]
type ToolConfig struct {
	// Description of what the tool does, shown to models.
	Description string `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"title=Description,description=What this tool does"`

	// Version of the descriptor. Informational.
	Version string `yaml:"version,omitempty" json:"version,omitempty" jsonschema:"title=Version,description=Descriptor version,default=v1"`

	// Runtime resolves the executable binding: "builtin" for in-process
	// handlers, "mcp" for tools exported by an MCP server.
	Runtime ToolRuntime `yaml:"runtime,omitempty" json:"runtime,omitempty" jsonschema:"title=Runtime,description=Where the tool executes,enum=builtin,enum=mcp,default=builtin"`

	// Handler is the builtin handler name. Defaults to the catalog key.
	Handler string `yaml:"handler,omitempty" json:"handler,omitempty" jsonschema:"title=Handler,description=Builtin handler name (for runtime=builtin)"`

	// Server references an entry in mcp_servers (for runtime=mcp).
	Server string `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server,description=MCP server reference (for runtime=mcp)"`

	// InputSchema is a JSON Schema validating invocation inputs.
	InputSchema map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty" jsonschema:"title=Input Schema,description=JSON Schema for invocation inputs"`

	// OutputSchema describes the result shape. Informational.
	OutputSchema map[string]any `yaml:"output_schema,omitempty" json:"output_schema,omitempty" jsonschema:"title=Output Schema,description=JSON Schema for the result"`

	// Idempotent marks invocations safe to repeat. Non-idempotent calls
	// are serialised per session and deduplicated by idempotency key.
	Idempotent *bool `yaml:"idempotent,omitempty" json:"idempotent,omitempty" jsonschema:"title=Idempotent,description=Safe to repeat without duplicate effects,default=false"`

	// SideEffects classifies the tool (none, read, write, external).
	SideEffects SideEffects `yaml:"side_effects,omitempty" json:"side_effects,omitempty" jsonschema:"title=Side Effects,description=Side effect class,enum=none,enum=read,enum=write,enum=external,default=none"`

	// Timeout bounds one invocation attempt.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Per-attempt timeout,default=30s"`

	// Retry configures transient-failure retries.
	Retry *ToolRetryConfig `yaml:"retry,omitempty" json:"retry,omitempty" jsonschema:"title=Retry Policy,description=Transient failure retry policy"`

	// Enabled controls whether the tool is registered at startup.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Whether the tool is registered,default=true"`
}

// ToolRetryConfig bounds retries of transiently failing invocations.
// Delays grow exponentially from Base up to Max with jitter.
type ToolRetryConfig struct {
	// MaxAttempts is the total attempt budget, first try included.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty" jsonschema:"title=Max Attempts,description=Total attempts including the first,minimum=1,default=3"`

	// BaseDelay is the delay before the first retry.
	BaseDelay Duration `yaml:"base_delay,omitempty" json:"base_delay,omitempty" jsonschema:"title=Base Delay,description=Delay before the first retry,default=200ms"`

	// MaxDelay caps the backoff growth.
	MaxDelay Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty" jsonschema:"title=Max Delay,description=Backoff cap,default=5s"`
}

// SetDefaults applies default values to the retry policy.
func (c *ToolRetryConfig) SetDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = Duration(200 * time.Millisecond)
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = Duration(5 * time.Second)
	}
}

// Validate checks the retry policy.
func (c *ToolRetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be non-negative")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max_delay must be at least base_delay")
	}
	return nil
}

// SetDefaults applies default values to the tool descriptor.
func (c *ToolConfig) SetDefaults() {
	if c.Version == "" {
		c.Version = "v1"
	}
	if c.Runtime == "" {
		c.Runtime = ToolRuntimeBuiltin
	}
	if c.Idempotent == nil {
		c.Idempotent = BoolPtr(false)
	}
	if c.SideEffects == "" {
		c.SideEffects = SideEffectsNone
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(30 * time.Second)
	}
	if c.Retry == nil {
		c.Retry = &ToolRetryConfig{}
	}
	c.Retry.SetDefaults()
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
}

// Validate checks the tool descriptor.
func (c *ToolConfig) Validate() error {
	switch c.Runtime {
	case ToolRuntimeBuiltin, "":

	case ToolRuntimeMCP:
		if c.Server == "" {
			return fmt.Errorf("mcp tool requires a server reference")
		}
	default:
		return fmt.Errorf("invalid runtime %q (valid: builtin, mcp)", c.Runtime)
	}

	switch c.SideEffects {
	case SideEffectsNone, SideEffectsRead, SideEffectsWrite, SideEffectsExternal, "":

	default:
		return fmt.Errorf("invalid side_effects %q (valid: none, read, write, external)", c.SideEffects)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	if c.Retry != nil {
		if err := c.Retry.Validate(); err != nil {
			return fmt.Errorf("retry: %w", err)
		}
	}
	return nil
}

// IsEnabled reports whether the tool should be registered.
func (c *ToolConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

// MCPServerConfig configures a connection to one MCP server whose tools
// are adapted into the catalog at startup.
//
// Example:
//
//	mcp_servers:
//	  search:
//	    url: http://localhost:3000/sse
//	    transport: sse
type MCPServerConfig struct {
	// URL of the MCP server (for sse and streamable-http transports).
	URL string `yaml:"url,omitempty" json:"url,omitempty" jsonschema:"title=URL,description=MCP server URL"`

	// Transport selects the MCP transport.
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"title=Transport,description=MCP transport,enum=stdio,enum=sse,enum=streamable-http"`

	// Command starts a stdio-transport server.
	Command string `yaml:"command,omitempty" json:"command,omitempty" jsonschema:"title=Command,description=Command launching a stdio MCP server"`

	// Args for the stdio command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty" jsonschema:"title=Args,description=Arguments for the stdio command"`

	// Env for the stdio command.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty" jsonschema:"title=Env,description=Environment for the stdio command"`

	// Filter limits which exported tools are adopted. Empty adopts all.
	Filter []string `yaml:"filter,omitempty" json:"filter,omitempty" jsonschema:"title=Filter,description=Exported tool names to adopt (all when empty)"`
}

// SetDefaults applies default values to the MCP server config.
func (c *MCPServerConfig) SetDefaults() {
	if c.Transport == "" {
		if c.URL != "" {
			c.Transport = "sse"
		} else if c.Command != "" {
			c.Transport = "stdio"
		}
	}
}

// Validate checks the MCP server configuration.
func (c *MCPServerConfig) Validate() error {
	if c.URL == "" && c.Command == "" {
		return fmt.Errorf("mcp server requires url or command")
	}
	switch c.Transport {
	case "stdio", "sse", "streamable-http", "":

	default:
		return fmt.Errorf("invalid transport %q (valid: stdio, sse, streamable-http)", c.Transport)
	}
	return nil
}

// ToolExecutionConfig bounds the process-wide tool execution pool. All
// invocations across sessions share one weighted semaphore; external
// side-effect tools weigh double.
type ToolExecutionConfig struct {
	// MaxConcurrent is the pool capacity in weight units.
	MaxConcurrent int64 `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty" jsonschema:"title=Max Concurrent,description=Execution pool capacity,minimum=1,default=16"`

	// CancelGrace is how long a cancelled tool gets to acknowledge
	// before the invocation is abandoned.
	CancelGrace Duration `yaml:"cancel_grace,omitempty" json:"cancel_grace,omitempty" jsonschema:"title=Cancel Grace,description=Cooperative cancellation window,default=5s"`
}

// SetDefaults applies default values to the execution pool config.
func (c *ToolExecutionConfig) SetDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 16
	}
	if c.CancelGrace == 0 {
		c.CancelGrace = Duration(5 * time.Second)
	}
}

// Validate checks the execution pool configuration.
func (c *ToolExecutionConfig) Validate() error {
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be non-negative")
	}
	if c.CancelGrace < 0 {
		return fmt.Errorf("cancel_grace must be non-negative")
	}
	return nil
}
