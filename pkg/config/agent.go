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

// AgentConfig configures one agent. Agents are data: a name, a prompt, a
// model reference, and an allowlist of tools. The workflow catalog decides
// which agent runs in which session state.
//
// Example:
//
//	agents:
//	  task_executor:
//	    description: Executes plan steps using catalog tools
//	    model: claude
//	    instruction: |
//	      You execute one plan step at a time...
//	    tools: ["order_search", "create_po"]
//	    delegates: ["result_synthesizer"]
type AgentConfig struct {
	// Name is the agent identifier. Defaults to the catalog key.
	Name string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Name,description=Agent identifier,pattern=^[a-zA-Z][a-zA-Z0-9_-]*$,maxLength=64"`

	// Description is a one-line summary shown to peers that may
	// delegate to this agent.
	Description string `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"title=Description,description=One-line summary shown in delegation rosters"`

	// Model references a configured model provider by name.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Configured model provider reference,default=default"`

	// Instruction is the agent's system prompt.
	Instruction string `yaml:"instruction,omitempty" json:"instruction,omitempty" jsonschema:"title=Instruction,description=System prompt defining agent behavior"`

	// Tools lists catalog tools this agent may call. Tenant policy is
	// intersected on top at invocation time.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty" jsonschema:"title=Tools,description=Catalog tools this agent may call"`

	// Delegates lists peer agents this agent may hand a step to.
	Delegates []string `yaml:"delegates,omitempty" json:"delegates,omitempty" jsonschema:"title=Delegates,description=Peer agents this agent may delegate to"`

	// Context configures how the context bundle for this agent is
	// assembled.
	Context *ContextConfig `yaml:"context,omitempty" json:"context,omitempty" jsonschema:"title=Context,description=Context bundle assembly settings"`

	// Flush configures markdown stream coalescing.
	Flush *FlushConfig `yaml:"flush,omitempty" json:"flush,omitempty" jsonschema:"title=Flush,description=Markdown stream coalescing"`
}

// ContextConfig bounds what goes into an agent's context bundle.
type ContextConfig struct {
	// MaxTurns is the conversation window: the last N turns are
	// included, plus pinned turns and the triggering message.
	MaxTurns int `yaml:"max_turns,omitempty" json:"max_turns,omitempty" jsonschema:"title=Max Turns,description=Conversation window in turns,minimum=1,default=12"`

	// MaxMemoryItems caps how many memory items are attached.
	MaxMemoryItems int `yaml:"max_memory_items,omitempty" json:"max_memory_items,omitempty" jsonschema:"title=Max Memory Items,description=Memory items attached to the bundle,minimum=0,default=8"`

	// TokenBudget bounds the whole bundle. Overflow drops memory first,
	// then the oldest non-triggering turns.
	TokenBudget int `yaml:"token_budget,omitempty" json:"token_budget,omitempty" jsonschema:"title=Token Budget,description=Bundle size bound in tokens,minimum=1,default=8192"`
}

// SetDefaults applies default values to the context config.
func (c *ContextConfig) SetDefaults() {
	if c.MaxTurns == 0 {
		c.MaxTurns = 12
	}
	if c.MaxMemoryItems == 0 {
		c.MaxMemoryItems = 8
	}
	if c.TokenBudget == 0 {
		c.TokenBudget = 8192
	}
}

// Validate checks the context configuration.
func (c *ContextConfig) Validate() error {
	if c.MaxTurns < 0 {
		return fmt.Errorf("max_turns must be non-negative")
	}
	if c.MaxMemoryItems < 0 {
		return fmt.Errorf("max_memory_items must be non-negative")
	}
	if c.TokenBudget < 0 {
		return fmt.Errorf("token_budget must be non-negative")
	}
	return nil
}

// FlushConfig coalesces streamed markdown so the wire carries a few frames
// per logical message instead of one frame per token.
type FlushConfig struct {
	// Runes flushes once this many runes are buffered.
	Runes int `yaml:"runes,omitempty" json:"runes,omitempty" jsonschema:"title=Runes,description=Flush threshold in runes,minimum=1,default=50"`

	// Interval flushes the buffer at least this often.
	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty" jsonschema:"title=Interval,description=Maximum time between flushes,default=100ms"`
}

// SetDefaults applies default values to the flush config.
func (c *FlushConfig) SetDefaults() {
	if c.Runes == 0 {
		c.Runes = 50
	}
	if c.Interval == 0 {
		c.Interval = Duration(100 * time.Millisecond)
	}
}

// Validate checks the flush configuration.
func (c *FlushConfig) Validate() error {
	if c.Runes < 0 {
		return fmt.Errorf("runes must be non-negative")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must be non-negative")
	}
	return nil
}

// SetDefaults applies default values to the agent config.
func (c *AgentConfig) SetDefaults() {
	if c.Model == "" {
		c.Model = "default"
	}
	if c.Context == nil {
		c.Context = &ContextConfig{}
	}
	c.Context.SetDefaults()
	if c.Flush == nil {
		c.Flush = &FlushConfig{}
	}
	c.Flush.SetDefaults()
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model reference is required")
	}
	if c.Context != nil {
		if err := c.Context.Validate(); err != nil {
			return fmt.Errorf("context: %w", err)
		}
	}
	if c.Flush != nil {
		if err := c.Flush.Validate(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}
