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

// Package tools holds the tool catalog and its invocation engine.
//
// Descriptors are loaded from the declarative tools catalog at startup and
// are immutable thereafter. Executable bindings come from registered
// sources, resolved by each descriptor's runtime: "builtin" handlers ship
// in pkg/tools/builtin, "mcp" handlers are discovered from MCP servers.
//
// Invocations validate inputs against the descriptor's JSON Schema,
// enforce the per-attempt timeout, retry transient failures with
// exponential backoff, serialise non-idempotent calls per (session, tool),
// and replay completed results when an idempotency key repeats.
package tools

import (
	"time"

	"github.com/kadirpekel/priam/pkg/config"
)

// ToolDescriptor is the catalog-facing description of a tool. It is what
// agents see when the assembler attaches tools to a context bundle, and
// what the invocation engine consults for timeouts and retry policy.
type ToolDescriptor struct {
	Name         string             `json:"name"`
	Version      string             `json:"version"`
	Description  string             `json:"description,omitempty"`
	Runtime      config.ToolRuntime `json:"runtime"`
	InputSchema  map[string]any     `json:"input_schema,omitempty"`
	OutputSchema map[string]any     `json:"output_schema,omitempty"`
	Idempotent   bool               `json:"idempotent"`
	SideEffects  config.SideEffects `json:"side_effects"`
	Timeout      time.Duration      `json:"timeout"`
	Retry        RetryPolicy        `json:"retry"`
}

// RetryPolicy bounds the retry loop for transient failures.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// DescriptorFromConfig builds a descriptor from a catalog entry. The entry
// is expected to have had SetDefaults applied; name is the catalog key.
func DescriptorFromConfig(name string, cfg *config.ToolConfig) *ToolDescriptor {
	d := &ToolDescriptor{
		Name:         name,
		Version:      cfg.Version,
		Description:  cfg.Description,
		Runtime:      cfg.Runtime,
		InputSchema:  cfg.InputSchema,
		OutputSchema: cfg.OutputSchema,
		SideEffects:  cfg.SideEffects,
		Timeout:      time.Duration(cfg.Timeout),
	}
	if cfg.Idempotent != nil {
		d.Idempotent = *cfg.Idempotent
	}
	if cfg.Retry != nil {
		d.Retry = RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelay),
			MaxDelay:    time.Duration(cfg.Retry.MaxDelay),
		}
	}
	if d.Retry.MaxAttempts <= 0 {
		d.Retry.MaxAttempts = 1
	}
	return d
}

// Weight is the tool's cost against the execution pool. Calls with
// external side effects count double.
func (d *ToolDescriptor) Weight() int64 {
	if d.SideEffects == config.SideEffectsExternal {
		return 2
	}
	return 1
}
