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

import "fmt"

// TenantPolicyConfig is one entry of the permissions catalog: what a
// tenant's sessions may touch. The wildcard "*" grants everything in the
// respective catalog.
//
// Example:
//
//	permissions:
//	  acme:
//	    workflow: default
//	    allowed_tools: ["order_search", "create_po", "attachment_parse"]
//	    allowed_agents: ["*"]
//	    approval_tools: ["create_po"]
type TenantPolicyConfig struct {
	// Workflow names the workflow this tenant's sessions run.
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty" jsonschema:"title=Workflow,description=Workflow for this tenant's sessions,default=default"`

	// AllowedTools lists catalog tools the tenant may invoke. "*" allows
	// all registered tools.
	AllowedTools []string `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty" jsonschema:"title=Allowed Tools,description=Tools this tenant may invoke (\"*\" for all)"`

	// AllowedAgents lists agents the tenant's plans may bind. "*" allows
	// all configured agents.
	AllowedAgents []string `yaml:"allowed_agents,omitempty" json:"allowed_agents,omitempty" jsonschema:"title=Allowed Agents,description=Agents this tenant may run (\"*\" for all)"`

	// ApprovalTools lists tools whose invocations require a human
	// approval form before execution.
	ApprovalTools []string `yaml:"approval_tools,omitempty" json:"approval_tools,omitempty" jsonschema:"title=Approval Tools,description=Tools requiring human approval before execution"`
}

// SetDefaults applies default values to the tenant policy.
func (c *TenantPolicyConfig) SetDefaults() {
	if c.Workflow == "" {
		c.Workflow = "default"
	}
	if c.AllowedTools == nil {
		c.AllowedTools = []string{"*"}
	}
	if c.AllowedAgents == nil {
		c.AllowedAgents = []string{"*"}
	}
}

// Validate checks the tenant policy.
func (c *TenantPolicyConfig) Validate() error {
	if c.Workflow == "" {
		return fmt.Errorf("workflow is required")
	}
	return nil
}

// AllowsTool reports whether the policy permits invoking the named tool.
func (c *TenantPolicyConfig) AllowsTool(name string) bool {
	return matchAllowList(c.AllowedTools, name)
}

// AllowsAgent reports whether the policy permits running the named agent.
func (c *TenantPolicyConfig) AllowsAgent(name string) bool {
	return matchAllowList(c.AllowedAgents, name)
}

// RequiresApproval reports whether the tool needs human approval.
func (c *TenantPolicyConfig) RequiresApproval(name string) bool {
	for _, t := range c.ApprovalTools {
		if t == name {
			return true
		}
	}
	return false
}

func matchAllowList(list []string, name string) bool {
	for _, entry := range list {
		if entry == "*" || entry == name {
			return true
		}
	}
	return false
}
