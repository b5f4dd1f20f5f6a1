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

// FailurePolicy decides what happens when a plan step fails.
type FailurePolicy string

const (
	// FailureReview raises the review form and lets a human decide.
	FailureReview FailurePolicy = "review"

	// FailureRetry retries the step up to max_step_retries, then aborts.
	FailureRetry FailurePolicy = "retry"

	// FailureAbort abandons the plan immediately.
	FailureAbort FailurePolicy = "abort"
)

// WorkflowConfig is one entry of the workflows catalog: a named plan-graph
// template binding agents to the session states. The orchestrator
// interprets this graph; transitions are never hard-coded per workflow.
//
// Example:
//
//	workflows:
//	  default:
//	    validator: input_validator
//	    planner: task_planner
//	    executor: task_executor
//	    reviewer: human_reviewer
//	    synthesizer: result_synthesizer
//	    max_step_retries: 2
//	    on_failure: review
type WorkflowConfig struct {
	// Description of the workflow. Informational.
	Description string `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"title=Description,description=What this workflow is for"`

	// Validator names the agent run in the Validating state. Empty skips
	// validation and every inbound message proceeds to planning.
	Validator string `yaml:"validator,omitempty" json:"validator,omitempty" jsonschema:"title=Validator,description=Agent run to validate inbound messages"`

	// Planner names the agent that turns a request into a plan.
	Planner string `yaml:"planner" json:"planner" jsonschema:"title=Planner,description=Agent producing the plan"`

	// Executor names the default agent bound to plan steps. A planner
	// may bind individual steps to other agents.
	Executor string `yaml:"executor" json:"executor" jsonschema:"title=Executor,description=Default agent executing plan steps"`

	// Reviewer names the agent consulted in the Recovering state. Empty
	// disables review; failures follow on_failure=retry semantics.
	Reviewer string `yaml:"reviewer,omitempty" json:"reviewer,omitempty" jsonschema:"title=Reviewer,description=Agent consulted when a step fails"`

	// Synthesizer names the agent composing the final answer. Empty
	// finishes the plan without a synthesis turn.
	Synthesizer string `yaml:"synthesizer,omitempty" json:"synthesizer,omitempty" jsonschema:"title=Synthesizer,description=Agent composing the final answer"`

	// MaxStepRetries bounds retries of one failed step.
	MaxStepRetries int `yaml:"max_step_retries,omitempty" json:"max_step_retries,omitempty" jsonschema:"title=Max Step Retries,description=Retry budget per failed step,minimum=0,default=2"`

	// OnFailure decides how a failed step is handled (review, retry,
	// abort). Defaults to review when a reviewer is set, retry otherwise.
	OnFailure FailurePolicy `yaml:"on_failure,omitempty" json:"on_failure,omitempty" jsonschema:"title=On Failure,description=Failed step policy,enum=review,enum=retry,enum=abort"`

	// FormTimeout bounds how long a suspended session waits for a form
	// reply before recovering. Zero waits indefinitely; abandoned
	// sessions are reaped by the maintenance TTL sweep instead.
	FormTimeout Duration `yaml:"form_timeout,omitempty" json:"form_timeout,omitempty" jsonschema:"title=Form Timeout,description=How long to await a form reply (0 = no timeout)"`
}

// SetDefaults applies default values to the workflow config.
func (c *WorkflowConfig) SetDefaults() {
	if c.MaxStepRetries == 0 {
		c.MaxStepRetries = 2
	}
	if c.OnFailure == "" {
		if c.Reviewer != "" {
			c.OnFailure = FailureReview
		} else {
			c.OnFailure = FailureRetry
		}
	}
}

// Validate checks the workflow configuration.
func (c *WorkflowConfig) Validate() error {
	if c.Planner == "" {
		return fmt.Errorf("planner is required")
	}
	if c.Executor == "" {
		return fmt.Errorf("executor is required")
	}

	switch c.OnFailure {
	case FailureReview:
		if c.Reviewer == "" {
			return fmt.Errorf("on_failure=review requires a reviewer")
		}
	case FailureRetry, FailureAbort, "":

	default:
		return fmt.Errorf("invalid on_failure %q (valid: review, retry, abort)", c.OnFailure)
	}

	if c.MaxStepRetries < 0 {
		return fmt.Errorf("max_step_retries must be non-negative")
	}
	if c.FormTimeout < 0 {
		return fmt.Errorf("form_timeout must be non-negative")
	}
	return nil
}
