// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/session"
)

// Validator and planner turns are constrained turns: the model produces
// one JSON document against a schema, never streamed prose. Both
// documents are parsed here; a malformed document after the runner's
// constrained retry is a validation failure, not a crash.

type verdict struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

// Accept reports whether the validator accepted the request.
func (v verdict) Accept() bool {
	return v.Verdict == "accept"
}

func verdictSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"verdict": map[string]any{
				"type": "string",
				"enum": []string{"accept", "reject"},
			},
			"reason": map[string]any{
				"type":        "string",
				"description": "Shown to the user on reject",
			},
		},
		"required": []string{"verdict"},
	}
}

func parseVerdict(doc string) (verdict, error) {
	var v verdict
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return v, fmt.Errorf("parsing verdict: %w", err)
	}
	if v.Verdict != "accept" && v.Verdict != "reject" {
		return v, fmt.Errorf("verdict %q is neither accept nor reject", v.Verdict)
	}
	return v, nil
}

type plannedStep struct {
	Title  string         `json:"title"`
	Agent  string         `json:"agent"`
	Inputs map[string]any `json:"inputs"`
}

type planDocument struct {
	Steps []plannedStep `json:"steps"`
}

func planSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"steps": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title": map[string]any{"type": "string"},
						"agent": map[string]any{
							"type":        "string",
							"description": "Agent bound to the step; omit for the default executor",
						},
						"inputs": map[string]any{"type": "object"},
					},
					"required": []string{"title"},
				},
			},
		},
		"required": []string{"steps"},
	}
}

// parsePlan turns the planner's document into plan steps. Steps bound
// to agents the catalog or the tenant policy does not allow fall back
// to the workflow's executor.
func (r *resident) parsePlan(doc string, wf *config.WorkflowConfig) ([]session.PlanStep, error) {
	var parsed planDocument
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}

	policy := r.policy()
	steps := make([]session.PlanStep, 0, len(parsed.Steps))
	for _, ps := range parsed.Steps {
		title := strings.TrimSpace(ps.Title)
		if title == "" {
			continue
		}
		agentName := ps.Agent
		if agentName == "" {
			agentName = wf.Executor
		}
		if !r.agentUsable(agentName, policy) {
			slog.Warn("Plan step bound to unavailable agent, using executor",
				"session", r.sess.Key().String(),
				"agent", agentName)
			agentName = wf.Executor
		}
		steps = append(steps, session.PlanStep{
			Title:     title,
			AgentName: agentName,
			Inputs:    ps.Inputs,
		})
	}

	if len(steps) == 0 {
		// A degenerate plan still answers the user: one executor step.
		steps = append(steps, session.PlanStep{
			Title:     "Respond to the request",
			AgentName: wf.Executor,
		})
	}
	return steps, nil
}

// agentUsable reports whether the agent exists in the catalog and the
// tenant may run it.
func (r *resident) agentUsable(name string, policy *config.TenantPolicyConfig) bool {
	if _, ok := r.orc.cfg.Agent(name); !ok {
		return false
	}
	if policy != nil && !policy.AllowsAgent(name) {
		return false
	}
	return true
}
