// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package agent

import "github.com/kadirpekel/priam/pkg/config"

// AgentSpec is one agent's identity for one turn: who it is, what it may
// call, and which model serves it.
type AgentSpec struct {
	// Name is the agent's catalog identifier.
	Name string

	// Instruction is the agent's system prompt.
	Instruction string

	// Model references a registered provider, resolved at invocation
	// time so sessions pick up model upgrades mid-flight.
	Model string

	// Tools is the agent's catalog allowlist. The effective tool set for
	// a turn is the bundle's, already intersected with tenant policy.
	Tools []string

	// Flush bounds markdown stream coalescing.
	Flush config.FlushConfig
}

// SpecFromConfig derives the runner spec from an agent catalog entry.
func SpecFromConfig(name string, cfg *config.AgentConfig) AgentSpec {
	spec := AgentSpec{Name: name, Model: "default"}
	if cfg == nil {
		spec.Flush.SetDefaults()
		return spec
	}
	if cfg.Name != "" {
		spec.Name = cfg.Name
	}
	spec.Instruction = cfg.Instruction
	if cfg.Model != "" {
		spec.Model = cfg.Model
	}
	spec.Tools = append([]string(nil), cfg.Tools...)
	if cfg.Flush != nil {
		spec.Flush = *cfg.Flush
	}
	spec.Flush.SetDefaults()
	return spec
}
