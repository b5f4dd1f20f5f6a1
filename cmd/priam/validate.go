// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package main

import (
	"fmt"
)

// ValidateCmd checks a configuration file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("validate requires --config")
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	fmt.Printf("%s is valid\n", cli.Config)
	fmt.Printf("  models:      %d\n", len(cfg.Models))
	fmt.Printf("  agents:      %d\n", len(cfg.Agents))
	fmt.Printf("  tools:       %d\n", len(cfg.Tools))
	fmt.Printf("  workflows:   %d\n", len(cfg.Workflows))
	fmt.Printf("  permissions: %d\n", len(cfg.Permissions))
	return nil
}
