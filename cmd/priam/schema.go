// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/priam/pkg/config"
)

// SchemaCmd emits the JSON Schema of the configuration file format.
// Output goes to stdout so it can be redirected or piped.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://github.com/kadirpekel/priam/schemas/config.json"
	schema.Title = "Priam Configuration Schema"
	schema.Description = "Configuration schema for the priam orchestration server"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	var (
		data []byte
		err  error
	)
	if c.Compact {
		data, err = json.Marshal(schema)
	} else {
		data, err = json.MarshalIndent(schema, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshaling schema: %w", err)
	}

	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
