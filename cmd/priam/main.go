// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Command priam runs the session orchestration server.
//
// Usage:
//
//	priam serve --config priam.yaml
//	priam serve                      (zero-config: mock-friendly defaults)
//	priam validate --config priam.yaml
//	priam schema > schema.json
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the WebSocket server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the JSON Schema for the configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or plain)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("priam version %s\n", version)
	return nil
}

// loadConfig resolves the effective configuration: the file named by
// --config, or zero-config defaults when none is given.
func loadConfig(cli *CLI) (*config.Config, error) {
	if cli.Config == "" {
		return config.Default()
	}
	return config.LoadFile(cli.Config)
}

func initLogging(cli *CLI) (func(), error) {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, err
	}

	output := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		file, closeFile, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		output = file
		cleanup = closeFile
	}

	logger.Init(level, output, cli.LogFormat)
	return cleanup, nil
}

func main() {
	// A .env next to the binary feeds ${VAR} expansion in the config.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("priam"),
		kong.Description("Session-scoped multi-agent orchestration server."),
		kong.UsageOnError(),
	)

	cleanup, err := initLogging(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "priam: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "priam: %v\n", err)
		cleanup()
		os.Exit(1)
	}
}
