// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/kadirpekel/priam/pkg/agent"
	"github.com/kadirpekel/priam/pkg/assembler"
	"github.com/kadirpekel/priam/pkg/checkpoint"
	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/embedders"
	"github.com/kadirpekel/priam/pkg/eventbus"
	"github.com/kadirpekel/priam/pkg/llms"
	"github.com/kadirpekel/priam/pkg/maintenance"
	"github.com/kadirpekel/priam/pkg/memory"
	"github.com/kadirpekel/priam/pkg/observability"
	"github.com/kadirpekel/priam/pkg/orchestrator"
	"github.com/kadirpekel/priam/pkg/server"
	"github.com/kadirpekel/priam/pkg/tools"
	"github.com/kadirpekel/priam/pkg/tools/builtin"
)

// ServeCmd starts the WebSocket server.
type ServeCmd struct {
	Listen string `help:"Override the listen address (host:port)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if err := c.applyListen(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()
	metrics := obs.GetMetrics()

	// Model providers.
	models := llms.NewModelRegistry()
	defer func() { _ = models.Close() }()
	for name, mc := range cfg.Models {
		if _, err := models.CreateModelFromConfig(name, mc); err != nil {
			return fmt.Errorf("model %s: %w", name, err)
		}
	}

	// Embedders feed the vector memory tier.
	embedderRegistry := embedders.NewEmbedderRegistry()
	defer func() { _ = embedderRegistry.Close() }()
	for name, ec := range cfg.Embedders {
		if _, err := embedderRegistry.CreateEmbedderFromConfig(name, ec); err != nil {
			return fmt.Errorf("embedder %s: %w", name, err)
		}
	}

	mem, err := memory.NewServiceFromConfig(cfg.Memory, embedderRegistry)
	if err != nil {
		return fmt.Errorf("building memory service: %w", err)
	}
	defer func() { _ = mem.Close() }()

	// Tool catalog: builtin handlers plus any MCP servers.
	registry := tools.NewRegistry(cfg.ToolExecution)
	defer func() { _ = registry.Close() }()
	if err := registry.RegisterSource(builtin.NewSource()); err != nil {
		return err
	}
	for name, mc := range cfg.MCPServers {
		if err := registry.RegisterSource(tools.NewMCPSource(name, mc)); err != nil {
			return fmt.Errorf("mcp server %s: %w", name, err)
		}
	}
	if err := registry.LoadCatalog(ctx, cfg.Tools); err != nil {
		return fmt.Errorf("loading tool catalog: %w", err)
	}

	checkpoints, err := buildCheckpointManager(cfg, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = checkpoints.Close() }()

	bus := eventbus.New(
		eventbus.WithBufferSize(cfg.Session.BusBuffer),
		eventbus.WithOnDrop(func(ev *eventbus.Event) {
			metrics.RecordEventDropped(context.Background(), string(ev.Envelope.Type))
		}),
	)
	defer bus.Shutdown()

	orc, err := orchestrator.New(orchestrator.Deps{
		Config:      cfg,
		Runner:      agent.NewRunner(models),
		Assembler:   assembler.New(cfg.Agents, cfg.Models, mem, registry),
		Tools:       registry,
		Memory:      mem,
		Checkpoints: checkpoints,
		Bus:         bus,
	})
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}
	defer func() { _ = orc.Shutdown(context.Background()) }()

	// Every catalog tool doubles as an async select data source under
	// its own name.
	for name := range cfg.Tools {
		orc.Options().Register(name, orchestrator.NewToolOptionsProvider(registry, name))
	}

	if err := orc.ResumeAll(ctx); err != nil {
		return fmt.Errorf("resuming sessions: %w", err)
	}

	if cfg.Maintenance.IsEnabled() {
		janitor, err := maintenance.New(maintenance.Deps{
			Config:       cfg,
			Orchestrator: orc,
			Checkpoints:  checkpoints,
			Cache:        cacheSweeper(mem),
		})
		if err != nil {
			return err
		}
		janitor.Start()
		defer janitor.Stop()
	}

	return server.New(cfg, orc).Start(ctx)
}

// applyListen overrides the configured bind address with --listen.
func (c *ServeCmd) applyListen(cfg *config.Config) error {
	if c.Listen == "" {
		return nil
	}
	host, portStr, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return fmt.Errorf("invalid --listen address %q: %w", c.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid --listen port %q: %w", portStr, err)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	cfg.Server.Port = port
	return nil
}

func buildCheckpointManager(cfg *config.Config, metrics observability.Metrics) (*checkpoint.Manager, error) {
	var store checkpoint.Store
	backend := "inmemory"
	if cfg.Session.Checkpoint.IsSQL() {
		sqlStore, err := checkpoint.NewSQLStoreFromConfig(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("building checkpoint store: %w", err)
		}
		store = sqlStore
		backend = cfg.Database.Driver
	} else {
		store = checkpoint.NewMemoryStore()
	}

	keepLast := 0
	if cfg.Session.Checkpoint != nil {
		keepLast = cfg.Session.Checkpoint.KeepLast
	}

	return checkpoint.NewManager(store,
		checkpoint.WithRetention(keepLast),
		checkpoint.WithOnSaved(func(cp *checkpoint.Checkpoint, _ uint64) {
			metrics.RecordCheckpointSave(context.Background(), backend, nil)
		}),
	), nil
}

func cacheSweeper(mem *memory.Service) maintenance.CacheSweeper {
	if sweeper, ok := mem.CacheTier().(maintenance.CacheSweeper); ok {
		return sweeper
	}
	return nil
}
