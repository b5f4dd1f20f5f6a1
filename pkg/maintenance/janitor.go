// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package maintenance runs the scheduled background sweeps: idle session
// destruction, form expiry, checkpoint retention pruning, and memory
// cache eviction. Each sweep is also directly invocable, so operators and
// tests can trigger one without waiting for its schedule.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kadirpekel/priam/pkg/checkpoint"
	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/orchestrator"
	"github.com/kadirpekel/priam/pkg/session"
)

// CacheSweeper evicts expired cache entries. Satisfied by
// memory.CacheStore.
type CacheSweeper interface {
	Sweep()
}

// Deps carries everything the janitor sweeps over. Cache may be nil when
// no cache tier is configured.
type Deps struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Checkpoints  *checkpoint.Manager
	Cache        CacheSweeper
}

// Janitor schedules the maintenance sweeps with cron expressions from
// the maintenance config.
type Janitor struct {
	deps Deps
	cron *cron.Cron
}

// New builds the janitor and registers its sweeps. Schedule expressions
// are validated here; a bad expression fails startup rather than
// silently never running.
func New(deps Deps) (*Janitor, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint manager is required")
	}

	j := &Janitor{
		deps: deps,
		cron: cron.New(),
	}

	mc := deps.Config.Maintenance
	schedules := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"session_sweep", mc.SessionSweep, j.SweepSessions},
		{"checkpoint_sweep", mc.CheckpointSweep, j.SweepCheckpoints},
		{"cache_sweep", mc.CacheSweep, func(context.Context) { j.SweepCache() }},
	}
	for _, s := range schedules {
		run := s.run
		if _, err := j.cron.AddFunc(s.spec, func() {
			run(context.Background())
		}); err != nil {
			return nil, fmt.Errorf("maintenance %s schedule %q: %w", s.name, s.spec, err)
		}
	}
	return j, nil
}

// Start begins running the sweeps on their schedules.
func (j *Janitor) Start() {
	j.cron.Start()
	slog.Info("Maintenance janitor started",
		"session_sweep", j.deps.Config.Maintenance.SessionSweep,
		"checkpoint_sweep", j.deps.Config.Maintenance.CheckpointSweep,
		"cache_sweep", j.deps.Config.Maintenance.CacheSweep)
}

// Stop halts scheduling and waits for any running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// SweepSessions expires overdue forms, then destroys sessions idle past
// the configured TTL. Form expiry runs first so a session that has been
// stuck on a form for the whole TTL gets its recovery path before the
// destroy check sees it.
func (j *Janitor) SweepSessions(ctx context.Context) {
	started := time.Now()
	expired := j.deps.Orchestrator.ExpireForms(ctx)
	destroyed := j.deps.Orchestrator.DestroyIdle(ctx, time.Duration(j.deps.Config.Session.TTL))

	if expired > 0 || destroyed > 0 {
		slog.Info("Session sweep finished",
			"expired_forms", expired,
			"destroyed", destroyed,
			"took", time.Since(started))
	}
}

// SweepCheckpoints prunes checkpoint history of quiescent sessions down
// to the retention bound. Active sessions are left alone; their history
// may still be needed for crash recovery.
func (j *Janitor) SweepCheckpoints(ctx context.Context) {
	keepLast := j.keepLast()
	if keepLast <= 0 {
		return
	}

	keys, err := j.deps.Checkpoints.Store().ListByState(ctx, session.StateIdle, session.StateTerminal)
	if err != nil {
		slog.Warn("Checkpoint sweep failed to list sessions", "error", err)
		return
	}

	pruned := 0
	for _, key := range keys {
		if err := j.deps.Checkpoints.Store().Prune(ctx, key, keepLast); err != nil {
			slog.Warn("Failed to prune checkpoints",
				"session", key.String(),
				"error", err)
			continue
		}
		pruned++
	}
	if pruned > 0 {
		slog.Debug("Checkpoint sweep finished",
			"sessions", pruned,
			"keep_last", keepLast)
	}
}

// SweepCache evicts expired cache entries.
func (j *Janitor) SweepCache() {
	if j.deps.Cache == nil {
		return
	}
	j.deps.Cache.Sweep()
}

func (j *Janitor) keepLast() int {
	cp := j.deps.Config.Session.Checkpoint
	if cp == nil {
		return 0
	}
	return cp.KeepLast
}
