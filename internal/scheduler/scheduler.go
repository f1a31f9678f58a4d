// Package scheduler runs the polling loop that assigns created jobs to nodes
// and hands them to the supervisor pool. It keeps no state of its own: every
// decision is a conditional update in the job store, so any number of
// schedulers may run against the same store.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"agency/internal/job"
	"agency/internal/observability"
	"agency/internal/registry"
	"agency/internal/store"
)

// Store is the subset of the job store the scheduler needs.
type Store interface {
	FailExhausted(ctx context.Context) ([]job.Job, error)
	List(ctx context.Context, f job.Filter) ([]job.Job, error)
	TransitionWith(ctx context.Context, id string, expected, next job.State, detail job.Detail, opts store.TransitionOptions) (*job.Job, error)
	ClaimNext(ctx context.Context, nodes []job.Node, pick store.Picker) (*job.Job, error)
	ListOrphaned(ctx context.Context, limit int) ([]job.Job, error)
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

// Nodes serves node snapshots.
type Nodes interface {
	Nodes(ctx context.Context) ([]job.Node, error)
	Snapshot(ctx context.Context) ([]job.Node, error)
}

// Dispatcher accepts claimed jobs for execution.
type Dispatcher interface {
	Dispatch(jobID string) error
	Available() int
}

// Config tunes the scheduling loop.
type Config struct {
	Interval            time.Duration // between cycles (default: 2s)
	Strategy            string        // node selection strategy (default: least-reserved)
	FailUnschedulable   bool          // fail jobs no node could ever hold
	OrphanBatch         int           // orphans recovered per cycle (default: 64)
	MaintenanceInterval time.Duration // between purges (default: 10m)
	Retention           time.Duration // terminal jobs older than this are purged, 0 keeps them
	WorkDir             string        // supervisor workspace root, swept for stray job directories
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.Strategy == "" {
		c.Strategy = registry.StrategyLeastReserved
	}
	if c.OrphanBatch <= 0 {
		c.OrphanBatch = 64
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 10 * time.Minute
	}
	return c
}

// Scheduler claims jobs and dispatches them.
type Scheduler struct {
	cfg       Config
	store     Store
	nodes     Nodes
	pool      Dispatcher
	strategy  registry.Strategy
	announcer job.Announcer
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New creates a scheduler. announcer and metrics may be nil.
func New(cfg Config, st Store, nodes Nodes, pool Dispatcher, announcer job.Announcer, metrics *observability.Metrics) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	strategy, err := registry.StrategyByName(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		nodes:     nodes,
		pool:      pool,
		strategy:  strategy,
		announcer: announcer,
		metrics:   metrics,
		logger:    slog.With("component", "scheduler"),
	}, nil
}

// Run runs scheduling cycles and maintenance until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Scheduler started", "interval", s.cfg.Interval, "strategy", s.strategy.Name())

	cycle := time.NewTicker(s.cfg.Interval)
	defer cycle.Stop()
	maintenance := time.NewTicker(s.cfg.MaintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-cycle.C:
			if err := s.Cycle(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Scheduling cycle failed", "error", err)
			}
		case <-maintenance.C:
			if err := s.Maintain(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Maintenance failed", "error", err)
			}
		}
	}
}

// Cycle runs one scheduling pass. A store error ends the pass early.
func (s *Scheduler) Cycle(ctx context.Context) error {
	start := time.Now()
	if s.metrics != nil {
		defer func() { s.metrics.RecordSchedulerCycle(ctx, time.Since(start).Seconds()) }()
	}

	exhausted, err := s.store.FailExhausted(ctx)
	if err != nil {
		return err
	}
	s.finished(ctx, exhausted, job.ReasonExhausted)

	if s.cfg.FailUnschedulable {
		if err := s.failUnschedulable(ctx); err != nil {
			return err
		}
	}

	if err := s.claim(ctx); err != nil {
		return err
	}
	return s.recoverOrphans(ctx)
}

func (s *Scheduler) failUnschedulable(ctx context.Context) error {
	pool, err := s.nodes.Nodes(ctx)
	if err != nil {
		return err
	}
	enabled := slices.ContainsFunc(pool, func(n job.Node) bool { return n.Health != job.HealthDisabled })
	if !enabled {
		return nil // no pool yet, or all of it disabled: nothing can be judged
	}
	pending, err := s.store.List(ctx, job.Filter{States: []job.State{job.StateCreated}})
	if err != nil {
		return err
	}

	var failed []job.Job
	for _, p := range pending {
		if registry.Satisfiable(p.Manifest.Resources, pool) {
			continue
		}
		j, err := s.store.TransitionWith(ctx, p.ID, job.StateCreated, job.StateFailed,
			job.Detail{Message: "no node can hold the requested resources"},
			store.TransitionOptions{FailureReason: job.ReasonUnschedulable})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		s.logger.Warn("Job unschedulable", "jobId", j.ID, "memoryMb", j.Manifest.Resources.MemoryMB,
			"cpuMillis", j.Manifest.Resources.CPUMillis, "gpus", j.Manifest.Resources.GPUs)
		failed = append(failed, *j)
	}
	s.finished(ctx, failed, job.ReasonUnschedulable)
	return nil
}

// claim hands claimable jobs to the pool while it has room.
func (s *Scheduler) claim(ctx context.Context) error {
	for s.pool.Available() > 0 {
		nodes, err := s.nodes.Snapshot(ctx)
		if err != nil {
			return err
		}
		j, err := s.store.ClaimNext(ctx, nodes, s.strategy)
		if err != nil {
			return err
		}
		if j == nil {
			return nil
		}
		if s.metrics != nil {
			s.metrics.RecordJobClaimed(ctx, j.AssignedNode)
			s.metrics.RecordTransition(ctx, string(job.StateScheduled))
		}
		s.logger.Info("Job scheduled", "jobId", j.ID, "node", j.AssignedNode)
		if err := s.pool.Dispatch(j.ID); err != nil {
			// the claim lapses into an orphan and is recovered later
			s.logger.Warn("Dispatch failed", "jobId", j.ID, "error", err)
			return nil
		}
	}
	return nil
}

func (s *Scheduler) recoverOrphans(ctx context.Context) error {
	room := s.pool.Available()
	if room <= 0 {
		return nil
	}
	orphans, err := s.store.ListOrphaned(ctx, min(room, s.cfg.OrphanBatch))
	if err != nil {
		return err
	}
	for _, o := range orphans {
		s.logger.Info("Recovering orphaned job", "jobId", o.ID, "state", o.State, "node", o.AssignedNode)
		if err := s.pool.Dispatch(o.ID); err != nil {
			s.logger.Warn("Dispatch failed", "jobId", o.ID, "error", err)
			return nil
		}
	}
	return nil
}

func (s *Scheduler) finished(ctx context.Context, jobs []job.Job, reason string) {
	if len(jobs) == 0 {
		return
	}
	if s.metrics != nil {
		for range jobs {
			s.metrics.RecordTransition(ctx, string(job.StateFailed))
			s.metrics.RecordFailure(ctx, reason)
		}
	}
	if s.announcer != nil {
		s.announcer.Announce(ctx, jobs...)
	}
}

// Maintain purges terminal jobs past retention and removes workspace
// directories that belong to no active job.
func (s *Scheduler) Maintain(ctx context.Context) error {
	var errs []error
	if s.cfg.Retention > 0 {
		n, err := s.store.PurgeTerminal(ctx, time.Now().Add(-s.cfg.Retention))
		if err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			s.logger.Info("Purged finished jobs", "count", n)
		}
	}
	if s.cfg.WorkDir != "" {
		errs = append(errs, s.sweepWorkspaces(ctx))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) sweepWorkspaces(ctx context.Context) error {
	entries, err := os.ReadDir(s.cfg.WorkDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	active, err := s.store.List(ctx, job.Filter{States: []job.State{
		job.StateScheduled, job.StateProcessingInput, job.StateProcessingContainer, job.StateProcessingOutput,
	}})
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(active))
	for _, j := range active {
		keep[j.ID] = true
	}

	for _, e := range entries {
		if !e.IsDir() || keep[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.cfg.WorkDir, e.Name())); err != nil {
			s.logger.Warn("Failed to remove stray workspace", "dir", e.Name(), "error", err)
			continue
		}
		s.logger.Debug("Removed stray workspace", "dir", e.Name())
	}
	return nil
}
