// Package supervisor drives claimed jobs through input staging, container
// execution and output staging. Every step is a conditional store transition
// fenced by the job lease, so a duplicate or stale supervisor has no effect.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"agency/internal/connector"
	"agency/internal/job"
	"agency/internal/logarchive"
	"agency/internal/mediator"
	"agency/internal/notify"
	"agency/internal/observability"
	"agency/internal/runtime"
	"agency/internal/store"

	"github.com/google/uuid"
)

// Store is the subset of the job store supervisors use.
type Store interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, f job.Filter) ([]job.Job, error)
	TransitionWith(ctx context.Context, id string, expected, next job.State, detail job.Detail, opts store.TransitionOptions) (*job.Job, error)
	AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, id, owner string) error
}

// Nodes resolves node addresses and collects per-node failure signals.
type Nodes interface {
	Address(ctx context.Context, nodeID string) (string, error)
	RecordFailure(nodeID string)
	RecordSuccess(nodeID string)
}

// Connectors runs connector executables.
type Connectors interface {
	Invoke(ctx context.Context, req connector.Request) error
}

// Deps are the collaborators of a Supervisor. Mediator, Archive and Notifier
// may be nil.
type Deps struct {
	Store      Store
	Nodes      Nodes
	Runtime    runtime.Runtime
	Connectors Connectors
	Mediator   mediator.Mediator
	Archive    logarchive.Archive
	Notifier   notify.Notifier
	Metrics    *observability.Metrics
}

var (
	errLeaseLost       = errors.New("job lease lost")
	errCancelRequested = errors.New("cancellation requested")
)

// Supervisor executes jobs.
type Supervisor struct {
	cfg        Config
	store      Store
	nodes      Nodes
	runtime    runtime.Runtime
	connectors Connectors
	mediator   mediator.Mediator
	archive    logarchive.Archive
	notifier   notify.Notifier
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// New creates a supervisor.
func New(cfg Config, deps Deps) *Supervisor {
	s := &Supervisor{
		cfg:        cfg.withDefaults(),
		store:      deps.Store,
		nodes:      deps.Nodes,
		runtime:    deps.Runtime,
		connectors: deps.Connectors,
		mediator:   deps.Mediator,
		archive:    deps.Archive,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		logger:     slog.With("component", "supervisor"),
	}
	if s.mediator == nil {
		s.mediator = mediator.None{}
	}
	if s.archive == nil {
		s.archive = logarchive.Discard{}
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	return s
}

// Execute advances the job from its stored state until it is terminal, back
// at created for a retry, or owned by someone else. A job whose lease is held
// by another supervisor is left alone and Execute returns nil.
func (s *Supervisor) Execute(ctx context.Context, jobID string) error {
	owner := s.cfg.InstanceID + "/" + uuid.NewString()
	ok, err := s.store.AcquireLease(ctx, jobID, owner, s.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug("Job not available", "jobId", jobID)
		return nil
	}

	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		s.releaseLease(ctx, jobID, owner)
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordSupervisionStarted(ctx)
		defer s.metrics.RecordSupervisionEnded(ctx)
	}

	e := &execution{
		s:      s,
		job:    j,
		owner:  owner,
		logger: slog.With("jobId", j.ID, "batchId", j.BatchID, "node", j.AssignedNode, "attempt", j.AttemptCount),
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if j.CancelRequested {
		cancel(errCancelRequested)
	}

	kept := make(chan struct{})
	go func() {
		defer close(kept)
		s.keep(runCtx, cancel, jobID, owner)
	}()

	runErr := e.run(runCtx)
	cause := context.Cause(runCtx)
	cancel(nil)
	<-kept

	return e.settle(ctx, runErr, cause)
}

// keep renews the lease and watches for cancellation until ctx ends.
func (s *Supervisor) keep(ctx context.Context, cancel context.CancelCauseFunc, id, owner string) {
	renew := time.NewTicker(s.cfg.LeaseTTL / 3)
	defer renew.Stop()
	poll := time.NewTicker(s.cfg.CancelPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-renew.C:
			ok, err := s.store.RenewLease(ctx, id, owner, s.cfg.LeaseTTL)
			if err != nil {
				// the lease is still valid until it expires; try again next tick
				s.logger.Warn("Lease renewal failed", "jobId", id, "error", err)
				continue
			}
			if !ok {
				cancel(errLeaseLost)
				return
			}
		case <-poll.C:
			j, err := s.store.Get(ctx, id)
			if err != nil {
				continue
			}
			if j.CancelRequested {
				cancel(errCancelRequested)
				return
			}
			if j.LeaseOwner != owner && j.State.Active() {
				cancel(errLeaseLost)
				return
			}
		}
	}
}

func (s *Supervisor) releaseLease(ctx context.Context, id, owner string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CleanupTimeout)
	defer cancel()
	if err := s.store.ReleaseLease(ctx, id, owner); err != nil {
		s.logger.Warn("Failed to release lease", "jobId", id, "error", err)
	}
}
