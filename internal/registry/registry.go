// Package registry tracks the node pool: it seeds nodes into the job store,
// serves online snapshots to the scheduler, and moves nodes between online
// and unreachable from execution failures and health probes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"agency/internal/apperrors"
	"agency/internal/job"
	"agency/internal/observability"
	"agency/pkg/circuitbreaker"

	"gopkg.in/yaml.v3"
)

// Store is the subset of the job store the registry needs.
type Store interface {
	UpsertNode(ctx context.Context, n job.Node) error
	Node(ctx context.Context, id string) (*job.Node, error)
	Nodes(ctx context.Context) ([]job.Node, error)
	SetNodeHealth(ctx context.Context, id string, h job.Health) error
}

// Inspector reaches a node's container runtime.
type Inspector interface {
	Ping(ctx context.Context, addr string) error
	Info(ctx context.Context, addr string) (job.Resources, error)
}

// Config tunes failure detection.
type Config struct {
	FailureThreshold int           // consecutive failures before a node is marked unreachable (default: 3)
	FailureWindow    time.Duration // failures further apart restart the count (default: 1m)
	ProbeInterval    time.Duration // how often nodes are probed (default: 15s)
	Timeout          time.Duration // per probe and store call (default: 5s)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Registry is the node pool.
type Registry struct {
	store     Store
	inspector Inspector
	breakers  *circuitbreaker.Registry
	cfg       Config
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New creates a registry. metrics may be nil.
func New(store Store, inspector Inspector, cfg Config, metrics *observability.Metrics) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		store:     store,
		inspector: inspector,
		cfg:       cfg,
		metrics:   metrics,
		logger:    slog.With("component", "registry"),
	}
	r.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold:     cfg.FailureThreshold,
		Cooldown:      cfg.ProbeInterval,
		Window:        cfg.FailureWindow,
		OnStateChange: r.onBreakerChange,
	})
	return r
}

// FileNode is one entry of the node pool file.
type FileNode struct {
	ID        string `yaml:"id"`
	Address   string `yaml:"address"`
	MemoryMB  int64  `yaml:"memoryMb"`
	CPUMillis int64  `yaml:"cpuMillis"`
	GPUs      int64  `yaml:"gpus"`
	Disabled  bool   `yaml:"disabled"`
}

type poolFile struct {
	Nodes []FileNode `yaml:"nodes"`
}

// LoadFile reads the node pool file.
func LoadFile(path string) ([]FileNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node file: %w", err)
	}
	var f poolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse node file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Nodes))
	for i, n := range f.Nodes {
		if n.ID == "" || n.Address == "" {
			return nil, fmt.Errorf("node file %s: nodes[%d] needs an id and an address", path, i)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("node file %s: duplicate node id %q", path, n.ID)
		}
		if n.MemoryMB < 0 || n.CPUMillis < 0 || n.GPUs < 0 {
			return nil, fmt.Errorf("node file %s: node %q has negative capacity", path, n.ID)
		}
		seen[n.ID] = true
	}
	return f.Nodes, nil
}

// Seed registers nodes in the store. Nodes declared without capacity are
// inspected; a node that cannot be inspected is registered unreachable and
// inspected again by the prober once it answers.
func (r *Registry) Seed(ctx context.Context, nodes []FileNode) error {
	for _, fn := range nodes {
		n := job.Node{
			ID:      fn.ID,
			Address: fn.Address,
			Total:   job.Resources{MemoryMB: fn.MemoryMB, CPUMillis: fn.CPUMillis, GPUs: fn.GPUs},
		}
		if fn.Disabled {
			n.Health = job.HealthDisabled
		}
		if n.Total.MemoryMB == 0 && !fn.Disabled {
			if err := r.inspect(ctx, &n); err != nil {
				r.logger.Warn("Node inspection failed", "node", n.ID, "address", n.Address, "error", err)
				n.Health = job.HealthUnreachable
			}
		}
		err := r.store.UpsertNode(ctx, n)
		if errors.Is(err, apperrors.ErrConflict) {
			// running jobs hold more than the new totals; keep the stored node
			r.logger.Warn("Node capacity not lowered below its reservation", "node", n.ID, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("register node %s: %w", n.ID, err)
		}
		r.logger.Info("Node registered", "node", n.ID, "address", n.Address,
			"memoryMb", n.Total.MemoryMB, "cpuMillis", n.Total.CPUMillis, "gpus", n.Total.GPUs)
	}
	return nil
}

// inspect fills the unset totals of n from the node's runtime.
func (r *Registry) inspect(ctx context.Context, n *job.Node) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	info, err := r.inspector.Info(ctx, n.Address)
	if err != nil {
		return err
	}
	if n.Total.MemoryMB == 0 {
		n.Total.MemoryMB = info.MemoryMB
	}
	if n.Total.CPUMillis == 0 {
		n.Total.CPUMillis = info.CPUMillis
	}
	if n.Total.GPUs == 0 {
		n.Total.GPUs = info.GPUs
	}
	return nil
}

// Nodes returns the whole pool.
func (r *Registry) Nodes(ctx context.Context) ([]job.Node, error) {
	return r.store.Nodes(ctx)
}

// Snapshot returns the online nodes.
func (r *Registry) Snapshot(ctx context.Context) ([]job.Node, error) {
	nodes, err := r.store.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	online := nodes[:0]
	for _, n := range nodes {
		if r.metrics != nil {
			r.metrics.RecordNodeReserved(ctx, n.ID, n.Reserved.MemoryMB)
		}
		if n.Health == job.HealthOnline {
			online = append(online, n)
		}
	}
	return online, nil
}

// Address returns a node's runtime address.
func (r *Registry) Address(ctx context.Context, nodeID string) (string, error) {
	n, err := r.store.Node(ctx, nodeID)
	if err != nil {
		return "", err
	}
	return n.Address, nil
}

// RecordFailure counts an infrastructure failure against a node. Enough
// failures within the window mark it unreachable.
func (r *Registry) RecordFailure(nodeID string) {
	b := r.breakers.Get(nodeID)
	if b.State() == circuitbreaker.Open && r.storedHealth(nodeID) == job.HealthOnline {
		// restored by another instance, or the earlier mark never landed
		b.Reset()
	}
	b.RecordFailure()
}

func (r *Registry) storedHealth(nodeID string) job.Health {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()
	n, err := r.store.Node(ctx, nodeID)
	if err != nil {
		r.logger.Warn("Failed to read node", "node", nodeID, "error", err)
		return ""
	}
	return n.Health
}

// RecordSuccess clears a node's failure count.
func (r *Registry) RecordSuccess(nodeID string) {
	r.breakers.Get(nodeID).RecordSuccess()
}

// BreakerState returns the failure-detection state of a node.
func (r *Registry) BreakerState(nodeID string) circuitbreaker.State {
	return r.breakers.Get(nodeID).State()
}

func (r *Registry) onBreakerChange(nodeID string, from, to circuitbreaker.State) {
	if to != circuitbreaker.Open {
		return
	}
	if r.storedHealth(nodeID) != job.HealthOnline {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()
	if err := r.store.SetNodeHealth(ctx, nodeID, job.HealthUnreachable); err != nil {
		r.logger.Warn("Failed to mark node unreachable", "node", nodeID, "error", err)
		return
	}
	r.logger.Warn("Node marked unreachable", "node", nodeID, "from", from.String())
}

// SetHealth lets an operator enable or disable a node. Enabling clears the
// node's failure history.
func (r *Registry) SetHealth(ctx context.Context, nodeID string, h job.Health) (*job.Node, error) {
	if err := r.store.SetNodeHealth(ctx, nodeID, h); err != nil {
		return nil, err
	}
	if h == job.HealthOnline {
		r.breakers.Get(nodeID).Reset()
	}
	r.logger.Info("Node health set", "node", nodeID, "health", h)
	return r.store.Node(ctx, nodeID)
}

// ProbeOnce pings every node that is not disabled. Unreachable nodes that
// answer are restored; online nodes that do not answer count a failure.
func (r *Registry) ProbeOnce(ctx context.Context) error {
	nodes, err := r.store.Nodes(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, n := range nodes {
		if n.Health == job.HealthDisabled {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		perr := r.inspector.Ping(pctx, n.Address)
		cancel()

		switch {
		case perr != nil && n.Health == job.HealthOnline:
			r.logger.Debug("Node probe failed", "node", n.ID, "error", perr)
			r.RecordFailure(n.ID)
		case perr == nil && n.Health == job.HealthUnreachable:
			if err := r.restore(ctx, n); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) restore(ctx context.Context, n job.Node) error {
	if n.Total.MemoryMB == 0 {
		if err := r.inspect(ctx, &n); err != nil {
			return fmt.Errorf("inspect node %s: %w", n.ID, err)
		}
		n.Health = ""
		if err := r.store.UpsertNode(ctx, n); err != nil {
			return err
		}
	}
	if err := r.store.SetNodeHealth(ctx, n.ID, job.HealthOnline); err != nil {
		return err
	}
	r.breakers.Get(n.ID).Reset()
	r.logger.Info("Node restored", "node", n.ID)
	return nil
}

// RunProber probes the pool every ProbeInterval until ctx is cancelled.
func (r *Registry) RunProber(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ProbeOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("Node probe cycle failed", "error", err)
			}
		}
	}
}
