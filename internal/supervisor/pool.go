package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"agency/internal/observability"
)

// ErrQueueFull is returned by Dispatch when no more jobs can be queued.
var ErrQueueFull = errors.New("supervisor queue full")

// ErrPoolClosed is returned by Dispatch after Close.
var ErrPoolClosed = errors.New("supervisor pool closed")

// Executor runs one job to a resting point.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// PoolStats are dispatch counters.
type PoolStats struct {
	QueueDepth int   `json:"queueDepth"`
	Capacity   int   `json:"capacity"`
	Active     int64 `json:"active"`
	Dispatched int64 `json:"dispatched"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
	Completed  int64 `json:"completed"`
	Errors     int64 `json:"errors"`
}

// Pool runs executions on a fixed set of workers fed by a bounded queue.
// A job already queued or running in this process is not queued again.
type Pool struct {
	exec    Executor
	queue   chan string
	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]bool

	active     atomic.Int64
	dispatched atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
	completed  atomic.Int64
	failures   atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewPool starts cfg.Workers workers executing dispatched jobs.
func NewPool(exec Executor, cfg Config, metrics *observability.Metrics) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		exec:     exec,
		queue:    make(chan string, cfg.QueueSize),
		metrics:  metrics,
		logger:   slog.With("component", "supervisor-pool"),
		pending:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
	}

	p.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go p.worker()
	}
	if metrics != nil {
		go p.reportQueueSize()
	}

	p.logger.Info("Supervisor pool started", "workers", cfg.Workers, "queue", cfg.QueueSize)
	return p
}

// Dispatch queues a job for execution. Dispatching a job that is already
// queued or running here is a no-op.
func (p *Pool) Dispatch(jobID string) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[jobID] {
		p.duplicates.Add(1)
		return nil
	}
	select {
	case p.queue <- jobID:
		p.pending[jobID] = true
		p.dispatched.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Available returns the number of dispatches the queue can take right now.
func (p *Pool) Available() int {
	return cap(p.queue) - len(p.queue)
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		QueueDepth: len(p.queue),
		Capacity:   cap(p.queue),
		Active:     p.active.Load(),
		Dispatched: p.dispatched.Load(),
		Duplicates: p.duplicates.Load(),
		Rejected:   p.rejected.Load(),
		Completed:  p.completed.Load(),
		Errors:     p.failures.Load(),
	}
}

// Close stops accepting work and cancels running executions. Jobs left
// queued keep their store state and are recovered once their claim expires.
// Close returns when the workers have exited or ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("Supervisor pool shutting down", "active", p.active.Load(), "queued", len(p.queue))
	close(p.shutdown)
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Supervisor pool stopped", "completed", p.completed.Load())
		return nil
	case <-ctx.Done():
		p.logger.Warn("Supervisor pool shutdown timed out", "active", p.active.Load())
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.shutdown:
			return
		case id := <-p.queue:
			p.run(id)
		}
	}
}

func (p *Pool) run(id string) {
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if p.ctx.Err() != nil {
		return
	}
	p.active.Add(1)
	defer p.active.Add(-1)

	if err := p.exec.Execute(p.ctx, id); err != nil {
		p.failures.Add(1)
		p.logger.Warn("Execution ended with error", "jobId", id, "error", err)
	}
	p.completed.Add(1)
}

func (p *Pool) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.metrics.RecordSupervisorQueueSize(context.Background(), int64(len(p.queue)))
		}
	}
}
