package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"agency/pkg/backoff"
	"agency/pkg/circuitbreaker"
	"agency/pkg/cloudevent"
)

// defaultBreakerThreshold is the consecutive failures that open a host's circuit.
const defaultBreakerThreshold = 5

// MemoryNotifier is an in-memory async notifier.
// Deliveries are queued in a bounded channel and sent by a worker pool.
// If the buffer is full, deliveries are dropped (logged + metric incremented).
type MemoryNotifier struct {
	queue    chan *delivery
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyRequeued(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// NewMemory creates an in-memory notifier and starts its workers.
func NewMemory(cfg Config, metrics MetricsRecorder) *MemoryNotifier {
	cfg = cfg.withDefaults()

	n := &MemoryNotifier{
		queue:  make(chan *delivery, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "notify"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}

	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "destinations", len(cfg.URLs), "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

func (n *MemoryNotifier) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordNotifyQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

// Notify queues event for every configured destination.
func (n *MemoryNotifier) Notify(event *cloudevent.CloudEvent) error {
	if n.closed.Load() {
		return fmt.Errorf("notifier is closed")
	}

	var err error
	for _, dest := range n.config.URLs {
		if e := n.enqueue(&delivery{payload: event, destination: dest}); e != nil {
			err = e
		}
	}
	return err
}

func (n *MemoryNotifier) enqueue(d *delivery) error {
	select {
	case n.queue <- d:
		n.queued.Add(1)
		return nil
	default:
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyDropped(context.Background())
		}
		n.logger.Warn("Event dropped, buffer full",
			"destination", extractHost(d.destination),
			"type", d.payload.Type,
		)
		return ErrBufferFull
	}
}

// Stats returns current delivery statistics.
func (n *MemoryNotifier) Stats() Stats {
	breakerStats := n.breakers.Stats()
	return Stats{
		QueueDepth:    len(n.queue),
		Queued:        n.queued.Load(),
		Delivered:     n.delivered.Load(),
		Failed:        n.failed.Load(),
		Dropped:       n.dropped.Load(),
		Requeued:      n.requeued.Load(),
		RetriesTotal:  n.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
		OpenHosts:     breakerStats.OpenKeys,
	}
}

// Close stops the workers after they drain the queue, or when ctx is done.
func (n *MemoryNotifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *MemoryNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drainQueue()
			return
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

func (n *MemoryNotifier) drainQueue() {
	for {
		select {
		case d := <-n.queue:
			n.deliver(d)
		default:
			return
		}
	}
}

// deliver sends one delivery with retry, guarded by the destination host's breaker.
func (n *MemoryNotifier) deliver(d *delivery) {
	host := extractHost(d.destination)
	breaker := n.breakers.Get(host)

	if !breaker.Allow() {
		n.requeue(d, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := n.sendWithRetry(ctx, d); err != nil {
		breaker.RecordFailure()
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(ctx)
		}
		n.logger.Warn("Delivery failed", "destination", host, "type", d.payload.Type, "subject", d.payload.Subject, "error", err)
		return
	}

	breaker.RecordSuccess()
	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts a delivery back after the breaker cooldown.
func (n *MemoryNotifier) requeue(d *delivery, host string) {
	if d.requeues >= n.config.MaxRequeues {
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyDropped(context.Background())
		}
		n.logger.Warn("Event dropped, max requeues reached",
			"destination", host,
			"type", d.payload.Type,
			"requeues", d.requeues,
		)
		return
	}

	d.requeues++
	n.requeued.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyRequeued(context.Background())
	}

	go func() {
		select {
		case <-n.shutdown:
			return
		case <-time.After(n.config.BreakerCooldown):
		}

		select {
		case n.queue <- d:
		case <-n.shutdown:
		default:
			n.dropped.Add(1)
			if n.metrics != nil {
				n.metrics.RecordNotifyDropped(context.Background())
			}
			n.logger.Warn("Event dropped on requeue, buffer full", "destination", host, "type", d.payload.Type)
		}
	}()
}

func (n *MemoryNotifier) sendWithRetry(ctx context.Context, d *delivery) error {
	opts := cloudevent.SendOptions{SigningKey: n.config.SigningKey}
	policy := &backoff.Config{Initial: n.config.Backoff}

	var lastErr error
	for attempt := range n.config.MaxRetries + 1 {
		if attempt > 0 {
			n.retriesTotal.Add(1)
			if err := backoff.Sleep(ctx, backoff.Exponential(attempt, policy)); err != nil {
				return err
			}
		}

		lastErr = n.sender.Send(ctx, d.destination, d.payload, opts)
		if lastErr == nil {
			return nil
		}
		if !cloudevent.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Notifier = (*MemoryNotifier)(nil)
