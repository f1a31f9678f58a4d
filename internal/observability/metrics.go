package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: request, stage, and scheduling-cycle durations
// - Traffic: submissions, claims, transitions, connector invocations
// - Errors: failures by reason, retries, failed notifications
// - Saturation: reserved node memory, supervisor and notification queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job lifecycle metrics
	JobsSubmitted   metric.Int64Counter
	JobsClaimed     metric.Int64Counter
	JobTransitions  metric.Int64Counter
	JobRetries      metric.Int64Counter
	JobFailures     metric.Int64Counter
	JobsActive      metric.Int64UpDownCounter
	StageDuration   metric.Float64Histogram
	ConnectorCalls  metric.Int64Counter
	SchedulerCycle  metric.Float64Histogram
	NodeReservedMem metric.Int64Gauge
	SupervisorQueue metric.Int64Gauge

	// Notification metrics
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyRequeued  metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m := &Metrics{meter: provider.Meter("agency")}
	if err := m.register(); err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func (m *Metrics) register() error {
	var err error
	meter := m.meter

	counter := func(dst *metric.Int64Counter, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc))
	}
	gauge := func(dst *metric.Int64Gauge, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Gauge(name, metric.WithDescription(desc))
	}
	histogram := func(dst *metric.Float64Histogram, name, desc string, bounds ...float64) {
		if err != nil {
			return
		}
		*dst, err = meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(bounds...),
		)
	}

	histogram(&m.HTTPRequestDuration, "http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	counter(&m.HTTPRequestsTotal, "http_requests_total", "Total number of HTTP requests")
	counter(&m.HTTPErrorsTotal, "http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	counter(&m.JobsSubmitted, "jobs_submitted_total", "Total number of jobs accepted")
	counter(&m.JobsClaimed, "jobs_claimed_total", "Total number of jobs assigned to a node")
	counter(&m.JobTransitions, "job_transitions_total", "Total job state transitions by target state")
	counter(&m.JobRetries, "job_retries_total", "Total transient failures returned to created")
	counter(&m.JobFailures, "job_failures_total", "Total jobs failed by reason")
	if err == nil {
		m.JobsActive, err = meter.Int64UpDownCounter("jobs_active",
			metric.WithDescription("Number of jobs currently held by a supervisor (saturation)"))
	}
	histogram(&m.StageDuration, "stage_duration_seconds", "Execution stage duration in seconds",
		0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600)
	counter(&m.ConnectorCalls, "connector_invocations_total", "Total connector invocations by direction and outcome")
	histogram(&m.SchedulerCycle, "scheduler_cycle_duration_seconds", "Scheduling cycle duration in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5)
	gauge(&m.NodeReservedMem, "node_reserved_memory_mb", "Memory reserved on a node in MB (saturation)")
	gauge(&m.SupervisorQueue, "supervisor_queue_size", "Jobs waiting for a supervisor worker (saturation)")

	histogram(&m.NotifyDuration, "notify_duration_seconds", "Notification delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	counter(&m.NotifyDelivered, "notify_delivered_total", "Total notifications successfully delivered")
	counter(&m.NotifyFailed, "notify_failed_total", "Total notifications failed after retries")
	counter(&m.NotifyDropped, "notify_dropped_total", "Total notifications dropped (buffer full or max requeues)")
	counter(&m.NotifyRequeued, "notify_requeued_total", "Total notifications requeued due to open circuit")
	gauge(&m.NotifyQueueSize, "notify_queue_size", "Current number of notifications queued (saturation)")

	return err
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobsSubmitted records accepted jobs.
func (m *Metrics) RecordJobsSubmitted(ctx context.Context, n int) {
	m.JobsSubmitted.Add(ctx, int64(n))
}

// RecordJobClaimed records a job assigned to node.
func (m *Metrics) RecordJobClaimed(ctx context.Context, node string) {
	m.JobsClaimed.Add(ctx, 1, metric.WithAttributes(nodeAttr(node)))
}

// RecordTransition records a job entering state.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(stateAttr(state)))
}

// RecordRetry records a transient failure that returned a job to created.
func (m *Metrics) RecordRetry(ctx context.Context, stage string) {
	m.JobRetries.Add(ctx, 1, metric.WithAttributes(stageAttr(stage)))
}

// RecordFailure records a job failed with reason.
func (m *Metrics) RecordFailure(ctx context.Context, reason string) {
	m.JobFailures.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordSupervisionStarted records a supervisor taking ownership of a job.
func (m *Metrics) RecordSupervisionStarted(ctx context.Context) {
	m.JobsActive.Add(ctx, 1)
}

// RecordSupervisionEnded records a supervisor releasing a job.
func (m *Metrics) RecordSupervisionEnded(ctx context.Context) {
	m.JobsActive.Add(ctx, -1)
}

// RecordStage records how long one execution stage took.
func (m *Metrics) RecordStage(ctx context.Context, stage string, success bool, durationSeconds float64) {
	m.StageDuration.Record(ctx, durationSeconds, metric.WithAttributes(stageAttr(stage), successAttr(success)))
}

// RecordConnector records one connector invocation.
func (m *Metrics) RecordConnector(ctx context.Context, direction, outcome string) {
	m.ConnectorCalls.Add(ctx, 1, metric.WithAttributes(directionAttr(direction), outcomeAttr(outcome)))
}

// RecordSchedulerCycle records one scheduling pass.
func (m *Metrics) RecordSchedulerCycle(ctx context.Context, durationSeconds float64) {
	m.SchedulerCycle.Record(ctx, durationSeconds)
}

// RecordNodeReserved records the memory currently reserved on node.
func (m *Metrics) RecordNodeReserved(ctx context.Context, node string, memoryMB int64) {
	m.NodeReservedMem.Record(ctx, memoryMB, metric.WithAttributes(nodeAttr(node)))
}

// RecordSupervisorQueueSize records the supervisor backlog.
func (m *Metrics) RecordSupervisorQueueSize(ctx context.Context, size int64) {
	m.SupervisorQueue.Record(ctx, size)
}

// RecordNotifyDelivered records a successful notification with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed notification.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped notification.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyRequeued records a requeued notification.
func (m *Metrics) RecordNotifyRequeued(ctx context.Context) {
	m.NotifyRequeued.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current notification queue size.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
