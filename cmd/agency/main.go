// agency runs the job API, the scheduler and the execution supervisors
// against a pool of container nodes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agency/internal/api"
	"agency/internal/config"
	"agency/internal/connector"
	"agency/internal/health"
	"agency/internal/job"
	"agency/internal/logarchive"
	"agency/internal/mediator"
	"agency/internal/notify"
	"agency/internal/observability"
	"agency/internal/registry"
	"agency/internal/runtime/docker"
	"agency/internal/scheduler"
	"agency/internal/store"
	"agency/internal/supervisor"
	"agency/pkg/backoff"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	svcCfg := config.LoadServiceConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: svcCfg.LogLevel})))

	shutdownTracing, err := observability.InitTracing(ctx, "agency", svcCfg.Tracing.Exporter, svcCfg.Tracing.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			slog.Warn("Tracing shutdown error", "error", err)
		}
	}()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, svcCfg.Store.DSN, store.Options{Timeout: svcCfg.Store.Timeout})
	if err != nil {
		return err
	}
	defer st.Close()

	rt := docker.New()
	defer rt.Close()

	nodes := registry.New(st, rt, registry.Config{
		FailureThreshold: svcCfg.Nodes.FailureThreshold,
		FailureWindow:    svcCfg.Nodes.FailureWindow,
		ProbeInterval:    svcCfg.Nodes.ProbeInterval,
	}, metrics)
	pool, err := registry.LoadFile(svcCfg.Nodes.File)
	if err != nil {
		return err
	}
	if err := nodes.Seed(ctx, pool); err != nil {
		return err
	}
	slog.Info("Node pool loaded", "file", svcCfg.Nodes.File, "nodes", len(pool))

	var med mediator.Mediator = mediator.None{}
	deps := []health.Dependency{
		{Name: "store", Check: st, Critical: true},
		{Name: "nodes", Check: health.ReadyFunc(func(ctx context.Context) error {
			online, err := nodes.Snapshot(ctx)
			if err != nil {
				return err
			}
			if len(online) == 0 {
				return errors.New("no online nodes")
			}
			return nil
		})},
	}
	if svcCfg.Mediator.URL != "" {
		client, err := mediator.NewHTTPClient(mediator.Config{URL: svcCfg.Mediator.URL, Token: svcCfg.Mediator.Token})
		if err != nil {
			return err
		}
		med = client
		deps = append(deps, health.Dependency{Name: "mediator", Check: client})
	} else {
		slog.Warn("No credential mediator configured - transfers needing credentials will fail")
	}

	var archive logarchive.Archive = logarchive.Discard{}
	if svcCfg.LogArchive.Endpoint != "" {
		minioArchive, err := logarchive.NewMinIO(logarchive.Config{
			Endpoint:  svcCfg.LogArchive.Endpoint,
			Bucket:    svcCfg.LogArchive.Bucket,
			AccessKey: svcCfg.LogArchive.AccessKey,
			SecretKey: svcCfg.LogArchive.SecretKey,
			UseSSL:    svcCfg.LogArchive.UseSSL,
		})
		if err != nil {
			return err
		}
		archive = minioArchive
		deps = append(deps, health.Dependency{Name: "log-archive", Check: minioArchive})
	}

	var notifier notify.Notifier = notify.Nop{}
	if notifyCfg := notify.LoadConfigFromEnv(); len(notifyCfg.URLs) > 0 {
		notifier = notify.NewMemory(notifyCfg, metrics)
		slog.Info("Event notifications enabled", "destinations", len(notifyCfg.URLs))
	}

	supCfg := supervisor.Config{
		Workers:            svcCfg.Supervisor.Workers,
		QueueSize:          svcCfg.Supervisor.QueueSize,
		LeaseTTL:           svcCfg.Supervisor.LeaseTTL,
		CancelPollInterval: svcCfg.Supervisor.CancelPollInterval,
		WorkDir:            svcCfg.Supervisor.WorkDir,
		Retry: backoff.Config{
			Initial: svcCfg.Scheduler.RetryInitial,
			Max:     svcCfg.Scheduler.RetryMax,
			Fixed:   svcCfg.Scheduler.RetryFixed,
		},
	}
	sup := supervisor.New(supCfg, supervisor.Deps{
		Store:      st,
		Nodes:      nodes,
		Runtime:    rt,
		Connectors: connector.New(connector.Config{Timeout: svcCfg.Connector.Timeout, FatalExitCodes: svcCfg.Connector.FatalExitCodes}, metrics),
		Mediator:   med,
		Archive:    archive,
		Notifier:   notifier,
		Metrics:    metrics,
	})
	workers := supervisor.NewPool(sup, supCfg, metrics)

	sched, err := scheduler.New(scheduler.Config{
		Interval:            svcCfg.Scheduler.Interval,
		Strategy:            svcCfg.Scheduler.Strategy,
		FailUnschedulable:   svcCfg.Scheduler.FailUnschedulable,
		MaintenanceInterval: svcCfg.MaintenanceInterval,
		Retention:           svcCfg.JobRetention,
		WorkDir:             svcCfg.Supervisor.WorkDir,
	}, st, nodes, workers, sup, metrics)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	jobService := job.NewService(st, metrics, svcCfg.Scheduler.DefaultMaxAttempts)
	jobService.SetAnnouncer(sup)

	healthChecker := health.NewChecker(deps...)

	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Nodes:         nodes,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go nodes.RunProber(loopCtx)
	go sched.Run(loopCtx)

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		stopLoops()
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting requests and stop claiming new work
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)
	stopLoops()

	// Phase 3: Stop supervisors. Leases are released and containers keep
	// running; the next instance adopts them as orphans.
	poolCtx, poolCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer poolCancel()
	if err := workers.Close(poolCtx); err != nil {
		slog.Warn("Supervisor pool shutdown error", "error", err)
	}
	poolStats := workers.Stats()
	slog.Info("Supervisor stats",
		"dispatched", poolStats.Dispatched,
		"completed", poolStats.Completed,
		"errors", poolStats.Errors,
		"rejected", poolStats.Rejected,
	)

	// Phase 4: Drain notifications
	slog.Info("Draining notifier")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}
	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
		"openHosts", stats.OpenHosts,
	)

	slog.Info("Shutdown complete")
	return nil
}
