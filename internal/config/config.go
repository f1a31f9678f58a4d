// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ServiceConfig holds configuration for the agency service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	LogLevel          slog.Level

	Store      StoreConfig
	Scheduler  SchedulerConfig
	Nodes      NodesConfig
	Supervisor SupervisorConfig
	Connector  ConnectorConfig
	Mediator   MediatorConfig
	LogArchive LogArchiveConfig
	Tracing    TracingConfig

	JobRetention        time.Duration // 0 disables purging of terminal jobs
	MaintenanceInterval time.Duration
}

// StoreConfig selects the durable job store.
type StoreConfig struct {
	DSN     string        // sqlite file path, or postgres:// URL
	Timeout time.Duration // per-operation deadline
}

// SchedulerConfig tunes the scheduling loop.
type SchedulerConfig struct {
	Interval           time.Duration
	Strategy           string // least-reserved or best-fit
	FailUnschedulable  bool
	RetryInitial       time.Duration
	RetryMax           time.Duration
	RetryFixed         bool
	DefaultMaxAttempts int
}

// NodesConfig configures the node registry.
type NodesConfig struct {
	File             string
	FailureThreshold int
	FailureWindow    time.Duration
	ProbeInterval    time.Duration
}

// SupervisorConfig configures execution supervisors.
type SupervisorConfig struct {
	Workers            int
	QueueSize          int
	LeaseTTL           time.Duration
	CancelPollInterval time.Duration
	WorkDir            string
}

// ConnectorConfig configures connector invocations.
type ConnectorConfig struct {
	Timeout        time.Duration
	FatalExitCodes []int
}

// MediatorConfig points at the credential mediator. An empty URL disables it.
type MediatorConfig struct {
	URL   string
	Token string
}

// LogArchiveConfig configures container log archiving. An empty endpoint disables it.
type LogArchiveConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// TracingConfig selects the span exporter: "none", "stdout" or "otlp".
type TracingConfig struct {
	Exporter string
	Endpoint string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		LogLevel:          GetLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		Store: StoreConfig{
			DSN:     GetEnv("STORE_DSN", "agency.db"),
			Timeout: GetDurationEnv("STORE_TIMEOUT", 5*time.Second),
		},
		Scheduler: SchedulerConfig{
			Interval:           GetDurationEnv("SCHEDULER_INTERVAL", time.Second),
			Strategy:           GetEnv("SCHEDULER_STRATEGY", "least-reserved"),
			FailUnschedulable:  GetBoolEnv("SCHEDULER_FAIL_UNSCHEDULABLE", true),
			RetryInitial:       GetDurationEnv("RETRY_BACKOFF_INITIAL", 5*time.Second),
			RetryMax:           GetDurationEnv("RETRY_BACKOFF_MAX", 5*time.Minute),
			RetryFixed:         GetBoolEnv("RETRY_BACKOFF_FIXED", false),
			DefaultMaxAttempts: GetIntEnv("DEFAULT_MAX_ATTEMPTS", 3),
		},
		Nodes: NodesConfig{
			File:             GetEnv("NODES_FILE", "nodes.yaml"),
			FailureThreshold: GetIntEnv("NODE_FAILURE_THRESHOLD", 3),
			FailureWindow:    GetDurationEnv("NODE_FAILURE_WINDOW", time.Minute),
			ProbeInterval:    GetDurationEnv("NODE_PROBE_INTERVAL", 15*time.Second),
		},
		Supervisor: SupervisorConfig{
			Workers:            GetIntEnv("SUPERVISOR_WORKERS", 16),
			QueueSize:          GetIntEnv("SUPERVISOR_QUEUE_SIZE", 256),
			LeaseTTL:           GetDurationEnv("LEASE_TTL", 30*time.Second),
			CancelPollInterval: GetDurationEnv("CANCEL_POLL_INTERVAL", 2*time.Second),
			WorkDir:            GetEnv("WORK_DIR", filepath.Join(os.TempDir(), "agency")),
		},
		Connector: ConnectorConfig{
			Timeout:        GetDurationEnv("CONNECTOR_TIMEOUT", 10*time.Minute),
			FatalExitCodes: GetIntListEnv("CONNECTOR_FATAL_EXIT_CODES", []int{64, 65, 77}),
		},
		Mediator: MediatorConfig{
			URL:   GetEnv("MEDIATOR_URL", ""),
			Token: GetSecretFile(GetEnv("MEDIATOR_TOKEN_FILE", "")),
		},
		LogArchive: LogArchiveConfig{
			Endpoint:  GetEnv("LOG_ARCHIVE_ENDPOINT", ""),
			Bucket:    GetEnv("LOG_ARCHIVE_BUCKET", "agency-logs"),
			AccessKey: GetSecretFile(GetEnv("LOG_ARCHIVE_ACCESS_KEY_FILE", "")),
			SecretKey: GetSecretFile(GetEnv("LOG_ARCHIVE_SECRET_KEY_FILE", "")),
			UseSSL:    GetBoolEnv("LOG_ARCHIVE_USE_SSL", false),
		},
		Tracing: TracingConfig{
			Exporter: GetEnv("OTEL_EXPORTER", "none"),
			Endpoint: GetEnv("OTEL_ENDPOINT", ""),
		},
		JobRetention:        GetDurationEnv("JOB_RETENTION", 7*24*time.Hour),
		MaintenanceInterval: GetDurationEnv("MAINTENANCE_INTERVAL", 10*time.Minute),
	}
}
