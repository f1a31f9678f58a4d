package api

import (
	"net/http"

	"agency/internal/health"
	"agency/internal/job"
	"agency/internal/observability"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Nodes         NodeRegistry
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Nodes, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	route("POST /v1/batches", handler.SubmitBatch)
	route("GET /v1/batches/{batchId}", handler.GetBatch)
	route("DELETE /v1/batches/{batchId}", handler.CancelBatch)

	route("GET /v1/jobs", handler.ListJobs)
	route("GET /v1/jobs/{jobId}", handler.GetJob)
	route("DELETE /v1/jobs/{jobId}", handler.CancelJob)

	route("GET /v1/nodes", handler.ListNodes)
	route("PUT /v1/nodes/{nodeId}/health", handler.SetNodeHealth)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = RequestIDMiddleware()(h)
	h = otelhttp.NewHandler(h, "agency-api")

	return h
}
