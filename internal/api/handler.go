// Package api provides the HTTP API handlers and routing for the operator API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"agency/internal/apperrors"
	"agency/internal/health"
	"agency/internal/job"
	"agency/internal/observability"
)

// maxRequestBodySize limits request body to 8MB; a batch carries up to 1000 manifests
const maxRequestBodySize = 8 << 20

// NodeRegistry lists nodes and changes their health.
type NodeRegistry interface {
	Nodes(ctx context.Context) ([]job.Node, error)
	SetHealth(ctx context.Context, nodeID string, h job.Health) (*job.Node, error)
}

// Handler contains HTTP handlers for the operator API
type Handler struct {
	svc     *job.Service
	nodes   NodeRegistry
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, nodes NodeRegistry, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:     svc,
		nodes:   nodes,
		metrics: metrics,
		health:  healthChecker,
	}
}

// SubmitBatch handles POST /v1/batches
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, apperrors.Validation("body", "invalid request body: "+err.Error()))
		return
	}

	resp, err := h.svc.Submit(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// GetBatch handles GET /v1/batches/{batchId}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	if batchID == "" {
		h.handleError(w, r, apperrors.Validation("batchId", "batch ID is required"))
		return
	}

	summary, err := h.svc.Batch(r.Context(), batchID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// CancelBatch handles DELETE /v1/batches/{batchId}
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	if batchID == "" {
		h.handleError(w, r, apperrors.Validation("batchId", "batch ID is required"))
		return
	}

	n, err := h.svc.CancelBatch(r.Context(), batchID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"batchId": batchID, "cancelled": n})
}

// ListJobs handles GET /v1/jobs?batch=&state=&node=&limit=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := job.Filter{BatchID: q.Get("batch"), Node: q.Get("node")}

	if states := q.Get("state"); states != "" {
		for s := range strings.SplitSeq(states, ",") {
			st := job.State(strings.TrimSpace(s))
			if !st.Valid() {
				h.handleError(w, r, apperrors.Validation("state", "unknown state: "+string(st)))
				return
			}
			f.States = append(f.States, st)
		}
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			h.handleError(w, r, apperrors.Validation("limit", "limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}

	resp, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.handleError(w, r, apperrors.Validation("jobId", "job ID is required"))
		return
	}

	status, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// CancelJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.handleError(w, r, apperrors.Validation("jobId", "job ID is required"))
		return
	}

	j, err := h.svc.Cancel(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, j)
}

// ListNodes handles GET /v1/nodes
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.nodes.Nodes(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []job.Node{}
	}

	writeJSON(w, http.StatusOK, map[string][]job.Node{"nodes": nodes})
}

// healthRequest is the body of PUT /v1/nodes/{nodeId}/health.
type healthRequest struct {
	Health job.Health `json:"health"`
}

// SetNodeHealth handles PUT /v1/nodes/{nodeId}/health.
// Operators may enable (online) or disable a node; unreachable is set by
// failure detection only.
func (h *Handler) SetNodeHealth(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("nodeId")
	if nodeID == "" {
		h.handleError(w, r, apperrors.Validation("nodeId", "node ID is required"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req healthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, apperrors.Validation("body", "invalid request body: "+err.Error()))
		return
	}
	if req.Health != job.HealthOnline && req.Health != job.HealthDisabled {
		h.handleError(w, r, apperrors.Validation("health", "must be online or disabled"))
		return
	}

	node, err := h.nodes.SetHealth(r.Context(), nodeID, req.Health)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, node)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when the job store or another critical dependency is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	writeJSON(w, status, apperrors.BodyOf(err))
}
