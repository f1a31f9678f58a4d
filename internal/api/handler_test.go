package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"agency/internal/apperrors"
	"agency/internal/health"
	"agency/internal/job"
	"agency/internal/registry"
	"agency/internal/store"
)

type testServer struct {
	store  *store.Store
	router http.Handler
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "agency.db"), store.Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.UpsertNode(ctx, job.Node{ID: "node-1", Address: "tcp://node-1:2375", Total: job.Resources{MemoryMB: 2048}}); err != nil {
		t.Fatalf("UpsertNode failed: %v", err)
	}

	router := NewRouter(RouterConfig{
		JobService:    job.NewService(st, nil, 3),
		Nodes:         registry.New(st, nil, registry.Config{}, nil),
		HealthChecker: health.NewChecker(health.Dependency{Name: "store", Check: st, Critical: true}),
		APIKey:        apiKey,
	})
	return &testServer{store: st, router: router}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("Invalid response body: %v", err)
	}
	return v
}

const batchBody = `{"batchId":"b1","jobs":[
	{"id":"j1","manifest":{"image":"alpine","resources":{"memoryMb":128}}},
	{"id":"j2","manifest":{"image":"alpine","resources":{"memoryMb":256}}}
]}`

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_NoDependencies(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(),
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestRouter_Readyz(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")

	w := s.do(t, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
}

func TestRouter_SubmitAndInspectBatch(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")

	w := s.do(t, http.MethodPost, "/v1/batches", batchBody)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	submitted := decode[job.SubmitResponse](t, w)
	if submitted.BatchID != "b1" || len(submitted.JobIDs) != 2 {
		t.Errorf("Unexpected submit response %+v", submitted)
	}

	w = s.do(t, http.MethodGet, "/v1/batches/b1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	summary := decode[job.BatchSummary](t, w)
	if summary.Total != 2 || summary.State != job.StateCreated || summary.Done {
		t.Errorf("Unexpected batch summary %+v", summary)
	}

	w = s.do(t, http.MethodGet, "/v1/jobs/j1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	status := decode[job.Status](t, w)
	if status.ID != "j1" || len(status.History) != 1 || status.History[0].State != job.StateCreated {
		t.Errorf("Unexpected job status %+v", status)
	}
	if status.Manifest.TimeoutSeconds != job.DefaultTimeoutSeconds {
		t.Errorf("Expected defaults applied, got timeout %d", status.Manifest.TimeoutSeconds)
	}
}

func TestRouter_SubmitValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed", `{"jobs": [`, http.StatusBadRequest},
		{"empty batch", `{"jobs": []}`, http.StatusBadRequest},
		{"missing image", `{"jobs": [{"manifest": {"resources": {"memoryMb": 1}}}]}`, http.StatusBadRequest},
		{"bad job id", `{"jobs": [{"id": "no spaces allowed", "manifest": {"image": "alpine"}}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/v1/batches", tt.body)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if resp := decode[map[string]string](t, w); resp["error"] == "" {
				t.Error("Expected error message in response")
			}
		})
	}
}

func TestRouter_DuplicateBatchConflicts(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")

	if w := s.do(t, http.MethodPost, "/v1/batches", batchBody); w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, w.Code)
	}
	if w := s.do(t, http.MethodPost, "/v1/batches", batchBody); w.Code != http.StatusConflict {
		t.Errorf("Expected status %d, got %d", http.StatusConflict, w.Code)
	}
}

func TestRouter_ListJobs(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	s.do(t, http.MethodPost, "/v1/batches", batchBody)

	tests := []struct {
		query  string
		status int
		count  int
	}{
		{"", http.StatusOK, 2},
		{"?batch=b1", http.StatusOK, 2},
		{"?batch=other", http.StatusOK, 0},
		{"?state=created", http.StatusOK, 2},
		{"?state=success,failed", http.StatusOK, 0},
		{"?limit=1", http.StatusOK, 1},
		{"?state=bogus", http.StatusBadRequest, 0},
		{"?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		w := s.do(t, http.MethodGet, "/v1/jobs"+tt.query, "")
		if w.Code != tt.status {
			t.Errorf("GET /v1/jobs%s: expected status %d, got %d", tt.query, tt.status, w.Code)
			continue
		}
		if tt.status != http.StatusOK {
			continue
		}
		if got := decode[job.ListResponse](t, w); len(got.Jobs) != tt.count {
			t.Errorf("GET /v1/jobs%s: expected %d jobs, got %d", tt.query, tt.count, len(got.Jobs))
		}
	}
}

func TestRouter_CancelJobAndBatch(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	s.do(t, http.MethodPost, "/v1/batches", batchBody)

	w := s.do(t, http.MethodDelete, "/v1/jobs/j1", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, w.Code)
	}
	if j := decode[job.Job](t, w); j.State != job.StateCancelled {
		t.Errorf("Expected a created job cancelled at once, got %s", j.State)
	}

	if w := s.do(t, http.MethodDelete, "/v1/jobs/j1", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected status %d for a finished job, got %d", http.StatusConflict, w.Code)
	}

	w = s.do(t, http.MethodDelete, "/v1/batches/b1", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, w.Code)
	}
	if resp := decode[map[string]any](t, w); resp["cancelled"] != float64(1) {
		t.Errorf("Expected one job cancelled, got %v", resp)
	}

	w = s.do(t, http.MethodGet, "/v1/batches/b1", "")
	if summary := decode[job.BatchSummary](t, w); !summary.Done || summary.State != job.StateCancelled {
		t.Errorf("Expected the batch done and cancelled, got %+v", summary)
	}
}

func TestRouter_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")

	for _, path := range []string{"/v1/jobs/missing", "/v1/batches/missing"} {
		if w := s.do(t, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
			t.Errorf("GET %s: expected status %d, got %d", path, http.StatusNotFound, w.Code)
		}
	}
	if w := s.do(t, http.MethodDelete, "/v1/batches/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestRouter_Nodes(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")

	w := s.do(t, http.MethodGet, "/v1/nodes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	listed := decode[map[string][]job.Node](t, w)
	if len(listed["nodes"]) != 1 || listed["nodes"][0].Health != job.HealthOnline {
		t.Errorf("Unexpected nodes %+v", listed)
	}

	w = s.do(t, http.MethodPut, "/v1/nodes/node-1/health", `{"health":"disabled"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if n := decode[job.Node](t, w); n.Health != job.HealthDisabled {
		t.Errorf("Expected node disabled, got %s", n.Health)
	}

	tests := []struct {
		path   string
		body   string
		status int
	}{
		{"/v1/nodes/node-1/health", `{"health":"unreachable"}`, http.StatusBadRequest},
		{"/v1/nodes/node-1/health", `{"health":`, http.StatusBadRequest},
		{"/v1/nodes/missing/health", `{"health":"online"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := s.do(t, http.MethodPut, tt.path, tt.body); w.Code != tt.status {
			t.Errorf("PUT %s %s: expected status %d, got %d", tt.path, tt.body, tt.status, w.Code)
		}
	}
}

func TestRouter_Auth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "secret-key")

	if w := s.do(t, http.MethodGet, "/v1/jobs", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d without a token, got %d", http.StatusUnauthorized, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d with the token, got %d", http.StatusOK, w.Code)
	}

	if w := s.do(t, http.MethodGet, "/livez", ""); w.Code != http.StatusOK {
		t.Errorf("Expected probes without auth, got %d", w.Code)
	}
}

func TestHandler_SubmitBatch_EmptyBody(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewBufferString(""))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.SubmitBatch(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandler_GetJob_EmptyID(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/", nil)
	w := httptest.NewRecorder()

	handler.GetJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandler_CancelJob_EmptyID(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/", nil)
	w := httptest.NewRecorder()

	handler.CancelJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	handler := ContentTypeMiddleware()(inner)

	req := httptest.NewRequest(http.MethodPut, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORSMiddleware()(inner)

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), "PUT") {
		t.Error("Expected PUT allowed for node health changes")
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	t.Parallel()
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	if seen == "" || w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("Expected a generated id echoed back, got %q and %q", seen, w.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, "caller-42")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "caller-42" || w.Header().Get(RequestIDHeader) != "caller-42" {
		t.Errorf("Expected the caller id kept, got %q", seen)
	}
}

func TestMiddleware_ContentTypeWithCharset(t *testing.T) {
	t.Parallel()
	called := false
	handler := ContentTypeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !called {
		t.Error("Expected JSON with a charset to be accepted")
	}
}

func TestMiddleware_AuthErrorBody(t *testing.T) {
	t.Parallel()
	handler := AuthMiddleware("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Inner handler must not run")
	}))

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic secret"},
		{"wrong token", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
			}
			if w.Header().Get("WWW-Authenticate") == "" {
				t.Error("Expected a WWW-Authenticate challenge")
			}
			if body := decode[apperrors.Body](t, w); body.Code != "unauthorized" {
				t.Errorf("Expected code unauthorized, got %q", body.Code)
			}
		})
	}
}

func TestHandleError_HidesInternalDetails(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	(&Handler{}).handleError(w, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil),
		apperrors.Internal("store.list", context.Canceled))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	body := decode[apperrors.Body](t, w)
	if body.Code != apperrors.CodeInternal || strings.Contains(body.Error, "store.list") {
		t.Errorf("Expected a generic internal error, got %+v", body)
	}
}
