package cloudevent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		statusCode int
		expected   string
	}{
		{400, "HTTP 400"},
		{404, "HTTP 404"},
		{500, "HTTP 500"},
		{503, "HTTP 503"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			t.Parallel()
			err := &HTTPError{StatusCode: tt.statusCode}
			if err.Error() != tt.expected {
				t.Errorf("HTTPError{%d}.Error() = %q, want %q", tt.statusCode, err.Error(), tt.expected)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"400 Bad Request", &HTTPError{StatusCode: 400}, false},
		{"404 Not Found", &HTTPError{StatusCode: 404}, false},
		{"408 Request Timeout", &HTTPError{StatusCode: 408}, true},
		{"429 Too Many Requests", &HTTPError{StatusCode: 429}, true},
		{"500 Internal Server Error", &HTTPError{StatusCode: 500}, true},
		{"503 wrapped", fmt.Errorf("send: %w", &HTTPError{StatusCode: 503}), true},
		{"transport error", context.DeadlineExceeded, true},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Retryable(tt.err); got != tt.expected {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"test":"data"}`)

	signature := Sign(payload, "secret-key")
	if !strings.HasPrefix(signature, "sha256=") || len(signature) != 7+64 {
		t.Errorf("unexpected signature format %q", signature)
	}
	if Sign(payload, "secret-key") != signature {
		t.Error("signature should be deterministic")
	}
	if !Verify(payload, signature, "secret-key") {
		t.Error("expected signature to verify")
	}
	if Verify(payload, signature, "different-key") {
		t.Error("different key should not verify")
	}
	if Verify([]byte(`{"test":"tampered"}`), signature, "secret-key") {
		t.Error("tampered payload should not verify")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := New("agency.job.finished", "agency", "j1", "id-1", nil).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := New("", "agency", "j1", "id-1", nil).Validate(); err == nil {
		t.Error("expected error for missing type")
	}
	if err := New("t", "agency", "j1", "", nil).Validate(); err == nil {
		t.Error("expected error for missing id")
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	event := New("agency.batch.finished", "agency/supervisor", "b1", "evt-1", map[string]any{"batchId": "b1"})
	err := NewSender(0).Send(context.Background(), srv.URL, event, SendOptions{
		SigningKey: "k",
		Headers:    map[string]string{"X-Agency": "1"},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if ct := gotHeader.Get("Content-Type"); ct != "application/cloudevents+json" {
		t.Errorf("unexpected content type %q", ct)
	}
	if gotHeader.Get("X-Agency") != "1" || gotHeader.Get("Ce-Id") != "evt-1" {
		t.Errorf("missing headers: %v", gotHeader)
	}
	if !Verify(gotBody, gotHeader.Get(SignatureHeader), "k") {
		t.Error("expected body signature to verify")
	}

	var decoded CloudEvent
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not a CloudEvent: %v", err)
	}
	if decoded.Type != "agency.batch.finished" || decoded.Data["batchId"] != "b1" {
		t.Errorf("unexpected event %+v", decoded)
	}
}

func TestSender_SendErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewSender(0).Send(context.Background(), srv.URL, New("t", "s", "", "id", nil), SendOptions{})
	if err == nil || err.Error() != "HTTP 502" {
		t.Fatalf("expected HTTP 502, got %v", err)
	}
	if !Retryable(err) {
		t.Error("expected 502 to be retryable")
	}
}
