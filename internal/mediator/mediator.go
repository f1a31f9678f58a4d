// Package mediator is the client side of the credential mediator, the
// privileged service that turns a credential reference into a secret for the
// duration of one job. Secrets are held in memory only and never stored.
package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agency/pkg/circuitbreaker"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Secret is a resolved credential, handed to connectors under "auth".
type Secret map[string]any

var (
	// ErrDenied means the mediator refused the reference; retrying will not help.
	ErrDenied = errors.New("mediator: credential denied")
	// ErrNotConfigured means a descriptor needs a credential but no mediator is set up.
	ErrNotConfigured = errors.New("mediator: no credential mediator configured")
	// ErrUnavailable means the mediator could not be reached.
	ErrUnavailable = errors.New("mediator: unavailable")
)

// Permanent reports whether err must not be retried.
func Permanent(err error) bool {
	return errors.Is(err, ErrDenied) || errors.Is(err, ErrNotConfigured)
}

// Mediator resolves and voids per-job credentials.
type Mediator interface {
	Resolve(ctx context.Context, jobID, ref string) (Secret, error)
	// Release voids every credential resolved for jobID. Releasing a job
	// with no credentials is not an error.
	Release(ctx context.Context, jobID string) error
}

// None is the Mediator used when no mediator is configured.
type None struct{}

func (None) Resolve(_ context.Context, _, ref string) (Secret, error) {
	return nil, fmt.Errorf("resolve %q: %w", ref, ErrNotConfigured)
}

func (None) Release(context.Context, string) error { return nil }

// Config configures the HTTP client.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration // per request (default: 10s)
	Breaker circuitbreaker.Config
}

// HTTPClient talks to the mediator over HTTP.
type HTTPClient struct {
	base    *url.URL
	token   string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewHTTPClient creates a mediator client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid mediator url %q", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.Threshold == 0 {
		breakerCfg = circuitbreaker.DefaultConfig()
	}
	return &HTTPClient{
		base:  base,
		token: cfg.Token,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: circuitbreaker.NewNamed("mediator", breakerCfg),
		logger:  slog.With("component", "mediator"),
	}, nil
}

type resolveRequest struct {
	JobID string `json:"jobId"`
	Ref   string `json:"ref"`
}

type resolveResponse struct {
	Secret Secret `json:"secret"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// Resolve asks the mediator for the secret behind ref on behalf of jobID.
func (c *HTTPClient) Resolve(ctx context.Context, jobID, ref string) (Secret, error) {
	body, err := json.Marshal(resolveRequest{JobID: jobID, Ref: ref})
	if err != nil {
		return nil, err
	}
	var out resolveResponse
	if err := c.do(ctx, http.MethodPost, "/v1/secrets/resolve", body, &out); err != nil {
		return nil, fmt.Errorf("resolve %q: %w", ref, err)
	}
	if out.Secret == nil {
		return nil, fmt.Errorf("resolve %q: %w: empty secret", ref, ErrDenied)
	}
	return out.Secret, nil
}

// Release voids the job's credentials.
func (c *HTTPClient) Release(ctx context.Context, jobID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(jobID)+"/secrets", nil, nil)
	if errors.Is(err, ErrDenied) {
		// nothing left to void
		return nil
	}
	return err
}

// Ready reports whether the mediator answers.
func (c *HTTPClient) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.breaker.RecordFailure()
			c.logger.Warn("Mediator request failed", "method", method, "path", path, "error", err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.breaker.RecordSuccess()
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode mediator response: %w", err)
			}
		}
		return nil
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	// the mediator answered: it is healthy even when it refuses
	c.breaker.RecordSuccess()
	var e errorResponse
	_ = json.Unmarshal(data, &e)
	msg := e.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	switch {
	case e.Retryable, resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("mediator refused (status %d): %s", resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w (status %d): %s", ErrDenied, resp.StatusCode, msg)
	}
}
