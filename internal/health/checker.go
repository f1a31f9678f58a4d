// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by the job store and the node registry.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadinessChecker.
type ReadyFunc func(ctx context.Context) error

// Ready calls f.
func (f ReadyFunc) Ready(ctx context.Context) error { return f(ctx) }

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Dependency is a named readiness check. A failing critical dependency makes
// the service unhealthy; a failing optional one only degrades it.
type Dependency struct {
	Name     string
	Check    ReadinessChecker
	Critical bool
}

// Checker performs health checks on dependencies.
type Checker struct {
	deps     []Dependency
	timeout  time.Duration
	cacheTTL time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker.
func NewChecker(deps ...Dependency) *Checker {
	return &Checker{
		deps:     deps,
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
	}
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
// Failing this probe should remove the instance from load balancer rotation.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use cached result if recent (avoid hammering the store and nodes)
	if c.cachedReady != nil && time.Since(c.lastCheck) < c.cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.deps))}
	if len(c.deps) == 0 {
		response.Status = StatusUnhealthy
		response.Checks["dependencies"] = CheckResult{Status: StatusUnhealthy, Message: "no dependencies configured"}
	}

	for _, dep := range c.deps {
		result := c.check(ctx, dep)
		response.Checks[dep.Name] = result
		switch {
		case result.Status == StatusHealthy:
		case dep.Critical:
			response.Status = StatusUnhealthy
		case response.Status == StatusHealthy:
			response.Status = StatusDegraded
		}
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) check(ctx context.Context, dep Dependency) CheckResult {
	if dep.Check == nil {
		return CheckResult{Status: StatusUnhealthy, Message: dep.Name + " not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := dep.Check.Ready(ctx); err != nil {
		status := StatusDegraded
		if dep.Critical {
			status = StatusUnhealthy
		}
		return CheckResult{Status: status, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// IsHealthy returns true unless the overall status is unhealthy.
// A degraded service still accepts work.
func (r *Response) IsHealthy() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}
