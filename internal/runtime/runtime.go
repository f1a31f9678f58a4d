// Package runtime defines the container runtime used by supervisors to run
// jobs on a node. Every call names the node by its runtime address, so one
// Runtime serves the whole pool.
package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	"agency/internal/job"
)

// ErrNotFound is returned when a container or a path inside it does not exist.
var ErrNotFound = errors.New("runtime: not found")

// Labels attached to every job container.
const (
	LabelManagedBy = "managed-by"
	LabelJobID     = "agency.job.id"
	LabelAttempt   = "agency.job.attempt"
	ManagedBy      = "agency"
)

// ContainerSpec describes a job container to create.
type ContainerSpec struct {
	Name       string
	Image      string
	Command    []string
	Env        []string // KEY=VALUE
	WorkingDir string
	Labels     map[string]string
	Resources  job.Resources
}

// Container is the runtime view of an existing job container.
type Container struct {
	ID        string
	State     string // created, running, exited, ...
	Attempt   string
	StartedAt time.Time // set for running containers; zero when unknown
}

// Running reports whether the container process is alive.
func (c *Container) Running() bool {
	return c.State == "running" || c.State == "restarting" || c.State == "paused"
}

// Created reports whether the container exists but was never started.
func (c *Container) Created() bool {
	return c.State == "created"
}

// Runtime manages containers on the nodes of the pool.
type Runtime interface {
	// Ping checks that the node's runtime answers.
	Ping(ctx context.Context, addr string) error
	// Info reports the node's total capacity.
	Info(ctx context.Context, addr string) (job.Resources, error)
	// Find returns the container created for jobID, or nil when there is none.
	Find(ctx context.Context, addr, jobID string) (*Container, error)
	// Create creates, but does not start, a container and returns its id.
	Create(ctx context.Context, addr string, spec ContainerSpec) (string, error)
	// CopyIn copies a local file or directory to dst inside the container.
	CopyIn(ctx context.Context, addr, id, src, dst string) error
	Start(ctx context.Context, addr, id string) error
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, addr, id string) (int, error)
	Kill(ctx context.Context, addr, id string) error
	Remove(ctx context.Context, addr, id string) error
	// CopyOut copies src from inside the container to the local path dst.
	// It returns ErrNotFound when src does not exist.
	CopyOut(ctx context.Context, addr, id, src, dst string) error
	// Logs writes the container's stdout and stderr.
	Logs(ctx context.Context, addr, id string, stdout, stderr io.Writer) error
}
