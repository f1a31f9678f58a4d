// Package docker implements runtime.Runtime over the Docker Engine API.
// Each node address gets its own client, created on first use.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"agency/internal/job"
	"agency/internal/runtime"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Runtime talks to the Docker daemons of the node pool.
type Runtime struct {
	mu      sync.Mutex
	clients map[string]*client.Client
	logger  *slog.Logger
}

// New creates a Docker runtime.
func New() *Runtime {
	return &Runtime{
		clients: make(map[string]*client.Client),
		logger:  slog.With("component", "docker"),
	}
}

// client returns the cached client for addr. An empty address uses the
// DOCKER_HOST environment of the process.
func (r *Runtime) client(addr string) (*client.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[addr]; ok {
		return c, nil
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if addr != "" {
		opts = append(opts, client.WithHost(addr))
	}
	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client for %s: %w", addr, err)
	}
	r.clients[addr] = c
	return c, nil
}

// Close closes every client.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, c := range r.clients {
		if err := c.Close(); err != nil {
			r.logger.Warn("Failed to close docker client", "address", addr, "error", err)
		}
	}
	clear(r.clients)
	return nil
}

// Ping checks that the daemon at addr is reachable and responsive.
func (r *Runtime) Ping(ctx context.Context, addr string) error {
	c, err := r.client(addr)
	if err != nil {
		return err
	}
	_, err = c.Ping(ctx)
	return err
}

// Info reports the daemon's memory and CPUs.
func (r *Runtime) Info(ctx context.Context, addr string) (job.Resources, error) {
	c, err := r.client(addr)
	if err != nil {
		return job.Resources{}, err
	}
	info, err := c.Info(ctx)
	if err != nil {
		return job.Resources{}, err
	}
	return job.Resources{
		MemoryMB:  info.MemTotal / (1024 * 1024),
		CPUMillis: int64(info.NCPU) * 1000,
	}, nil
}

// Find returns the most recent container labelled with jobID.
func (r *Runtime) Find(ctx context.Context, addr, jobID string) (*runtime.Container, error) {
	c, err := r.client(addr)
	if err != nil {
		return nil, err
	}
	containers, err := c.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", runtime.LabelManagedBy+"="+runtime.ManagedBy),
			filters.Arg("label", runtime.LabelJobID+"="+jobID),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, nil
	}

	latest := containers[0]
	for _, s := range containers[1:] {
		if s.Created > latest.Created {
			latest = s
		}
	}
	found := &runtime.Container{
		ID:      latest.ID,
		State:   string(latest.State),
		Attempt: latest.Labels[runtime.LabelAttempt],
	}
	if found.Running() {
		info, err := c.ContainerInspect(ctx, latest.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect container %s: %w", latest.ID, err)
		}
		if info.State != nil {
			found.StartedAt, _ = time.Parse(time.RFC3339Nano, info.State.StartedAt)
		}
	}
	return found, nil
}

// Create pulls the image when missing and creates the container.
func (r *Runtime) Create(ctx context.Context, addr string, spec runtime.ContainerSpec) (string, error) {
	c, err := r.client(addr)
	if err != nil {
		return "", err
	}
	if err := r.pullImageIfNeeded(ctx, c, spec.Image); err != nil {
		return "", fmt.Errorf("failed to pull %s: %w", spec.Image, err)
	}

	labels := map[string]string{runtime.LabelManagedBy: runtime.ManagedBy}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerConfig := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     labels,
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: spec.Resources.CPUMillis * 1_000_000,
			Memory:   spec.Resources.MemoryMB * 1024 * 1024,
		},
	}
	if spec.Resources.GPUs > 0 {
		hostConfig.DeviceRequests = []container.DeviceRequest{{
			Count:        int(spec.Resources.GPUs),
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	resp, err := c.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		r.logger.Debug("Container create warning", "container", resp.ID, "warning", w)
	}
	return resp.ID, nil
}

func (r *Runtime) pullImageIfNeeded(ctx context.Context, c *client.Client, imageName string) error {
	if _, err := c.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	reader, err := c.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// CopyIn copies the local path src to dst inside the container.
func (r *Runtime) CopyIn(ctx context.Context, addr, id, src, dst string) error {
	c, err := r.client(addr)
	if err != nil {
		return err
	}
	archive := tarForContainer(src, dst)
	defer archive.Close()
	return c.CopyToContainer(ctx, id, "/", archive, container.CopyToContainerOptions{})
}

// Start starts a created container.
func (r *Runtime) Start(ctx context.Context, addr, id string) error {
	c, err := r.client(addr)
	if err != nil {
		return err
	}
	return c.ContainerStart(ctx, id, container.StartOptions{})
}

// Wait blocks until the container is no longer running.
func (r *Runtime) Wait(ctx context.Context, addr, id string) (int, error) {
	c, err := r.client(addr)
	if err != nil {
		return -1, err
	}
	statusCh, errCh := c.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// Kill sends SIGKILL. Killing a stopped or missing container is not an error.
func (r *Runtime) Kill(ctx context.Context, addr, id string) error {
	c, err := r.client(addr)
	if err != nil {
		return err
	}
	err = c.ContainerKill(ctx, id, "SIGKILL")
	if err == nil || client.IsErrNotFound(err) {
		return nil
	}
	if info, ierr := c.ContainerInspect(ctx, id); ierr == nil && !info.State.Running {
		return nil
	}
	return err
}

// Remove force-removes the container. A missing container is not an error.
func (r *Runtime) Remove(ctx context.Context, addr, id string) error {
	c, err := r.client(addr)
	if err != nil {
		return err
	}
	err = c.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// CopyOut copies src from the container to the local path dst.
func (r *Runtime) CopyOut(ctx context.Context, addr, id, src, dst string) error {
	c, err := r.client(addr)
	if err != nil {
		return err
	}
	rc, _, err := c.CopyFromContainer(ctx, id, src)
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", src, runtime.ErrNotFound)
	}
	if err != nil {
		return err
	}
	defer rc.Close()
	return untar(rc, dst)
}

// Logs demultiplexes the container's output into stdout and stderr.
func (r *Runtime) Logs(ctx context.Context, addr, id string, stdout, stderr io.Writer) error {
	c, err := r.client(addr)
	if err != nil {
		return err
	}
	rc, err := c.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = stdcopy.StdCopy(stdout, stderr, rc)
	return err
}

var _ runtime.Runtime = (*Runtime)(nil)
