package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"agency/internal/connector"
	"agency/internal/job"
	"agency/internal/logarchive"
	"agency/internal/mediator"
	"agency/internal/observability"
	"agency/internal/runtime"
	"agency/internal/store"
	"agency/pkg/backoff"

	"go.opentelemetry.io/otel/attribute"
)

// execution is one supervisor run over one job.
type execution struct {
	s      *Supervisor
	job    *job.Job
	owner  string
	logger *slog.Logger

	addr        string // runtime address of the assigned node
	containerID string
	startedAt   time.Time // when the job container started; zero when unknown
	touched     bool      // the job reached the container stage, in this run or an earlier one
}

func (e *execution) run(ctx context.Context) error {
	if e.job.State == job.StateProcessingOutput {
		e.containerID = e.job.ContainerID
	}
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		switch e.job.State {
		case job.StateScheduled:
			if err := e.advance(ctx, job.StateProcessingInput, job.Detail{Message: "staging inputs"}, store.TransitionOptions{}); err != nil {
				return err
			}
		case job.StateProcessingInput:
			if err := e.stage(ctx, job.StageInput, e.stageInputs); err != nil {
				return err
			}
			if err := e.advance(ctx, job.StateProcessingContainer, job.Detail{Message: "inputs staged"}, store.TransitionOptions{}); err != nil {
				return err
			}
		case job.StateProcessingContainer:
			e.touched = true
			if err := e.stage(ctx, job.StageContainer, e.runContainer); err != nil {
				return err
			}
			if err := e.advance(ctx, job.StateProcessingOutput, job.Detail{Message: "container exited with code 0"},
				store.TransitionOptions{ContainerID: e.containerID}); err != nil {
				return err
			}
		case job.StateProcessingOutput:
			e.touched = true
			if err := e.stage(ctx, job.StageOutput, e.stageOutputs); err != nil {
				return err
			}
			if err := e.advance(ctx, job.StateSuccess, job.Detail{Message: "outputs staged"}, store.TransitionOptions{}); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// advance performs a lease-fenced transition from the current state.
func (e *execution) advance(ctx context.Context, next job.State, detail job.Detail, opts store.TransitionOptions) error {
	opts.Owner = e.owner
	detail.Attempt = e.job.AttemptCount
	j, err := e.s.store.TransitionWith(ctx, e.job.ID, e.job.State, next, detail, opts)
	if err != nil {
		return err
	}
	e.job = j
	if e.s.metrics != nil {
		e.s.metrics.RecordTransition(ctx, string(next))
	}
	e.logger.Info("Job advanced", "state", next)
	return nil
}

func (e *execution) stage(ctx context.Context, stage job.Stage, fn func(context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, "supervisor."+string(stage),
		attribute.String("job.id", e.job.ID),
		attribute.String("job.node", e.job.AssignedNode),
		attribute.Int("job.attempt", e.job.AttemptCount),
	)
	start := time.Now()
	err := fn(ctx)
	observability.EndSpan(span, err)
	if e.s.metrics != nil {
		e.s.metrics.RecordStage(ctx, string(stage), err == nil, time.Since(start).Seconds())
	}
	return err
}

func (e *execution) dir(kind string) string {
	return filepath.Join(e.s.cfg.WorkDir, e.job.ID, kind)
}

func (e *execution) stageInputs(ctx context.Context) error {
	dir := e.dir("inputs")
	if err := resetDir(dir); err != nil {
		return job.Transient(job.StageInput, err)
	}
	for _, in := range e.job.Manifest.Inputs {
		t, ok := job.TransferOf(in)
		if !ok {
			continue // value inputs become environment variables
		}
		local, err := localPath(dir, t.Path)
		if err != nil {
			return job.Fatal(job.StageInput, fmt.Errorf("input %s: %w", t.Name, err))
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return job.Transient(job.StageInput, err)
		}
		if err := e.transfer(ctx, connector.Receive, in.Kind(), t, local); err != nil {
			return err
		}
		e.logger.Debug("Input staged", "input", t.Name)
	}
	return nil
}

func (e *execution) runContainer(ctx context.Context) error {
	if err := e.resolveNode(ctx, job.StageContainer); err != nil {
		return err
	}
	c, err := e.s.runtime.Find(ctx, e.addr, e.job.ID)
	if err != nil {
		return e.nodeFailure(ctx, job.StageContainer, fmt.Errorf("find container: %w", err))
	}
	if c != nil && (c.Attempt != strconv.Itoa(e.job.AttemptCount) || c.Created()) {
		// left over from an earlier attempt, or never started
		if err := e.s.runtime.Remove(ctx, e.addr, c.ID); err != nil {
			return e.nodeFailure(ctx, job.StageContainer, fmt.Errorf("remove stale container: %w", err))
		}
		c = nil
	}
	if c == nil {
		if err := e.createContainer(ctx); err != nil {
			return err
		}
	} else {
		e.containerID = c.ID
		if c.Running() {
			e.startedAt = c.StartedAt
		}
		e.logger.Info("Adopting existing container", "container", c.ID, "state", c.State, "startedAt", c.StartedAt)
	}
	return e.waitContainer(ctx)
}

func (e *execution) createContainer(ctx context.Context) error {
	m := &e.job.Manifest
	inputs := e.dir("inputs")
	staged := slices.ContainsFunc(m.Inputs, func(in job.Input) bool {
		_, ok := job.TransferOf(in)
		return ok
	})
	if staged {
		if _, err := os.Stat(inputs); err != nil {
			return job.Transient(job.StageContainer, fmt.Errorf("staged inputs are gone: %w", err))
		}
	}

	workdir := workspace(m)
	id, err := e.s.runtime.Create(ctx, e.addr, runtime.ContainerSpec{
		Name:       fmt.Sprintf("agency-%s-%d", e.job.ID, e.job.AttemptCount),
		Image:      m.Image,
		Command:    m.Command,
		Env:        environment(m),
		WorkingDir: workdir,
		Labels: map[string]string{
			runtime.LabelJobID:   e.job.ID,
			runtime.LabelAttempt: strconv.Itoa(e.job.AttemptCount),
		},
		Resources: m.Resources,
	})
	if err != nil {
		return e.nodeFailure(ctx, job.StageContainer, fmt.Errorf("create container: %w", err))
	}
	e.containerID = id

	if staged {
		if err := e.s.runtime.CopyIn(ctx, e.addr, id, inputs, workdir); err != nil {
			return e.nodeFailure(ctx, job.StageContainer, fmt.Errorf("copy inputs: %w", err))
		}
	}
	if err := e.s.runtime.Start(ctx, e.addr, id); err != nil {
		return e.nodeFailure(ctx, job.StageContainer, fmt.Errorf("start container: %w", err))
	}
	e.startedAt = time.Now()
	e.logger.Info("Container started", "container", id, "image", m.Image)
	return nil
}

func (e *execution) waitContainer(ctx context.Context) error {
	// the limit runs from container start, across supervisor restarts
	timeout := time.Duration(cmp.Or(e.job.Manifest.TimeoutSeconds, job.DefaultTimeoutSeconds)) * time.Second
	remaining := timeout
	if !e.startedAt.IsZero() {
		remaining -= time.Since(e.startedAt)
	}
	waitCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	code, err := e.s.runtime.Wait(waitCtx, e.addr, e.containerID)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		if errors.Is(context.Cause(ctx), errCancelRequested) {
			e.kill(ctx)
		}
		return &job.StageError{Class: job.ClassCancelled, Stage: job.StageContainer, Node: e.job.AssignedNode, Err: context.Cause(ctx)}
	case waitCtx.Err() != nil:
		e.kill(ctx)
		e.archiveLogs(ctx)
		return &job.StageError{Class: job.ClassTransient, Stage: job.StageContainer, Node: e.job.AssignedNode,
			Err: fmt.Errorf("container exceeded its timeout of %s", timeout)}
	default:
		return e.nodeFailure(ctx, job.StageContainer, fmt.Errorf("wait for container: %w", err))
	}

	e.s.nodes.RecordSuccess(e.job.AssignedNode)
	e.archiveLogs(ctx)
	if code != 0 {
		return &job.StageError{Class: job.ClassFatal, Stage: job.StageContainer, Node: e.job.AssignedNode,
			Err: fmt.Errorf("container exited with code %d", code)}
	}
	e.logger.Info("Container exited", "container", e.containerID)
	return nil
}

func (e *execution) stageOutputs(ctx context.Context) error {
	if err := e.resolveNode(ctx, job.StageOutput); err != nil {
		return err
	}
	if e.containerID == "" {
		c, err := e.s.runtime.Find(ctx, e.addr, e.job.ID)
		if err != nil {
			return e.nodeFailure(ctx, job.StageOutput, fmt.Errorf("find container: %w", err))
		}
		if c == nil {
			return job.Transient(job.StageOutput, errors.New("job container is gone"))
		}
		e.containerID = c.ID
	}

	dir := e.dir("outputs")
	if err := resetDir(dir); err != nil {
		return job.Transient(job.StageOutput, err)
	}
	workdir := workspace(&e.job.Manifest)
	for _, out := range e.job.Manifest.Outputs {
		t, ok := job.TransferOf(out)
		if !ok {
			continue
		}
		local, err := localPath(dir, t.Path)
		if err != nil {
			return job.Fatal(job.StageOutput, fmt.Errorf("output %s: %w", t.Name, err))
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return job.Transient(job.StageOutput, err)
		}
		src := path.Join(workdir, filepath.ToSlash(filepath.Clean(filepath.FromSlash(t.Path))))
		if err := e.s.runtime.CopyOut(ctx, e.addr, e.containerID, src, local); err != nil {
			if errors.Is(err, runtime.ErrNotFound) {
				return &job.StageError{Class: job.ClassFatal, Stage: job.StageOutput, Node: e.job.AssignedNode,
					Err: fmt.Errorf("declared output %s was not produced at %s", t.Name, src)}
			}
			return e.nodeFailure(ctx, job.StageOutput, fmt.Errorf("copy output %s: %w", t.Name, err))
		}
		if err := e.transfer(ctx, connector.Send, out.Kind(), t, local); err != nil {
			return err
		}
		e.logger.Debug("Output staged", "output", t.Name)
	}
	return nil
}

// transfer resolves the transfer's credential and runs its connector.
func (e *execution) transfer(ctx context.Context, dir connector.Direction, kind job.Kind, t *job.Transfer, local string) error {
	stage := dir.Stage()
	req := connector.Request{Connector: t.Connector, Direction: dir, Kind: kind, Path: local}
	if ref := t.Connector.AuthRef; ref != "" {
		secret, err := e.s.mediator.Resolve(ctx, e.job.ID, ref)
		switch {
		case err == nil:
			req.Secret = secret
		case ctx.Err() != nil:
			return &job.StageError{Class: job.ClassCancelled, Stage: stage, Err: context.Cause(ctx)}
		case mediator.Permanent(err):
			return job.Fatal(stage, fmt.Errorf("%s %s: %w", dir, t.Name, err))
		default:
			return job.Transient(stage, fmt.Errorf("%s %s: %w", dir, t.Name, err))
		}
	}
	if err := e.s.connectors.Invoke(ctx, req); err != nil {
		return fmt.Errorf("%s %s: %w", dir, t.Name, err)
	}
	return nil
}

func (e *execution) resolveNode(ctx context.Context, stage job.Stage) error {
	if e.addr != "" {
		return nil
	}
	addr, err := e.s.nodes.Address(ctx, e.job.AssignedNode)
	if err != nil {
		return &job.StageError{Class: job.ClassTransient, Stage: stage, Node: e.job.AssignedNode, Err: fmt.Errorf("resolve node: %w", err)}
	}
	e.addr = addr
	return nil
}

// nodeFailure classifies a runtime error. It counts against the node unless
// the run was cancelled.
func (e *execution) nodeFailure(ctx context.Context, stage job.Stage, err error) error {
	if ctx.Err() != nil {
		return &job.StageError{Class: job.ClassCancelled, Stage: stage, Node: e.job.AssignedNode, Err: context.Cause(ctx)}
	}
	e.s.nodes.RecordFailure(e.job.AssignedNode)
	return &job.StageError{Class: job.ClassTransient, Stage: stage, Node: e.job.AssignedNode, Err: err}
}

func (e *execution) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.s.cfg.CleanupTimeout)
}

func (e *execution) kill(ctx context.Context) {
	ctx, cancel := e.cleanupContext(ctx)
	defer cancel()
	if err := e.s.runtime.Kill(ctx, e.addr, e.containerID); err != nil {
		e.logger.Warn("Failed to kill container", "container", e.containerID, "error", err)
	}
}

func (e *execution) archiveLogs(ctx context.Context) {
	ctx, cancel := e.cleanupContext(ctx)
	defer cancel()

	stdout := &cappedBuffer{max: e.s.cfg.MaxLogBytes}
	stderr := &cappedBuffer{max: e.s.cfg.MaxLogBytes}
	if err := e.s.runtime.Logs(ctx, e.addr, e.containerID, stdout, stderr); err != nil {
		e.logger.Warn("Failed to read container logs", "container", e.containerID, "error", err)
		return
	}
	err := e.s.archive.Store(ctx, logarchive.Logs{
		JobID:   e.job.ID,
		Attempt: e.job.AttemptCount,
		Stdout:  stdout.buf,
		Stderr:  stderr.buf,
	})
	if err != nil {
		e.logger.Warn("Failed to archive container logs", "error", err)
	}
}

// settle records the outcome of a run.
func (e *execution) settle(ctx context.Context, runErr, cause error) error {
	switch {
	case runErr == nil && e.job.State.Terminal():
		cctx, cancel := e.cleanupContext(ctx)
		defer cancel()
		e.finish(cctx)
		return nil
	case runErr == nil:
		e.s.releaseLease(ctx, e.job.ID, e.owner)
		return nil
	case errors.Is(cause, errLeaseLost), errors.Is(runErr, store.ErrConflict):
		e.logger.Info("Job ownership lost, stopping", "error", runErr)
		return nil
	case ctx.Err() != nil:
		e.logger.Info("Supervisor stopping, job left for recovery", "state", e.job.State)
		e.s.releaseLease(ctx, e.job.ID, e.owner)
		return nil
	}

	cctx, cancel := e.cleanupContext(ctx)
	defer cancel()

	detail := job.DetailFor(runErr, e.job.AssignedNode, e.job.AttemptCount)
	if errors.Is(cause, errCancelRequested) || e.cancelRequested(cctx) {
		detail.Message = "cancelled by request"
		return e.terminate(cctx, job.StateCancelled, "", detail, false)
	}

	if job.ClassOf(runErr) == job.ClassFatal {
		e.logger.Warn("Job failed", "stage", job.StageOf(runErr), "error", runErr)
		detail.Message = "fatal failure"
		return e.terminate(cctx, job.StateFailed, job.ReasonFatal, detail, true)
	}

	e.logger.Warn("Attempt failed", "stage", job.StageOf(runErr), "error", runErr)
	if !e.job.Manifest.RetryEnabled() || e.job.AttemptCount+1 >= e.job.MaxAttempts {
		detail.Message = "no attempts left"
		return e.terminate(cctx, job.StateFailed, job.ReasonExhausted, detail, true)
	}
	return e.retry(cctx, runErr, detail)
}

func (e *execution) cancelRequested(ctx context.Context) bool {
	j, err := e.s.store.Get(ctx, e.job.ID)
	return err == nil && j.CancelRequested
}

func (e *execution) terminate(ctx context.Context, state job.State, reason string, detail job.Detail, countAttempt bool) error {
	j, err := e.s.store.TransitionWith(ctx, e.job.ID, e.job.State, state, detail, store.TransitionOptions{
		Owner:            e.owner,
		FailureReason:    reason,
		IncrementAttempt: countAttempt,
	})
	if errors.Is(err, store.ErrConflict) {
		e.logger.Info("Job changed under us, outcome not recorded", "state", state, "error", err)
		return nil
	}
	if err != nil {
		e.logger.Error("Failed to record job outcome", "state", state, "error", err)
		return err
	}
	e.job = j
	if e.s.metrics != nil {
		e.s.metrics.RecordTransition(ctx, string(state))
		if state == job.StateFailed {
			e.s.metrics.RecordFailure(ctx, reason)
		}
	}
	e.logger.Info("Job finished", "state", state, "reason", reason)
	e.finish(ctx)
	return nil
}

func (e *execution) retry(ctx context.Context, runErr error, detail job.Detail) error {
	delay := backoff.Delay(e.job.AttemptCount+1, &e.s.cfg.Retry)
	detail.Message = "retrying in " + delay.String()
	j, err := e.s.store.TransitionWith(ctx, e.job.ID, e.job.State, job.StateCreated, detail, store.TransitionOptions{
		Owner:            e.owner,
		IncrementAttempt: true,
		NotBefore:        time.Now().Add(delay),
	})
	if errors.Is(err, store.ErrConflict) {
		e.logger.Info("Job changed under us, retry not recorded", "error", err)
		return nil
	}
	if err != nil {
		e.logger.Error("Failed to record retry", "error", err)
		return err
	}
	e.job = j
	if e.s.metrics != nil {
		e.s.metrics.RecordTransition(ctx, string(job.StateCreated))
		e.s.metrics.RecordRetry(ctx, string(job.StageOf(runErr)))
	}
	e.logger.Info("Job returned for retry", "delay", delay, "attempts", j.AttemptCount)
	e.removeContainer(ctx)
	e.removeWorkspace()
	return nil
}

// finish cleans up after a terminal transition and announces the job.
func (e *execution) finish(ctx context.Context) {
	e.removeContainer(ctx)
	e.removeWorkspace()
	e.s.Announce(ctx, *e.job)
}

func (e *execution) removeContainer(ctx context.Context) {
	if e.containerID == "" && !e.touched {
		return
	}
	if err := e.resolveNode(ctx, job.StageContainer); err != nil {
		e.logger.Warn("Container not removed", "error", err)
		return
	}
	if e.containerID == "" {
		c, err := e.s.runtime.Find(ctx, e.addr, e.job.ID)
		if err != nil || c == nil {
			return
		}
		e.containerID = c.ID
	}
	if err := e.s.runtime.Remove(ctx, e.addr, e.containerID); err != nil {
		e.logger.Warn("Failed to remove container", "container", e.containerID, "error", err)
	}
}

func (e *execution) removeWorkspace() {
	if err := os.RemoveAll(filepath.Join(e.s.cfg.WorkDir, e.job.ID)); err != nil {
		e.logger.Warn("Failed to remove workspace", "error", err)
	}
}

func workspace(m *job.Manifest) string {
	return cmp.Or(m.Workspace, job.DefaultWorkspace)
}

// environment returns the container environment: manifest variables, then
// value inputs, sorted by name.
func environment(m *job.Manifest) []string {
	vars := make(map[string]string, len(m.Env)+len(m.Inputs))
	for k, v := range m.Env {
		vars[k] = v
	}
	for _, in := range m.Inputs {
		if v, ok := in.(*job.ValueInput); ok {
			vars[v.Name] = v.Value
		}
	}
	env := make([]string, 0, len(vars))
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// localPath joins a manifest-relative path onto root, refusing paths that
// would leave it.
func localPath(root, p string) (string, error) {
	p = filepath.FromSlash(p)
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("path %q is not inside the workspace", p)
	}
	return filepath.Join(root, p), nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// cappedBuffer keeps the first max bytes written.
type cappedBuffer struct {
	max int
	buf []byte
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - len(b.buf); room > 0 {
		b.buf = append(b.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}
