// Package connector invokes connector executables, the external programs that
// move job inputs and outputs between remote storage and the job workspace.
//
// A connector is called as
//
//	<command> <subcommand> <access-file> <local-path> [--listing=<listing-file>]
//
// where the access file is a private temporary JSON file holding the
// descriptor's access object and, under "auth", the resolved credential.
// Before its first transfer a command must answer `<command> cli-version`
// with one of SupportedVersions.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"agency/internal/job"
	"agency/internal/observability"
)

// Direction is the transfer direction.
type Direction string

// Direction constants
const (
	Receive Direction = "receive" // remote -> workspace
	Send    Direction = "send"    // workspace -> remote
)

// Stage returns the lifecycle stage a transfer in direction d belongs to.
func (d Direction) Stage() job.Stage {
	if d == Send {
		return job.StageOutput
	}
	return job.StageInput
}

// Subcommand returns the connector subcommand for a transfer.
func Subcommand(d Direction, kind job.Kind) string {
	if kind == job.KindDirectory {
		return string(d) + "-dir"
	}
	return string(d) + "-file"
}

// Request is one connector invocation.
type Request struct {
	Connector job.Connector
	Direction Direction
	Kind      job.Kind
	Path      string         // local file or directory
	Secret    map[string]any // resolved credential, written under "auth"
}

// Config tunes connector invocations.
type Config struct {
	Timeout        time.Duration // per invocation (default: 10m)
	FatalExitCodes []int         // exit codes that must not be retried
	TempDir        string        // where access files are written (default: os.TempDir())
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	return c
}

// maxStderr bounds how much connector output is kept for error messages.
const maxStderr = 4096

// SupportedVersions lists the cli-versions whose calling convention Invoke
// speaks. "1" is the same protocol as "0.1".
var SupportedVersions = []string{"0.1", "1"}

// Invoker runs connector executables.
type Invoker struct {
	cfg     Config
	metrics *observability.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	versions map[string]string // command -> verified cli-version
}

// New creates an invoker. metrics may be nil.
func New(cfg Config, metrics *observability.Metrics) *Invoker {
	return &Invoker{
		cfg:      cfg.withDefaults(),
		metrics:  metrics,
		logger:   slog.With("component", "connector"),
		versions: make(map[string]string),
	}
}

// Invoke runs one transfer. Failures are *job.StageError: fatal for a
// missing executable or a fatal exit code, cancelled when ctx is cancelled,
// transient otherwise.
func (i *Invoker) Invoke(ctx context.Context, req Request) error {
	stage := req.Direction.Stage()
	err := i.invoke(ctx, req, stage)
	if i.metrics != nil {
		i.metrics.RecordConnector(ctx, string(req.Direction), outcome(err))
	}
	return err
}

func (i *Invoker) invoke(ctx context.Context, req Request, stage job.Stage) error {
	if req.Connector.Command == "" {
		return job.Fatal(stage, errors.New("connector command is empty"))
	}
	if err := i.checkProtocol(ctx, req.Connector.Command, stage); err != nil {
		return err
	}

	accessFile, err := i.writeAccess(req)
	if err != nil {
		return job.Transient(stage, err)
	}
	defer os.Remove(accessFile)

	args := []string{Subcommand(req.Direction, req.Kind), accessFile, req.Path}
	if len(req.Connector.Listing) > 0 {
		listingFile, err := i.writeTemp("listing-*.json", req.Connector.Listing)
		if err != nil {
			return job.Transient(stage, err)
		}
		defer os.Remove(listingFile)
		args = append(args, "--listing="+listingFile)
	}

	runCtx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	stderr, runErr := i.run(runCtx, req.Connector.Command, args...)
	logger := i.logger.With("command", req.Connector.Command, "subcommand", args[0])
	switch {
	case runErr == nil:
		logger.Debug("Connector succeeded", "path", req.Path)
		return nil
	case ctx.Err() != nil:
		return &job.StageError{Class: job.ClassCancelled, Stage: stage, Err: ctx.Err()}
	case runCtx.Err() != nil:
		logger.Warn("Connector timed out", "timeout", i.cfg.Timeout)
		return job.Transient(stage, fmt.Errorf("connector %s %s timed out after %s", req.Connector.Command, args[0], i.cfg.Timeout))
	}

	err = describe(req.Connector.Command, args[0], runErr, stderr)
	if i.fatal(runErr) {
		logger.Warn("Connector failed permanently", "error", err)
		return job.Fatal(stage, err)
	}
	logger.Warn("Connector failed", "error", err)
	return job.Transient(stage, err)
}

// Version returns the protocol version reported by a connector executable.
func (i *Invoker) Version(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, "cli-version")
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedBuffer{max: maxStderr, buf: &stderr}
	if err := cmd.Run(); err != nil {
		return "", describe(command, "cli-version", err, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 1 || lines[0] == "" {
		return "", fmt.Errorf("connector %s: cli-version printed %d lines, want 1", command, len(lines))
	}
	return strings.TrimSpace(lines[0]), nil
}

// checkProtocol asks a command for its cli-version once and rejects versions
// Invoke cannot drive.
func (i *Invoker) checkProtocol(ctx context.Context, command string, stage job.Stage) error {
	i.mu.Lock()
	_, ok := i.versions[command]
	i.mu.Unlock()
	if ok {
		return nil
	}

	v, err := i.Version(ctx, command)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return &job.StageError{Class: job.ClassCancelled, Stage: stage, Err: ctx.Err()}
	case i.fatal(err):
		return job.Fatal(stage, err)
	default:
		return job.Transient(stage, err)
	}
	if !slices.Contains(SupportedVersions, v) {
		return job.Fatal(stage, fmt.Errorf("connector %s speaks cli-version %q, supported: %s",
			command, v, strings.Join(SupportedVersions, ", ")))
	}

	i.mu.Lock()
	i.versions[command] = v
	i.mu.Unlock()
	i.logger.Debug("Connector protocol verified", "command", command, "version", v)
	return nil
}

func (i *Invoker) run(ctx context.Context, command string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.WaitDelay = 5 * time.Second
	var stderr bytes.Buffer
	lb := &limitedBuffer{max: maxStderr, buf: &stderr}
	cmd.Stdout = lb
	cmd.Stderr = lb
	err := cmd.Run()
	return strings.TrimSpace(stderr.String()), err
}

func (i *Invoker) fatal(err error) bool {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return slices.Contains(i.cfg.FatalExitCodes, exitErr.ExitCode())
	}
	return false
}

func (i *Invoker) writeAccess(req Request) (string, error) {
	access := make(map[string]any, len(req.Connector.Access)+1)
	for k, v := range req.Connector.Access {
		access[k] = v
	}
	if req.Secret != nil {
		access["auth"] = req.Secret
	}
	data, err := json.Marshal(access)
	if err != nil {
		return "", fmt.Errorf("encode access: %w", err)
	}
	return i.writeTemp("access-*.json", data)
}

// writeTemp writes data to a new file readable only by this process's user.
func (i *Invoker) writeTemp(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(i.cfg.TempDir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func describe(command, subcommand string, err error, output string) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if output == "" {
			return fmt.Errorf("connector %s %s exited with code %d", command, subcommand, exitErr.ExitCode())
		}
		return fmt.Errorf("connector %s %s exited with code %d: %s", command, subcommand, exitErr.ExitCode(), output)
	}
	return fmt.Errorf("connector %s %s: %w", command, subcommand, err)
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return job.ClassOf(err).String()
}

// limitedBuffer keeps the first max bytes written and drops the rest.
type limitedBuffer struct {
	max int
	buf *bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}
