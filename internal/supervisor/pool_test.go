package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agency/internal/testutil"
)

// blockingExecutor counts executions and holds each until release is closed.
type blockingExecutor struct {
	mu      sync.Mutex
	calls   map[string]int
	release chan struct{}
	err     error
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{calls: make(map[string]int), release: make(chan struct{})}
}

func (e *blockingExecutor) Execute(ctx context.Context, id string) error {
	e.mu.Lock()
	e.calls[id]++
	e.mu.Unlock()
	select {
	case <-e.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.err
}

func (e *blockingExecutor) count(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

func closePool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Close(ctx)
}

func TestPool_DeduplicatesPendingJobs(t *testing.T) {
	t.Parallel()
	exec := newBlockingExecutor()
	p := NewPool(exec, Config{Workers: 1, QueueSize: 4}, nil)
	defer closePool(t, p)

	for range 3 {
		if err := p.Dispatch("j1"); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}
	testutil.MustWaitFor(t, func() bool { return exec.count("j1") == 1 })
	if err := p.Dispatch("j1"); err != nil {
		t.Fatalf("Dispatch while running failed: %v", err)
	}

	close(exec.release)
	testutil.MustWaitFor(t, func() bool { return p.Stats().Completed == 1 })

	if s := p.Stats(); s.Dispatched != 1 || s.Duplicates != 3 {
		t.Errorf("Expected 1 dispatch and 3 duplicates, got %+v", s)
	}

	// finished jobs can be dispatched again
	if err := p.Dispatch("j1"); err != nil {
		t.Fatalf("Dispatch after completion failed: %v", err)
	}
	testutil.MustWaitFor(t, func() bool { return exec.count("j1") == 2 })
}

func TestPool_QueueFull(t *testing.T) {
	t.Parallel()
	exec := newBlockingExecutor()
	p := NewPool(exec, Config{Workers: 1, QueueSize: 1}, nil)
	defer closePool(t, p)

	p.Dispatch("running")
	testutil.MustWaitFor(t, func() bool { return exec.count("running") == 1 })

	if err := p.Dispatch("queued"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if p.Available() != 0 {
		t.Errorf("Expected no room left, got %d", p.Available())
	}
	if err := p.Dispatch("rejected"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if p.Stats().Rejected != 1 {
		t.Errorf("Expected 1 rejection, got %+v", p.Stats())
	}
	close(exec.release)
}

func TestPool_CountsExecutionErrors(t *testing.T) {
	t.Parallel()
	exec := newBlockingExecutor()
	exec.err = errors.New("store down")
	close(exec.release)
	p := NewPool(exec, Config{Workers: 2}, nil)
	defer closePool(t, p)

	p.Dispatch("a")
	p.Dispatch("b")
	testutil.MustWaitFor(t, func() bool { return p.Stats().Completed == 2 })
	if p.Stats().Errors != 2 {
		t.Errorf("Expected 2 errors, got %+v", p.Stats())
	}
}

func TestPool_CloseCancelsExecutions(t *testing.T) {
	t.Parallel()
	exec := newBlockingExecutor()
	p := NewPool(exec, Config{Workers: 1}, nil)

	p.Dispatch("j1")
	testutil.MustWaitFor(t, func() bool { return exec.count("j1") == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Dispatch("j2"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}
