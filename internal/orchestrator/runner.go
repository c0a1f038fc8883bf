package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/metrics"
)

// SessionRunner is the part of the orchestrator a Runner drives.
type SessionRunner interface {
	Run(ctx context.Context, sessionID string) error
}

// Runner owns one goroutine per active session.
type Runner struct {
	orch   SessionRunner
	logger *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner returns a runner whose tasks live until Shutdown.
func NewRunner(orch SessionRunner, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		orch:   orch,
		logger: logger,
		base:   base,
		cancel: cancel,
		tasks:  make(map[string]*task),
	}
}

// Start launches the task for sessionID. It reports false when the session
// already has a task or the runner is shut down.
func (r *Runner) Start(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, ok := r.tasks[sessionID]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(r.base)
	t := &task{cancel: cancel, done: make(chan struct{})}
	r.tasks[sessionID] = t
	r.wg.Add(1)
	metrics.SessionsActive.Inc()

	go func() {
		defer r.wg.Done()
		defer metrics.SessionsActive.Dec()
		defer close(t.done)
		defer cancel()
		defer func() {
			r.mu.Lock()
			if r.tasks[sessionID] == t {
				delete(r.tasks, sessionID)
			}
			r.mu.Unlock()
		}()

		if err := r.orch.Run(ctx, sessionID); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("Session task ended with error",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}()
	return true
}

// Cancel stops the task of sessionID and waits for it to exit or for ctx to
// end. It reports whether a task was running.
func (r *Runner) Cancel(ctx context.Context, sessionID string) (bool, error) {
	r.mu.Lock()
	t, ok := r.tasks[sessionID]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	t.cancel()
	select {
	case <-t.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Running reports whether sessionID has a live task.
func (r *Runner) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[sessionID]
	return ok
}

// Active returns the number of live tasks.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Shutdown cancels every task and waits for them to return. Cancelled
// sessions keep their stored status and can be resumed later.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
