package loom

import (
	"context"
	"sync/atomic"
	"time"
)

// RunState represents the execution state of a started run.
type RunState int32

const (
	// RunPending indicates the run has been started but is not yet executing.
	RunPending RunState = iota
	// RunRunning indicates execution is in progress.
	RunRunning
	// RunCompleted indicates execution finished successfully.
	RunCompleted
	// RunFailed indicates execution finished with a failure result.
	RunFailed
	// RunCancelled indicates the run was cancelled via Cancel() or parent context.
	RunCancelled
)

// String returns the state name.
func (s RunState) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is a final state.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunHandle tracks a background workflow run.
// All methods are safe for concurrent use.
type RunHandle struct {
	id     string
	state  atomic.Int32
	result ExecutionResult
	done   chan struct{}
	cancel context.CancelFunc
}

// Start launches Execute in a background goroutine and returns immediately
// with a handle for tracking, awaiting, and cancelling. The parent ctx
// controls the run's lifetime.
func (e *Engine) Start(ctx context.Context, wf *Workflow, input Input, cb Callbacks) *RunHandle {
	ctx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		id:     NewID(),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.state.Store(int32(RunPending))

	e.logger.Info("run handle started", "handle_id", h.id, "workflow", wf.Meta.Name)

	go func() {
		defer cancel()
		h.state.Store(int32(RunRunning))
		start := time.Now()
		result := e.Execute(ctx, wf, input, cb)

		// Writes before close(done); the close is the happens-before
		// barrier for all readers.
		h.result = result
		switch {
		case result.Error != nil && result.Error.Code == CodeCancelled:
			h.state.Store(int32(RunCancelled))
			e.logger.Info("run cancelled", "handle_id", h.id, "duration", time.Since(start))
		case !result.Success:
			h.state.Store(int32(RunFailed))
			e.logger.Warn("run failed", "handle_id", h.id, "duration", time.Since(start))
		default:
			h.state.Store(int32(RunCompleted))
			e.logger.Info("run completed", "handle_id", h.id, "duration", time.Since(start))
		}
		close(h.done)
	}()

	return h
}

// ID returns the unique run identifier (UUIDv7, time-sortable).
func (h *RunHandle) ID() string { return h.id }

// State returns the current execution state. If the state is terminal,
// State blocks until Done() is closed so Result() is valid afterwards.
func (h *RunHandle) State() RunState {
	s := RunState(h.state.Load())
	if s.IsTerminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed when the run reaches any terminal state.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run completes or ctx is cancelled.
func (h *RunHandle) Await(ctx context.Context) (ExecutionResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return ExecutionResult{}, ctx.Err()
	}
}

// Result returns the run result. Only meaningful after Done() is closed;
// before completion it returns the zero result.
func (h *RunHandle) Result() ExecutionResult {
	select {
	case <-h.done:
		return h.result
	default:
		return ExecutionResult{}
	}
}

// Cancel requests cancellation. Non-blocking and idempotent; calling it
// after completion is a no-op.
func (h *RunHandle) Cancel() { h.cancel() }
