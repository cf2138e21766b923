// Package tracker is the process-wide registry of in-flight task runs. It
// enforces at most one active run per task id and hands out the
// cancellation handle the orchestrator checks at every suspension point.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyRunning indicates a run is already registered for the
	// task id. Callers surface it as a conflict, not a failure.
	ErrAlreadyRunning = errors.New("task already running")

	// ErrNotRunning indicates no active run exists for the task id.
	ErrNotRunning = errors.New("task not running")
)

// Phases a run moves through. The orchestrator updates the execution's
// phase at each transition; the tracker only reports it.
const (
	PhaseConnecting = "connecting"
	PhaseFetching   = "fetching"
	PhaseProcessing = "processing"
	PhasePosting    = "posting"
)

type (
	// Execution is the in-memory record of one running task. It carries
	// the cancellable context every suspension point must check and the
	// counters the orchestrator advances while processing.
	Execution struct {
		id        string
		taskID    string
		ctx       context.Context
		cancel    context.CancelFunc
		startedAt time.Time

		phase atomic.Value

		inserted   atomic.Int64
		duplicates atomic.Int64
		errors     atomic.Int64
	}

	// Snapshot is a read-only view of one running task for the API.
	Snapshot struct {
		ExecutionID string    `json:"executionId"`
		TaskID      string    `json:"taskId"`
		Phase       string    `json:"phase"`
		StartedAt   time.Time `json:"startedAt"`
		Inserted    int64     `json:"inserted"`
		Duplicates  int64     `json:"duplicates"`
		Errors      int64     `json:"errors"`
	}

	// Tracker maps task ids to their single active execution.
	Tracker struct {
		logger *slog.Logger

		mu      sync.RWMutex
		running map[string]*Execution
	}
)

// New creates an empty tracker.
func New(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		logger:  logger.With("component", "tracker"),
		running: make(map[string]*Execution),
	}
}

// Register opens a cancellable scope for taskID derived from parent. It
// fails with ErrAlreadyRunning while a previous registration is active;
// the caller must Complete the execution on every exit path.
func (t *Tracker) Register(parent context.Context, taskID string) (*Execution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.running[taskID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, taskID)
	}

	ctx, cancel := context.WithCancel(parent)

	exec := &Execution{
		id:        uuid.NewString(),
		taskID:    taskID,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now().UTC(),
	}
	exec.phase.Store(PhaseConnecting)

	t.running[taskID] = exec

	t.logger.Info("task registered",
		"task_id", taskID,
		"execution_id", exec.id,
	)

	return exec, nil
}

// Cancel signals the running execution of taskID to stop. The effect is
// cooperative: the run observes it at its next suspension point. Reports
// whether a running execution was found.
func (t *Tracker) Cancel(taskID string) bool {
	t.mu.RLock()
	exec, ok := t.running[taskID]
	t.mu.RUnlock()

	if !ok {
		return false
	}

	exec.cancel()

	t.logger.Info("task cancellation requested", "task_id", taskID)

	return true
}

// Complete removes taskID's registration and releases its context. Safe to
// call for unknown ids so orchestrator exit paths need no bookkeeping.
func (t *Tracker) Complete(taskID string) {
	t.mu.Lock()
	exec, ok := t.running[taskID]
	delete(t.running, taskID)
	t.mu.Unlock()

	if !ok {
		return
	}

	exec.cancel()

	t.logger.Info("task completed",
		"task_id", taskID,
		"execution_id", exec.id,
		"duration", time.Since(exec.startedAt).Round(time.Millisecond).String(),
	)
}

// IsRunning reports whether taskID has an active execution.
func (t *Tracker) IsRunning(taskID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.running[taskID]

	return ok
}

// Running returns a snapshot of every in-flight task, sorted by task id.
func (t *Tracker) Running() []Snapshot {
	t.mu.RLock()

	snapshots := make([]Snapshot, 0, len(t.running))
	for _, exec := range t.running {
		snapshots = append(snapshots, exec.Snapshot())
	}

	t.mu.RUnlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].TaskID < snapshots[j].TaskID
	})

	return snapshots
}

// ID returns the unique execution id assigned at registration.
func (e *Execution) ID() string { return e.id }

// TaskID returns the task this execution runs.
func (e *Execution) TaskID() string { return e.taskID }

// Context returns the cancellable scope of the run. Every operation that
// may suspend must take it.
func (e *Execution) Context() context.Context { return e.ctx }

// StartedAt returns when the run was registered.
func (e *Execution) StartedAt() time.Time { return e.startedAt }

// Cancelled reports whether cancellation has been signaled. The
// orchestrator checks it at batch boundaries and around suspension points.
func (e *Execution) Cancelled() bool {
	return e.ctx.Err() != nil
}

// SetPhase records the run's current phase.
func (e *Execution) SetPhase(phase string) {
	e.phase.Store(phase)
}

// Phase returns the run's current phase.
func (e *Execution) Phase() string {
	if p, ok := e.phase.Load().(string); ok {
		return p
	}

	return ""
}

// AddInserted advances the inserted-rows counter.
func (e *Execution) AddInserted(n int64) { e.inserted.Add(n) }

// AddDuplicates advances the skipped-duplicates counter.
func (e *Execution) AddDuplicates(n int64) { e.duplicates.Add(n) }

// AddErrors advances the row-error counter.
func (e *Execution) AddErrors(n int64) { e.errors.Add(n) }

// Snapshot returns a read-only copy of the execution's state.
func (e *Execution) Snapshot() Snapshot {
	return Snapshot{
		ExecutionID: e.id,
		TaskID:      e.taskID,
		Phase:       e.Phase(),
		StartedAt:   e.startedAt,
		Inserted:    e.inserted.Load(),
		Duplicates:  e.duplicates.Load(),
		Errors:      e.errors.Load(),
	}
}
