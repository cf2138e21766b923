package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rowbridge-io/rowbridge/internal/dbconn"
	"github.com/rowbridge-io/rowbridge/internal/progress"
	"github.com/rowbridge-io/rowbridge/internal/retry"
	"github.com/rowbridge-io/rowbridge/internal/sqlgw"
	"github.com/rowbridge-io/rowbridge/internal/taskstore"
	"github.com/rowbridge-io/rowbridge/internal/tracker"
)

var (
	// ErrTaskInactive indicates a run was requested for a disabled task.
	ErrTaskInactive = errors.New("task is not active")

	// ErrRulesetMissing indicates the task has no validation ruleset, so
	// neither validation nor duplicate detection is possible.
	ErrRulesetMissing = errors.New("task has no validation ruleset")

	// ErrNoMergeKeys indicates the ruleset declares no identity fields.
	ErrNoMergeKeys = errors.New("task ruleset declares no merge keys")

	// ErrRowValidation wraps the field-level failures of the row that
	// stopped a run. Fatal: rows must validate before insertion.
	ErrRowValidation = errors.New("row validation failed")
)

type (
	// TaskStore is the slice of the task store the orchestrator drives.
	TaskStore interface {
		FindByID(ctx context.Context, id string) (*taskstore.Task, error)
		GetActiveTasks(ctx context.Context, kind string) ([]taskstore.Task, error)
		UpdateStatus(ctx context.Context, id, status string, progress int) error
		UpdateExecutionOutcome(ctx context.Context, id string, outcome *taskstore.Outcome) error
		InsertExecution(ctx context.Context, exec *taskstore.Execution) error
		FinishExecution(ctx context.Context, executionID, status string, outcome *taskstore.Outcome) error
		AppendMetric(ctx context.Context, sample *taskstore.MetricSample) error
	}

	// Leaser hands out probed database sessions by logical server name.
	Leaser interface {
		Lease(ctx context.Context, server string) (*dbconn.Lease, error)
	}

	// FailureQueue receives tasks whose run died for connection reasons.
	FailureQueue interface {
		Enqueue(taskID, reason string)
	}

	// HealthGate answers whether the databases are worth talking to. The
	// batch runner skips a concurrency group when the gate says no.
	HealthGate interface {
		Check(ctx context.Context) bool
	}

	// Orchestrator executes tasks. All collaborators are injected; the
	// orchestrator itself is stateless across runs.
	Orchestrator struct {
		cfg     Config
		store   TaskStore
		conns   Leaser
		gateway *sqlgw.Gateway
		tracker *tracker.Tracker
		broker  *progress.Broker
		queue   FailureQueue
		gate    HealthGate
		logger  *slog.Logger
	}

	// Option customizes an Orchestrator.
	Option func(*Orchestrator)

	// runCounters accumulates one attempt's row accounting.
	runCounters struct {
		rows       int64
		inserted   int64
		duplicates int64
		errored    int64
	}
)

// WithFailureQueue routes connection-failed runs into q.
func WithFailureQueue(q FailureQueue) Option {
	return func(o *Orchestrator) { o.queue = q }
}

// WithHealthGate gates batch-mode concurrency groups on g.
func WithHealthGate(g HealthGate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// New creates an Orchestrator.
func New(
	cfg Config,
	store TaskStore,
	conns Leaser,
	gateway *sqlgw.Gateway,
	trk *tracker.Tracker,
	broker *progress.Broker,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:     cfg.withDefaults(),
		store:   store,
		conns:   conns,
		gateway: gateway,
		tracker: trk,
		broker:  broker,
		logger:  logger.With("component", "transfer"),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Run executes one task end to end and returns its outcome.
//
// The run is re-attempted from the connection phase when a phase fails
// with a connection-class error, under the configured task retry budget;
// exhaustion routes the task into the failure queue. Validation and other
// fatal errors end the run immediately. Cancellation through the tracker
// is honored at every suspension point.
//
// Returns:
//   - *taskstore.Outcome: always non-nil, also persisted on the task
//   - error: nil on success (including the empty-source no-op); the
//     classified failure otherwise
func (o *Orchestrator) Run(ctx context.Context, taskID string) (*taskstore.Outcome, error) {
	started := time.Now()

	task, err := o.store.FindByID(ctx, taskID)
	if err != nil {
		return failedOutcome(err), err
	}

	if !task.Active {
		err := fmt.Errorf("%w: %s", ErrTaskInactive, task.Name)

		return failedOutcome(err), err
	}

	if task.Ruleset.Empty() {
		err := fmt.Errorf("%w: %s", ErrRulesetMissing, task.Name)

		return failedOutcome(err), err
	}

	mergeKeys := task.Ruleset.MergeKeys()
	if len(mergeKeys) == 0 {
		err := fmt.Errorf("%w: %s", ErrNoMergeKeys, task.Name)

		return failedOutcome(err), err
	}

	exec, err := o.tracker.Register(ctx, taskID)
	if err != nil {
		return failedOutcome(err), err
	}
	defer o.tracker.Complete(taskID)

	o.openExecution(ctx, exec, task)
	o.setProgress(ctx, task.ID, taskstore.StatusRunning, 0)

	var outcome *taskstore.Outcome

	attempt := func() error {
		out, attemptErr := o.attempt(exec, task, mergeKeys)
		if attemptErr != nil {
			return attemptErr
		}

		outcome = out

		return nil
	}

	policy := o.cfg.TaskRetry
	policy.Classify = isRetriableRunError

	runErr := retry.Notify(exec.Context(), attempt, policy, o.logger)

	return o.finishRun(ctx, exec, task, outcome, runErr, started)
}

// finishRun persists the terminal state, emits the terminal progress
// event, and routes connection-failed runs to the failure queue. It uses a
// cancellation-free context: a cancelled run must still record that it was
// cancelled.
func (o *Orchestrator) finishRun(
	ctx context.Context,
	exec *tracker.Execution,
	task *taskstore.Task,
	outcome *taskstore.Outcome,
	runErr error,
	started time.Time,
) (*taskstore.Outcome, error) {
	finishCtx := context.WithoutCancel(ctx)

	var (
		status       string
		progressMark int
	)

	switch {
	case runErr == nil:
		status = taskstore.StatusCompleted
		progressMark = progress.Done

	case isCancellation(runErr) || exec.Cancelled():
		status = taskstore.StatusCancelled
		progressMark = progress.Failed
		runErr = fmt.Errorf("task %s cancelled: %w", task.Name, context.Canceled)
		outcome = failedOutcome(runErr)
		outcome.Inserted = exec.Snapshot().Inserted
		outcome.Message = "run cancelled by operator"

	default:
		status = taskstore.StatusFailed
		progressMark = progress.Failed

		if outcome == nil {
			outcome = failedOutcome(runErr)
		}

		if isRetriableRunError(runErr) && o.queue != nil {
			o.queue.Enqueue(task.ID, runErr.Error())
			o.logger.Warn("task routed to retry queue",
				"task_id", task.ID,
				"task", task.Name,
				"error", runErr,
			)
		}
	}

	if err := o.store.UpdateStatus(finishCtx, task.ID, status, progressMark); err != nil {
		o.logger.Error("persisting terminal status failed",
			"task_id", task.ID,
			"status", status,
			"error", err,
		)
	}

	if err := o.store.UpdateExecutionOutcome(finishCtx, task.ID, outcome); err != nil {
		o.logger.Error("persisting run outcome failed", "task_id", task.ID, "error", err)
	}

	if err := o.store.FinishExecution(finishCtx, exec.ID(), status, outcome); err != nil {
		o.logger.Error("closing execution record failed", "execution_id", exec.ID(), "error", err)
	}

	if err := o.store.AppendMetric(finishCtx, &taskstore.MetricSample{
		TaskID:     task.ID,
		RecordedAt: time.Now().UTC(),
		DurationMS: time.Since(started).Milliseconds(),
		Rows:       outcome.Rows,
		Inserted:   outcome.Inserted,
		Duplicates: outcome.Duplicates,
	}); err != nil {
		o.logger.Warn("appending run metric failed", "task_id", task.ID, "error", err)
	}

	o.broker.Publish(task.ID, progressMark)

	o.logger.Info("task run finished",
		"task_id", task.ID,
		"task", task.Name,
		"status", status,
		"rows", outcome.Rows,
		"inserted", outcome.Inserted,
		"duplicates", outcome.Duplicates,
		"duration", time.Since(started).Round(time.Millisecond).String(),
	)

	return outcome, runErr
}

// openExecution records the starting run in the execution history.
func (o *Orchestrator) openExecution(ctx context.Context, exec *tracker.Execution, task *taskstore.Task) {
	record := &taskstore.Execution{
		ID:        exec.ID(),
		TaskID:    task.ID,
		TaskName:  task.Name,
		StartedAt: exec.StartedAt(),
		Status:    taskstore.StatusRunning,
	}

	if err := o.store.InsertExecution(ctx, record); err != nil {
		o.logger.Warn("opening execution record failed",
			"task_id", task.ID,
			"execution_id", exec.ID(),
			"error", err,
		)
	}
}

// setProgress persists and publishes a non-terminal progress value.
func (o *Orchestrator) setProgress(ctx context.Context, taskID, status string, value int) {
	if err := o.store.UpdateStatus(ctx, taskID, status, value); err != nil {
		o.logger.Warn("persisting progress failed",
			"task_id", taskID,
			"progress", value,
			"error", err,
		)
	}

	o.broker.Publish(taskID, value)
}

// isRetriableRunError reports whether a whole-run failure deserves a fresh
// attempt from the connection phase.
func isRetriableRunError(err error) bool {
	if isCancellation(err) {
		return false
	}

	return sqlgw.IsConnection(err) || errors.Is(err, dbconn.ErrServerUnavailable)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// failedOutcome wraps an error into the user-visible outcome shape.
func failedOutcome(err error) *taskstore.Outcome {
	return &taskstore.Outcome{
		Success:     false,
		Message:     "transfer failed",
		ErrorDetail: err.Error(),
	}
}
