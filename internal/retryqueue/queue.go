// Package retryqueue holds tasks whose runs died for connection reasons and
// replays them on a fixed cadence once the databases look healthy again.
// The queue is bounded and deduplicated by task: a task failing repeatedly
// occupies one slot whose retry count grows until the give-up threshold.
package retryqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rowbridge-io/rowbridge/internal/config"
	"github.com/rowbridge-io/rowbridge/internal/taskstore"
	"github.com/rowbridge-io/rowbridge/internal/tracker"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultMaxPerCycle = 3
	defaultMaxRetries  = 3
	defaultCapacity    = 100
)

type (
	// Runner re-executes a task. Satisfied by the transfer orchestrator.
	Runner interface {
		Run(ctx context.Context, taskID string) (*taskstore.Outcome, error)
	}

	// Gate reports whether the databases are worth another attempt.
	Gate interface {
		Check(ctx context.Context) bool
	}

	// StatusWriter marks tasks that exhausted their queue retries.
	StatusWriter interface {
		UpdateStatus(ctx context.Context, id, status string, progress int) error
	}

	// Entry is one queued task awaiting its next replay.
	Entry struct {
		TaskID         string    `json:"taskId"`
		RetryCount     int       `json:"retryCount"`
		FirstFailureAt time.Time `json:"firstFailureAt"`
		LastFailureAt  time.Time `json:"lastFailureAt"`
		LastReason     string    `json:"lastReason"`
	}

	// Config carries the queue's cadence and bounds.
	Config struct {
		Interval    time.Duration
		MaxPerCycle int
		MaxRetries  int
		Capacity    int
	}

	// Queue is the bounded, deduplicated retry holding area plus its
	// replay scheduler.
	Queue struct {
		cfg    Config
		runner Runner
		gate   Gate
		status StatusWriter
		logger *slog.Logger

		mu      sync.Mutex
		entries map[string]*Entry
		order   []string

		stop     chan struct{}
		stopOnce sync.Once
		done     chan struct{}
	}
)

// LoadConfig reads queue configuration from the environment.
func LoadConfig() Config {
	return Config{
		Interval:    config.GetEnvDuration("ROWBRIDGE_RETRY_QUEUE_INTERVAL", defaultInterval),
		MaxPerCycle: config.GetEnvInt("ROWBRIDGE_RETRY_QUEUE_PER_CYCLE", defaultMaxPerCycle),
		MaxRetries:  config.GetEnvInt("ROWBRIDGE_RETRY_QUEUE_MAX_RETRIES", defaultMaxRetries),
		Capacity:    config.GetEnvInt("ROWBRIDGE_RETRY_QUEUE_CAPACITY", defaultCapacity),
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}

	if c.MaxPerCycle <= 0 {
		c.MaxPerCycle = defaultMaxPerCycle
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}

	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}

	return c
}

// New creates a Queue. The gate and status writer are optional; without a
// gate every cycle runs, without a status writer exhausted tasks are only
// logged.
func New(cfg Config, runner Runner, gate Gate, status StatusWriter, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		cfg:     cfg.withDefaults(),
		runner:  runner,
		gate:    gate,
		status:  status,
		logger:  logger.With("component", "retryqueue"),
		entries: make(map[string]*Entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue files a task for later replay. A task already queued keeps its
// slot and first-failure timestamp; only the latest reason and timestamp
// move. A full queue drops the request with a log line rather than evicting
// older failures.
func (q *Queue) Enqueue(taskID, reason string) {
	now := time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.entries[taskID]; ok {
		entry.LastFailureAt = now
		entry.LastReason = reason

		return
	}

	if len(q.entries) >= q.cfg.Capacity {
		q.logger.Warn("retry queue full, dropping task",
			"task_id", taskID,
			"capacity", q.cfg.Capacity,
		)

		return
	}

	q.entries[taskID] = &Entry{
		TaskID:         taskID,
		FirstFailureAt: now,
		LastFailureAt:  now,
		LastReason:     reason,
	}
	q.order = append(q.order, taskID)

	q.logger.Info("task queued for retry", "task_id", taskID, "reason", reason)
}

// Remove drops a task from the queue, if present. Used when an operator
// runs the task manually and it succeeds.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[taskID]; !ok {
		return false
	}

	q.removeLocked(taskID)

	return true
}

// Len returns how many tasks are queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Snapshot returns the queued entries in arrival order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := make([]Entry, 0, len(q.order))
	for _, id := range q.order {
		snapshot = append(snapshot, *q.entries[id])
	}

	return snapshot
}

// Start launches the replay scheduler. It runs until Stop or ctx
// cancellation.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		defer close(q.done)

		ticker := time.NewTicker(q.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stop:
				return
			case <-ticker.C:
				q.runCycle(ctx)
			}
		}
	}()
}

// Stop halts the scheduler and waits for an in-flight cycle to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}

// runCycle replays up to MaxPerCycle queued tasks, oldest first. The whole
// cycle is skipped while the health gate reports the databases down; a
// retry burning budget against a dead server helps nobody.
func (q *Queue) runCycle(ctx context.Context) {
	if q.gate != nil && !q.gate.Check(ctx) {
		q.logger.Warn("health gate closed, retry cycle skipped", "queued", q.Len())

		return
	}

	for _, entry := range q.takeBatch() {
		if err := ctx.Err(); err != nil {
			return
		}

		q.replay(ctx, entry)
	}
}

// takeBatch removes and returns the next batch in arrival order.
func (q *Queue) takeBatch() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(q.cfg.MaxPerCycle, len(q.order))

	batch := make([]*Entry, 0, n)
	for _, id := range q.order[:n] {
		batch = append(batch, q.entries[id])
	}

	for _, entry := range batch {
		q.removeLocked(entry.TaskID)
	}

	return batch
}

// replay re-runs one dequeued task and decides its fate: success drops it,
// another connection failure re-queues it with a grown retry count, and an
// exhausted budget marks the task permanently failed.
func (q *Queue) replay(ctx context.Context, entry *Entry) {
	q.logger.Info("replaying queued task",
		"task_id", entry.TaskID,
		"retry_count", entry.RetryCount,
	)

	_, err := q.runner.Run(ctx, entry.TaskID)

	switch {
	case err == nil:
		q.logger.Info("queued task recovered", "task_id", entry.TaskID)

	case errors.Is(err, tracker.ErrAlreadyRunning):
		// Someone beat the queue to it; put the entry back untouched and
		// let the live run decide.
		q.requeue(entry)

	case entry.RetryCount+1 >= q.cfg.MaxRetries:
		q.giveUp(ctx, entry, err)

	default:
		entry.RetryCount++
		entry.LastFailureAt = time.Now().UTC()
		entry.LastReason = err.Error()
		q.requeue(entry)

		q.logger.Warn("queued task failed again",
			"task_id", entry.TaskID,
			"retry_count", entry.RetryCount,
			"error", err,
		)
	}
}

func (q *Queue) requeue(entry *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[entry.TaskID]; ok {
		return
	}

	if len(q.entries) >= q.cfg.Capacity {
		return
	}

	q.entries[entry.TaskID] = entry
	q.order = append(q.order, entry.TaskID)
}

func (q *Queue) giveUp(ctx context.Context, entry *Entry, err error) {
	q.logger.Error("task exhausted its queue retries, giving up",
		"task_id", entry.TaskID,
		"retries", entry.RetryCount+1,
		"error", err,
	)

	if q.status == nil {
		return
	}

	if uerr := q.status.UpdateStatus(ctx, entry.TaskID, taskstore.StatusFailed, taskstore.ProgressError); uerr != nil {
		q.logger.Error("marking exhausted task failed",
			"task_id", entry.TaskID,
			"error", uerr,
		)
	}
}

// removeLocked drops taskID from both the map and the order slice. Callers
// hold q.mu.
func (q *Queue) removeLocked(taskID string) {
	delete(q.entries, taskID)

	for i, id := range q.order {
		if id == taskID {
			q.order = append(q.order[:i], q.order[i+1:]...)

			break
		}
	}
}
