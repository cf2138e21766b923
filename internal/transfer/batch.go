package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rowbridge-io/rowbridge/internal/taskstore"
	"github.com/rowbridge-io/rowbridge/internal/tracker"
)

type (
	// BatchResult is one task's fate within a batch run.
	BatchResult struct {
		TaskID   string             `json:"taskId"`
		TaskName string             `json:"taskName"`
		Skipped  bool               `json:"skipped,omitempty"`
		Outcome  *taskstore.Outcome `json:"outcome,omitempty"`
		Error    string             `json:"error,omitempty"`
	}

	// BatchSummary aggregates a whole batch run.
	BatchSummary struct {
		Total     int           `json:"total"`
		Succeeded int           `json:"succeeded"`
		Failed    int           `json:"failed"`
		Skipped   int           `json:"skipped"`
		Results   []BatchResult `json:"results"`
	}
)

// RunBatch executes every active task matching kind, in fixed-size
// concurrency groups with a pause between groups. Groups whose turn arrives
// while the health gate reports the databases unhealthy are skipped rather
// than run into certain failure; tasks already running are skipped
// individually.
//
// Parameters:
//   - ctx: cancelling it stops scheduling new groups; tasks already started
//     run to their own completion or cancellation
//   - kind: taskstore.KindAuto or taskstore.KindManual; tasks declared
//     "both" match either
//
// Returns:
//   - *BatchSummary: per-task results in scheduling order
//   - error: only listing failures; individual task failures live in the
//     summary
func (o *Orchestrator) RunBatch(ctx context.Context, kind string) (*BatchSummary, error) {
	tasks, err := o.store.GetActiveTasks(ctx, kind)
	if err != nil {
		return nil, err
	}

	summary := &BatchSummary{
		Total:   len(tasks),
		Results: make([]BatchResult, len(tasks)),
	}

	o.logger.Info("batch run starting",
		"kind", kind,
		"tasks", len(tasks),
		"concurrency", o.cfg.Concurrency,
	)

	for groupStart := 0; groupStart < len(tasks); groupStart += o.cfg.Concurrency {
		groupEnd := min(groupStart+o.cfg.Concurrency, len(tasks))

		if err := ctx.Err(); err != nil {
			o.skipGroup(summary, tasks, groupStart, len(tasks), "batch cancelled")

			break
		}

		if o.gate != nil && !o.gate.Check(ctx) {
			o.logger.Warn("health gate closed, skipping concurrency group",
				"from", groupStart,
				"to", groupEnd,
			)
			o.skipGroup(summary, tasks, groupStart, groupEnd, "databases unhealthy")
		} else {
			o.runGroup(ctx, summary, tasks, groupStart, groupEnd)
		}

		if groupEnd < len(tasks) {
			select {
			case <-ctx.Done():
			case <-time.After(o.cfg.BatchPause):
			}
		}
	}

	for _, r := range summary.Results {
		switch {
		case r.Skipped:
			summary.Skipped++
		case r.Error != "":
			summary.Failed++
		default:
			summary.Succeeded++
		}
	}

	o.logger.Info("batch run finished",
		"kind", kind,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)

	return summary, nil
}

// runGroup drives tasks[from:to] concurrently and waits for all of them.
func (o *Orchestrator) runGroup(ctx context.Context, summary *BatchSummary, tasks []taskstore.Task, from, to int) {
	var wg sync.WaitGroup

	for i := from; i < to; i++ {
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()

			task := tasks[idx]
			result := BatchResult{TaskID: task.ID, TaskName: task.Name}

			outcome, err := o.Run(ctx, task.ID)

			switch {
			case errors.Is(err, tracker.ErrAlreadyRunning):
				result.Skipped = true
				result.Error = "already running"
			case err != nil:
				result.Outcome = outcome
				result.Error = err.Error()
			default:
				result.Outcome = outcome
			}

			summary.Results[idx] = result
		}(i)
	}

	wg.Wait()
}

func (o *Orchestrator) skipGroup(summary *BatchSummary, tasks []taskstore.Task, from, to int, reason string) {
	for i := from; i < to; i++ {
		summary.Results[i] = BatchResult{
			TaskID:   tasks[i].ID,
			TaskName: tasks[i].Name,
			Skipped:  true,
			Error:    reason,
		}
	}
}
