package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rowbridge-io/rowbridge/internal/taskstore"
)

const (
	defaultExecutionLimit int64 = 20
	maxExecutionLimit     int64 = 200
)

// handleRunTask starts one task manually. The run outlives the request: the
// handler answers 202 once the run is launched and progress is observable
// through the SSE stream or the task document.
//
// Response codes:
//   - 202 Accepted: run launched
//   - 404 Not Found: no such task
//   - 409 Conflict: the task already has an active execution
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil || s.deps.Store == nil || s.deps.Tracker == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Task execution is not configured"))

		return
	}

	taskID := r.PathValue("id")

	task, err := s.deps.Store.FindByID(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("No task exists under the given id"))

			return
		}

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load task"))

		return
	}

	if s.deps.Tracker.IsRunning(taskID) {
		WriteErrorResponse(w, r, s.logger, Conflict("Task already has a running execution"))

		return
	}

	// The tracker rejects a duplicate registration, so losing the race
	// between the check above and this launch is benign.
	go func() {
		if _, runErr := s.deps.Runner.Run(context.Background(), taskID); runErr != nil {
			s.logger.Warn("manual task run failed",
				slog.String("task_id", taskID),
				slog.String("task", task.Name),
				slog.String("error", runErr.Error()),
			)
		}
	}()

	s.writeJSON(w, r, http.StatusAccepted, map[string]any{
		"taskId": taskID,
		"name":   task.Name,
		"status": "started",
	})
}

// handleRunBatch launches a batch run over every active task of the given
// kind (?kind=auto|manual|both, default auto). Like single runs, the batch
// is detached from the request.
func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Task execution is not configured"))

		return
	}

	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = taskstore.KindAuto
	}

	switch kind {
	case taskstore.KindAuto, taskstore.KindManual, taskstore.KindBoth:
	default:
		WriteErrorResponse(w, r, s.logger, BadRequest("kind must be one of auto, manual, both"))

		return
	}

	go func() {
		summary, err := s.deps.Runner.RunBatch(context.Background(), kind)
		if err != nil {
			s.logger.Error("batch run failed",
				slog.String("kind", kind),
				slog.String("error", err.Error()),
			)

			return
		}

		s.logger.Info("batch run finished",
			slog.String("kind", kind),
			slog.Int("total", summary.Total),
			slog.Int("succeeded", summary.Succeeded),
			slog.Int("failed", summary.Failed),
			slog.Int("skipped", summary.Skipped),
		)
	}()

	s.writeJSON(w, r, http.StatusAccepted, map[string]any{
		"kind":   kind,
		"status": "started",
	})
}

// handleCancelTask requests cancellation of a running task. Cancellation is
// cooperative: the run observes it at its next suspension point and records
// the cancelled terminal state itself.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Task execution is not configured"))

		return
	}

	taskID := r.PathValue("id")

	if !s.deps.Tracker.Cancel(taskID) {
		WriteErrorResponse(w, r, s.logger, NotFound("No running execution for the given task"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"taskId": taskID,
		"status": "cancelling",
	})
}

// handleListExecutions returns the most recent runs of one task, newest
// first. ?limit caps the page size.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Task store is not configured"))

		return
	}

	limit := defaultExecutionLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			WriteErrorResponse(w, r, s.logger, BadRequest("limit must be a positive integer"))

			return
		}

		limit = min(parsed, maxExecutionLimit)
	}

	executions, err := s.deps.Store.ListExecutions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list executions"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"executions": executions,
		"count":      len(executions),
	})
}
