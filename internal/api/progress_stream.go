package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rowbridge-io/rowbridge/internal/api/middleware"
	"github.com/rowbridge-io/rowbridge/internal/progress"
	"github.com/rowbridge-io/rowbridge/internal/taskstore"
)

// handleProgressStream serves the per-task progress feed as Server-Sent
// Events. Each emission is one `progress` event carrying
// {taskId, progress, timestamp}; the terminal values close the stream (100
// on success, -1 on failure or cancellation).
//
// The subscription is taken before the current progress snapshot is sent,
// so a terminal event arriving in between is never lost. The server-wide
// write deadline is cleared for this response: the stream lives as long as
// the run does.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Progress == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Progress streaming is not configured"))

		return
	}

	taskID := r.PathValue("id")
	correlationID := middleware.GetCorrelationID(r.Context())

	events, cancel := s.deps.Progress.Subscribe(taskID)
	defer cancel()

	rc := http.NewResponseController(w)

	// Streams outlive the regular response write deadline.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clearing write deadline failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		s.logger.Warn("progress stream does not support flushing",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		return
	}

	// Seed the stream with the task's current progress so late subscribers
	// see state immediately; a terminal snapshot ends the stream here.
	if terminal := s.sendCurrentProgress(w, r, rc, taskID); terminal {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-events:
			if !ok {
				// Terminal event already delivered, or broker shut down.
				return
			}

			if err := writeSSEEvent(w, rc, event); err != nil {
				s.logger.Debug("progress stream write failed",
					slog.String("correlation_id", correlationID),
					slog.String("task_id", taskID),
					slog.String("error", err.Error()),
				)

				return
			}

			if event.Progress == progress.Done || event.Progress == progress.Failed {
				return
			}
		}
	}
}

// sendCurrentProgress emits the task's persisted progress as the first
// event of the stream. Returns true when that snapshot is terminal.
func (s *Server) sendCurrentProgress(
	w http.ResponseWriter,
	r *http.Request,
	rc *http.ResponseController,
	taskID string,
) bool {
	if s.deps.Store == nil {
		return false
	}

	task, err := s.deps.Store.FindByID(r.Context(), taskID)
	if err != nil {
		return false
	}

	event := progress.Event{
		TaskID:    taskID,
		Progress:  task.Progress,
		Timestamp: time.Now().UTC(),
	}

	if err := writeSSEEvent(w, rc, event); err != nil {
		return true
	}

	return task.Status != "" &&
		task.Status != taskstore.StatusRunning &&
		(task.Progress == progress.Done || task.Progress == progress.Failed)
}

// writeSSEEvent writes one `progress` SSE frame and flushes it.
func writeSSEEvent(w http.ResponseWriter, rc *http.ResponseController, event progress.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding progress event: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("writing progress event: %w", err)
	}

	if err := rc.Flush(); err != nil {
		return fmt.Errorf("flushing progress event: %w", err)
	}

	return nil
}
