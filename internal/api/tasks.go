package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rowbridge-io/rowbridge/internal/taskstore"
)

// handleListTasks returns every persisted task definition with its current
// status, progress, and last outcome.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Task store is not configured"))

		return
	}

	tasks, err := s.deps.Store.ListTasks(r.Context())
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list tasks"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// handleGetTask returns one task by id.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Task store is not configured"))

		return
	}

	task, err := s.deps.Store.FindByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("No task exists under the given id"))

			return
		}

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load task"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, task)
}

// handleUpsertTask creates or updates a task definition. The body is a JSON
// task document; an empty id inserts, a known id updates the definition
// fields while leaving runtime state (status, progress, counters) alone.
func (s *Server) handleUpsertTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Task store is not configured"))

		return
	}

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	var task taskstore.Task

	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorResponse(w, r, s.logger, NewProblemDetail(
				http.StatusRequestEntityTooLarge,
				"Request Entity Too Large",
				"Task document exceeds the request size limit",
			))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest("Malformed JSON task document"))

		return
	}

	if err := task.Validate(); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	id, err := s.deps.Store.UpsertTask(r.Context(), &task)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to persist task"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"id":   id,
		"name": task.Name,
	})
}
