package api

import (
	"net/http"
	"slices"
)

// handleDiagnostics walks the full connectivity chain for one logical
// server (pool state, store reachability, config fetch, direct connect,
// identity query, catalog probe) and returns the step-by-step report.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Diag == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Diagnostics are not configured"))

		return
	}

	server := r.PathValue("server")

	if !slices.Contains(s.deps.Diag.Servers(), server) {
		WriteErrorResponse(w, r, s.logger, NotFound("Unknown logical server name"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, s.deps.Diag.Diagnose(r.Context(), server))
}

// handleDatabaseHealth returns the health monitor's current view: overall
// verdict, failure counters per class, recovery attempts, and the last
// error per probe target. Running executions are included so an operator
// sees what an unhealthy verdict would interrupt.
func (s *Server) handleDatabaseHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Health monitoring is not configured"))

		return
	}

	response := map[string]any{
		"health": s.deps.Health.Snapshot(),
	}

	if s.deps.Tracker != nil {
		response["runningTasks"] = s.deps.Tracker.Running()
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// handleHealthReset zeroes the monitor's failure counters and recovery
// budget and restores the healthy verdict until probes say otherwise.
func (s *Server) handleHealthReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Health monitoring is not configured"))

		return
	}

	s.deps.Health.ResetCounters()

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"status": "reset",
		"health": s.deps.Health.Snapshot(),
	})
}

// handleRetryQueue returns the tasks waiting for their next replay, in
// arrival order.
func (s *Server) handleRetryQueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Retry queue is not configured"))

		return
	}

	entries := s.deps.Queue.Snapshot()

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
