package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"hub-api/internal/eventlog"
	"hub-api/internal/migrate"
)

var maintenanceRoutes = map[string]migrate.Action{
	"/migrate":    migrate.ActionMigrate,
	"/clear-db":   migrate.ActionClear,
	"/clear-logs": migrate.ActionClearLogs,
	"/vacuum":     migrate.ActionVacuum,
}

func (s *Server) maintenanceHandler(action migrate.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Maintenance == nil {
			unavailable(w, "maintenance")
			return
		}
		query := r.URL.Query()
		service := strings.TrimSpace(query.Get("service"))
		if service == "" {
			writeError(w, fmt.Errorf("%w: service parameter missing", errBadRequest))
			return
		}
		backup := !strings.EqualFold(strings.TrimSpace(query.Get("backup")), "no")
		result, err := s.deps.Maintenance.Run(context.WithoutCancel(r.Context()), service, action, backup)
		if err != nil {
			writeJSON(w, errorStatus(err), map[string]any{
				"success": false,
				"error":   err.Error(),
				"output":  result.Output,
			})
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		unavailable(w, "event log")
		return
	}
	query := r.URL.Query()
	entries, err := s.deps.Events.Query(r.Context(), eventlog.Filter{
		Level:    query.Get("level"),
		Category: query.Get("category"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

func (s *Server) handleRestartStack(w http.ResponseWriter, r *http.Request) {
	if s.deps.Containers == nil {
		unavailable(w, "container engine")
		return
	}
	if err := s.deps.Containers.RestartStack(restartDelay); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Events != nil {
		s.deps.Events.Record(eventlog.LevelInfo, eventlog.CategoryOrchestration, "Full system stack restart triggered")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Stack restart initiated"})
}
