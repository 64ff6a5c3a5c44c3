package server

import (
	"fmt"
	"net/http"
	"strings"

	"hub-api/internal/eventlog"
	"hub-api/internal/update"
)

type servicePayload struct {
	Service string `json:"service"`
	Hash    string `json:"hash,omitempty"`
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if s.deps.Updates == nil {
		unavailable(w, "updater")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": s.deps.Updates.Check(r.Context())})
}

func (s *Server) handleCheckUpdates(w http.ResponseWriter, r *http.Request) {
	if s.deps.Updates == nil {
		unavailable(w, "updater")
		return
	}
	s.background("source-fetch", s.deps.Updates.Fetch)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Source update check initiated"})
}

func (s *Server) handleChangelog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Updates == nil {
		unavailable(w, "updater")
		return
	}
	service := strings.TrimSpace(r.URL.Query().Get("service"))
	if service == "" {
		writeError(w, fmt.Errorf("%w: service required", errBadRequest))
		return
	}
	changelog, err := s.deps.Updates.Changelog(r.Context(), service)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"changelog": changelog})
}

func (s *Server) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	if s.deps.Updates == nil {
		unavailable(w, "updater")
		return
	}
	var payload servicePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}
	service := strings.TrimSpace(payload.Service)
	if !update.ValidService(service) {
		writeError(w, fmt.Errorf("%w: %q", update.ErrInvalidService, payload.Service))
		return
	}
	job, err := s.deps.Updates.StartUpdate(service)
	if err != nil {
		writeError(w, err)
		return
	}
	s.background("update "+service, job)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Update for %s started in background", service),
	})
}

func (s *Server) handleRollbackHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Updates == nil {
		unavailable(w, "updater")
		return
	}
	service := strings.TrimSpace(r.URL.Query().Get("service"))
	history, err := s.deps.Updates.RollbackHistory(service)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": service, "history": history})
}

func (s *Server) handleRollbackService(w http.ResponseWriter, r *http.Request) {
	if s.deps.Updates == nil {
		unavailable(w, "updater")
		return
	}
	var payload servicePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}
	service := strings.TrimSpace(payload.Service)
	job, err := s.deps.Updates.StartRollback(service, strings.TrimSpace(payload.Hash))
	if err != nil {
		writeError(w, err)
		return
	}
	s.background("rollback "+service, job)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Rollback for %s started in background", service),
	})
}

func (s *Server) handleWatchtower(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events != nil {
		s.deps.Events.Record(eventlog.LevelInfo, eventlog.CategoryUpdates, "Watchtower reported new container images")
	}
	if s.deps.Updates != nil {
		if err := s.deps.Updates.NotifyImageUpdate(); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
