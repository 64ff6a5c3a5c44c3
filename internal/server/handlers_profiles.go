package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"hub-api/internal/activation"
)

type profilePayload struct {
	Name   string `json:"name"`
	Config string `json:"config"`
}

type activateResponse struct {
	Success bool `json:"success"`
	activation.Result
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Profiles.List()
	if err != nil {
		writeError(w, err)
		return
	}
	active, err := s.deps.Activator.Active()
	if err != nil {
		s.logger.Warn("read active profile", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": names, "active": active})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var payload profilePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}
	name, err := s.deps.Profiles.Upload(strings.TrimSpace(payload.Name), payload.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "name": name})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var payload profilePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(payload.Name) == "" {
		writeError(w, fmt.Errorf("%w: name is required", errBadRequest))
		return
	}
	result, err := s.deps.Activator.Activate(context.WithoutCancel(r.Context()), payload.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activateResponse{Success: true, Result: result})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var payload profilePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Activator.Delete(context.WithoutCancel(r.Context()), payload.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
