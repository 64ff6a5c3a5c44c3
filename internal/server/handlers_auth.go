package server

import (
	"errors"
	"net/http"

	"hub-api/internal/auth"
	"hub-api/internal/eventlog"
	"hub-api/internal/settings"
)

func (s *Server) handleVerifyAdmin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil {
		unavailable(w, "auth")
		return
	}
	var payload struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.deps.Auth.VerifyAdmin(payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid admin password"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"token":      session.Token,
		"expires_in": session.ExpiresIn,
	})
}

func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil {
		unavailable(w, "auth")
		return
	}
	var payload struct {
		NewKey string `json:"new_key"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Auth.RotateKey(payload.NewKey); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	if s.deps.Theme == nil {
		writeJSON(w, http.StatusOK, settings.Theme{})
		return
	}
	theme, err := s.deps.Theme.Get()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, theme)
}

func (s *Server) handleSaveTheme(w http.ResponseWriter, r *http.Request) {
	if s.deps.Theme == nil {
		unavailable(w, "settings")
		return
	}
	var theme settings.Theme
	if err := decodeJSON(w, r, &theme); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Theme.Save(theme); err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Events != nil {
		s.deps.Events.Record(eventlog.LevelInfo, eventlog.CategorySystem, "UI theme preferences updated")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
