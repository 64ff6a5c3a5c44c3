package server

import (
	"net/http"

	"hub-api/internal/database"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Status.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Auth != nil && !s.deps.Auth.Authenticated(r) {
		writeJSON(w, http.StatusOK, snap.Redacted())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Containers == nil {
		unavailable(w, "container engine")
		return
	}
	containers, err := s.deps.Containers.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"containers": containers})
}

func (s *Server) handleCertificateStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Certificates == nil {
		unavailable(w, "certificate inspector")
		return
	}
	status, err := s.deps.Certificates.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.System == nil {
		unavailable(w, "system health")
		return
	}
	health, err := s.deps.System.Collect(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		unavailable(w, "service catalog")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": s.deps.Catalog.Services()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Demand != nil {
		s.deps.Demand.Mark()
	}
	if s.deps.DB == nil {
		unavailable(w, "metrics store")
		return
	}
	latest, err := database.LatestMetrics(r.Context(), s.deps.DB)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": latest})
}
