package auth

import (
	"encoding/json"
	"net/http"
)

const (
	HeaderAPIKey  = "X-API-Key"
	HeaderSession = "X-Session-Token"
)

// publicReads are GET routes open to unauthenticated dashboards.
var publicReads = map[string]bool{
	"/health":             true,
	"/status":             true,
	"/profiles":           true,
	"/containers":         true,
	"/certificate-status": true,
	"/events":             true,
}

// Middleware enforces authentication.
//
// Bypassing auth:
//   - OPTIONS preflight, answered directly
//   - GET on the public read routes
//   - POST /verify-admin
//   - POST /watchtower from an allow-listed source address (403 otherwise)
//
// Everything else needs X-API-Key or X-Session-Token and fails with 401 JSON.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		path := r.URL.Path
		switch {
		case r.Method == http.MethodGet && publicReads[path]:
			next.ServeHTTP(w, r)
			return
		case r.Method == http.MethodPost && path == "/verify-admin":
			next.ServeHTTP(w, r)
			return
		case path == "/watchtower":
			if !m.WebhookAllowed(r.RemoteAddr) {
				writeError(w, http.StatusForbidden, "Forbidden")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if m.Authenticated(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	})
}

// Authenticated reports whether the request carries a valid key or session.
func (m *Manager) Authenticated(r *http.Request) bool {
	return m.ValidateKey(r.Header.Get(HeaderAPIKey)) || m.ValidateSession(r.Header.Get(HeaderSession))
}

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderAPIKey+", "+HeaderSession)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
