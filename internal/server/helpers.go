package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"hub-api/internal/activation"
	"hub-api/internal/auth"
	"hub-api/internal/engine"
	"hub-api/internal/migrate"
	"hub-api/internal/profile"
	"hub-api/internal/settings"
	"hub-api/internal/update"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, profile.ErrNotFound), errors.Is(err, update.ErrNoRollback):
		return http.StatusNotFound
	case errors.Is(err, activation.ErrConflict),
		errors.Is(err, activation.ErrActiveProfile),
		errors.Is(err, update.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, profile.ErrInvalidName),
		errors.Is(err, profile.ErrInvalidConfig),
		errors.Is(err, migrate.ErrInvalidAction),
		errors.Is(err, migrate.ErrInvalidService),
		errors.Is(err, update.ErrInvalidService),
		errors.Is(err, settings.ErrInvalid),
		errors.Is(err, auth.ErrEmptyKey):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON object body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": what + " unavailable"})
}
