package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/livinlefevreloca/tideline/internal/adapter"
	"github.com/livinlefevreloca/tideline/internal/coordinator"
	"github.com/livinlefevreloca/tideline/internal/db"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, map[string]string{"error": message}, status)
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, adapter.ErrUnknownFamily), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrWorkerDisabled), errors.Is(err, db.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrSyncDisabled), errors.Is(err, coordinator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
