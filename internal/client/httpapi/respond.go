package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"lessons/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, body domain.ErrorResponse) {
	writeJSON(w, status, body)
}
