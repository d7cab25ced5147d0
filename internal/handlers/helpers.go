package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/shiftstack-work/payments-backend/internal/middleware"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// serviceName returns the authenticated calling service's name, or "".
func serviceName(r *http.Request) string {
	if key := middleware.ServiceFromCtx(r.Context()); key != nil {
		return key.ServiceName
	}
	return ""
}
