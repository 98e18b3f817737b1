package http

import (
	"encoding/json"
	"net/http"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// HealthSource reports the outcome of the latest background check. A nil error
// means healthy.
type HealthSource interface {
	LastError() error
}

type HealthHandler struct {
	runtime domain.BackendKind
	source  HealthSource
}

// NewHealthHandler builds the unauthenticated /health endpoint. source may be nil,
// in which case the agent is healthy whenever it answers.
func NewHealthHandler(runtime domain.BackendKind, source HealthSource) *HealthHandler {
	return &HealthHandler{runtime: runtime, source: source}
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.source != nil {
		if err := h.source.LastError(); err != nil {
			// 🚨 The agent answers, but the backend it fronts does not.
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status":  "unhealthy",
				"runtime": string(h.runtime),
				"error":   err.Error(),
			})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "runtime": string(h.runtime)})
}
