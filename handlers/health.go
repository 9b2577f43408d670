package handlers

import (
	"net/http"

	"github.com/lfusys/recorder-uploads/health"
)

// HealthHandler implements the health verb from spec §6: a liveness
// token, backed by the same readiness checks the gRPC health endpoint
// uses.
type HealthHandler struct {
	Checks []health.ReadinessCheck
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := health.Aggregate(r.Context(), h.Checks); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
