package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is the connectivity probe implemented by the storage clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint, probing the attached
// backends.
type HealthHandler struct {
	probes map[string]Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler over named backend probes.
func NewHealthHandler(probes map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{probes: probes, logger: logger}
}

// HealthCheck reports overall liveness plus per-backend status. A failing
// backend turns the response into a 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	backends := make(map[string]string, len(h.probes))
	for name, p := range h.probes {
		if err := p.Ping(ctx); err != nil {
			backends[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		backends[name] = "ok"
	}

	body := map[string]any{
		"status":    "ok",
		"backends":  backends,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}
