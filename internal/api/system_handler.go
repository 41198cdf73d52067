package api

import (
	"context"
	"net/http"
	"time"

	"github.com/phrazzld/scry-batch/internal/api/shared"
	"github.com/phrazzld/scry-batch/internal/breaker"
)

// BreakerLister returns the state of every circuit breaker.
type BreakerLister interface {
	States(ctx context.Context) ([]breaker.State, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// healthTimeout bounds the whole health check.
const healthTimeout = 3 * time.Second

// SystemHandler serves the health and breaker endpoints.
type SystemHandler struct {
	breakers BreakerLister
	checks   map[string]HealthCheck
}

// NewSystemHandler creates a SystemHandler.
func NewSystemHandler(breakers BreakerLister, checks map[string]HealthCheck) *SystemHandler {
	return &SystemHandler{breakers: breakers, checks: checks}
}

// Health handles GET /health. It answers 503 when any check fails.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK
	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	shared.RespondWithJSON(w, r, status, resp)
}

// Breakers handles GET /api/breakers.
func (h *SystemHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		shared.RespondWithJSON(w, r, http.StatusOK, []breaker.State{})
		return
	}
	states, err := h.breakers.States(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if states == nil {
		states = []breaker.State{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, states)
}
