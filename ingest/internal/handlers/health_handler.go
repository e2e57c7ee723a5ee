package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/telhawk-systems/studyhawk/common/httputil"
	"github.com/telhawk-systems/studyhawk/common/messaging"
)

type HealthHandler struct {
	checks map[string]messaging.HealthChecker
	stats  func() any
}

// NewHealthHandler reports readiness from the named dependency checks. stats
// may be nil.
func NewHealthHandler(checks map[string]messaging.HealthChecker, stats func() any) *HealthHandler {
	return &HealthHandler{checks: checks, stats: stats}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready answers 503 when any registered dependency is unreachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]messaging.HealthStatus, len(h.checks))
	for name, hc := range h.checks {
		s := messaging.CheckHealth(ctx, hc)
		if !s.Connected {
			status = http.StatusServiceUnavailable
		}
		deps[name] = s
	}

	body := map[string]any{
		"status":       "ready",
		"dependencies": deps,
	}
	if status != http.StatusOK {
		body["status"] = "not ready"
	}
	if h.stats != nil {
		body["stats"] = h.stats()
	}
	httputil.WriteJSON(w, status, body)
}
