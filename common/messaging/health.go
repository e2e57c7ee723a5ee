package messaging

import "context"

// HealthChecker reports whether a broker connection is usable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthStatus is the JSON shape reported by readiness endpoints.
type HealthStatus struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// CheckHealth converts a HealthChecker result into a HealthStatus. A nil
// checker reports as disconnected.
func CheckHealth(ctx context.Context, hc HealthChecker) HealthStatus {
	if hc == nil {
		return HealthStatus{Error: "not configured"}
	}
	if err := hc.CheckHealth(ctx); err != nil {
		return HealthStatus{Error: err.Error()}
	}
	return HealthStatus{Connected: true}
}
