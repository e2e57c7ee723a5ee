package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/studyhawk/common/middleware"
	"github.com/telhawk-systems/studyhawk/ingest/internal/auth"
	"github.com/telhawk-systems/studyhawk/ingest/internal/handlers"
	"github.com/telhawk-systems/studyhawk/ingest/internal/operatorauth"
)

type Handlers struct {
	Upload    *handlers.UploadHandler
	DataCheck *handlers.DataCheckHandler
	Health    *handlers.HealthHandler
	Auth      *auth.Middleware
	// Activity is optional; it needs Redis.
	Activity *handlers.ActivityHandler
	// Operator guards /api/v1/*; nil leaves the operator API open.
	Operator *operatorauth.TokenIssuer
}

// NewRouter constructs a ServeMux with the upload API registered.
func NewRouter(h Handlers) http.Handler {
	mux := http.NewServeMux()

	// Device uploads. iOS builds also issue GET on their path.
	upload := h.Auth.RequireParticipant(http.HandlerFunc(h.Upload.Upload))
	mux.Handle("POST /upload", upload)
	mux.Handle("POST /upload/ios/", upload)
	mux.Handle("GET /upload/ios/", upload)

	operator := func(f http.HandlerFunc) http.Handler { return operatorauth.Require(h.Operator, f) }
	mux.Handle("GET /api/v1/data-check", operator(h.DataCheck.Check))
	mux.Handle("GET /api/v1/stats", operator(h.Upload.Stats))
	if h.Activity != nil {
		mux.Handle("GET /api/v1/participants/active", operator(h.Activity.Active))
		mux.Handle("GET /api/v1/participants/{patient_id}/activity", operator(h.Activity.Participant))
	}

	mux.HandleFunc("/healthz", h.Health.Health)
	mux.HandleFunc("/readyz", h.Health.Ready)

	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
