// Package auth resolves the participant behind an upload before any handler
// runs. Credential checks happen upstream; this layer only establishes who
// the device claims to be and which platform it is.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/telhawk-systems/studyhawk/common/httputil"
	"github.com/telhawk-systems/studyhawk/common/logging"
	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
	"github.com/telhawk-systems/studyhawk/ingest/internal/repository"
)

type contextKey string

const (
	participantKey = contextKey("participant")
	platformKey    = contextKey("platform")
)

// ParamPatientID is read from the query string or form body.
const ParamPatientID = "patient_id"

type Resolver interface {
	GetParticipant(ctx context.Context, patientID string) (models.Participant, error)
}

type Middleware struct {
	resolver Resolver
	logger   *logging.Logger
	maxBytes int64
}

// NewMiddleware builds the participant middleware. maxBytes bounds the
// request body so form parsing cannot exhaust memory; zero disables the
// bound.
func NewMiddleware(resolver Resolver, logger *logging.Logger, maxBytes int64) *Middleware {
	if logger == nil {
		logger = logging.Default()
	}
	return &Middleware{resolver: resolver, logger: logger, maxBytes: maxBytes}
}

// RequireParticipant answers 400 when patient_id is missing, 413 when the
// body exceeds maxBytes before patient_id could be read, 403 when the
// participant does not resolve and 500 when the lookup itself fails.
func (m *Middleware) RequireParticipant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, m.maxBytes)
		}

		patientID, err := PatientID(r)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteEmpty(w, http.StatusRequestEntityTooLarge)
			return
		}
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "malformed form body")
			return
		}
		if patientID == "" {
			httputil.WriteError(w, http.StatusBadRequest, "patient_id is required")
			return
		}

		p, err := m.resolver.GetParticipant(r.Context(), patientID)
		if errors.Is(err, repository.ErrParticipantNotFound) {
			m.logger.WithContext(r.Context()).WarnContext(r.Context(), "unknown participant",
				logging.ParticipantID(patientID),
				logging.Status(http.StatusForbidden),
			)
			httputil.WriteError(w, http.StatusForbidden, "unknown participant")
			return
		}
		if err != nil {
			m.logger.WithContext(r.Context()).ErrorContext(r.Context(), "participant lookup failed",
				logging.ParticipantID(patientID),
				logging.Error(err),
			)
			httputil.WriteError(w, http.StatusInternalServerError, "participant lookup failed")
			return
		}

		ctx := WithParticipant(r.Context(), p)
		ctx = context.WithValue(ctx, platformKey, models.PlatformFromPath(r.URL.Path))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PatientID reads patient_id from the query string, then from a url-encoded
// or multipart form. It leaves r.Form populated for later handlers. Form
// parse errors, including *http.MaxBytesError, are returned unchanged.
func PatientID(r *http.Request) (string, error) {
	if id := r.URL.Query().Get(ParamPatientID); id != "" {
		return id, nil
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return "", err
	}
	return r.FormValue(ParamPatientID), nil
}

func WithParticipant(ctx context.Context, p models.Participant) context.Context {
	return context.WithValue(ctx, participantKey, p)
}

// ParticipantFrom returns the participant stored by RequireParticipant.
func ParticipantFrom(ctx context.Context) (models.Participant, bool) {
	p, ok := ctx.Value(participantKey).(models.Participant)
	return p, ok
}

// PlatformFrom returns the detected platform, defaulting to Android.
func PlatformFrom(ctx context.Context) models.Platform {
	if p, ok := ctx.Value(platformKey).(models.Platform); ok {
		return p
	}
	return models.PlatformAndroid
}
