package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/telhawk-systems/studyhawk/common/httputil"
	"github.com/telhawk-systems/studyhawk/common/logging"
	"github.com/telhawk-systems/studyhawk/ingest/internal/activity"
)

type ActivityReader interface {
	GetStats(ctx context.Context, patientID string) (*activity.Stats, error)
	ListActive(ctx context.Context, since time.Duration) ([]string, error)
}

type ActivityHandler struct {
	reader ActivityReader
	logger *logging.Logger
}

func NewActivityHandler(reader ActivityReader, logger *logging.Logger) *ActivityHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ActivityHandler{reader: reader, logger: logger}
}

// Participant handles GET /api/v1/participants/{patient_id}/activity
func (h *ActivityHandler) Participant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("patient_id")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "patient_id is required")
		return
	}
	stats, err := h.reader.GetStats(r.Context(), id)
	if err != nil {
		h.logger.WithContext(r.Context()).ErrorContext(r.Context(), "activity lookup failed",
			logging.ParticipantID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "activity lookup failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// Active handles GET /api/v1/participants/active?within_hours=N (default 24).
func (h *ActivityHandler) Active(w http.ResponseWriter, r *http.Request) {
	hours := httputil.ParseIntParam(r.URL.Query().Get("within_hours"), 24)
	if hours <= 0 {
		httputil.WriteError(w, http.StatusBadRequest, "within_hours must be positive")
		return
	}
	ids, err := h.reader.ListActive(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		h.logger.WithContext(r.Context()).ErrorContext(r.Context(), "active participant scan failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "active participant scan failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"within_hours": hours,
		"participants": ids,
	})
}
