package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/telhawk-systems/studyhawk/common/httputil"
	"github.com/telhawk-systems/studyhawk/common/logging"
	"github.com/telhawk-systems/studyhawk/ingest/internal/auth"
	"github.com/telhawk-systems/studyhawk/ingest/internal/metrics"
	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
	"github.com/telhawk-systems/studyhawk/ingest/internal/ratelimit"
)

const (
	ParamFileName = "file_name"
	ParamFile     = "file"
)

type Uploader interface {
	HandleUpload(ctx context.Context, req *models.UploadRequest) (models.Disposition, error)
	GetStats() models.UploadStats
}

// ActivityRecorder receives every upload that reached a disposition.
type ActivityRecorder interface {
	Record(patientID, outcome string, size int64)
}

type UploadHandler struct {
	service    Uploader
	limiter    ratelimit.RateLimiter
	activity   ActivityRecorder
	logger     *logging.Logger
	retryAfter time.Duration
}

// NewUploadHandler expects requests that already passed
// auth.Middleware.RequireParticipant. A nil limiter admits everything.
func NewUploadHandler(service Uploader, limiter ratelimit.RateLimiter, retryAfter time.Duration, logger *logging.Logger) *UploadHandler {
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	return &UploadHandler{service: service, limiter: limiter, logger: logger, retryAfter: retryAfter}
}

// WithActivity records per-participant activity for every handled upload.
func (h *UploadHandler) WithActivity(rec ActivityRecorder) *UploadHandler {
	h.activity = rec
	return h
}

// Upload answers with an empty body: devices only read the status code.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.logger.WithContext(ctx)

	participant, ok := auth.ParticipantFrom(ctx)
	if !ok {
		log.ErrorContext(ctx, "upload route is missing participant middleware")
		httputil.WriteEmpty(w, http.StatusInternalServerError)
		return
	}

	allowed, err := h.limiter.Allow(ctx, participant.PatientID)
	if err != nil {
		// Redis trouble must not stop uploads.
		log.WarnContext(ctx, "rate limiter unavailable", logging.Error(err))
		allowed = true
	}
	if !allowed {
		metrics.RateLimitHits.WithLabelValues(participant.StudyID).Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter.Seconds())))
		httputil.WriteEmpty(w, http.StatusServiceUnavailable)
		return
	}

	payload, err := readPayload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.WarnContext(ctx, "upload too large", logging.ParticipantID(participant.PatientID), slog.Int64("limit", tooLarge.Limit))
			httputil.WriteEmpty(w, http.StatusRequestEntityTooLarge)
			return
		}
		log.ErrorContext(ctx, "failed to read upload", logging.ParticipantID(participant.PatientID), logging.Error(err))
		httputil.WriteEmpty(w, http.StatusInternalServerError)
		return
	}

	form := r.Form
	if form == nil {
		form = r.URL.Query()
	}
	device := models.ParseDeviceInfo(form)

	req := &models.UploadRequest{
		ParticipantID: participant.PatientID,
		StudyID:       participant.StudyID,
		FileName:      form.Get(ParamFileName),
		Payload:       payload,
		Platform:      auth.PlatformFrom(ctx),
	}
	log.DebugContext(ctx, "upload received",
		logging.ParticipantID(req.ParticipantID),
		logging.FileName(req.FileName),
		logging.Bytes(int64(len(payload))),
		slog.String("client_ip", httputil.GetClientIP(r)),
		"device", device,
	)

	d, err := h.service.HandleUpload(ctx, req)
	if err != nil {
		httputil.WriteEmpty(w, http.StatusInternalServerError)
		return
	}
	if h.activity != nil {
		h.activity.Record(req.ParticipantID, d.Kind.String(), int64(len(payload)))
	}
	httputil.WriteEmpty(w, d.HTTPStatus())
}

// Stats reports process-local upload counters.
func (h *UploadHandler) Stats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.service.GetStats())
}

// readPayload takes the multipart file first (iOS), then the form value
// (Android), then the raw body.
func readPayload(r *http.Request) ([]byte, error) {
	if r.MultipartForm == nil && r.Form == nil {
		if err := r.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return nil, err
		}
	}

	if r.MultipartForm != nil {
		if files := r.MultipartForm.File[ParamFile]; len(files) > 0 {
			return readFile(files[0])
		}
	}
	if v := r.PostFormValue(ParamFile); v != "" {
		return []byte(v), nil
	}
	return io.ReadAll(r.Body)
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
