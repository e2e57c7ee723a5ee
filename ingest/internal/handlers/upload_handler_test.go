package handlers

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/studyhawk/common/logging"
	"github.com/telhawk-systems/studyhawk/ingest/internal/auth"
	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
)

type fakeUploader struct {
	disposition models.Disposition
	err         error
	got         *models.UploadRequest
}

func (f *fakeUploader) HandleUpload(_ context.Context, req *models.UploadRequest) (models.Disposition, error) {
	f.got = req
	return f.disposition, f.err
}

func (f *fakeUploader) GetStats() models.UploadStats { return models.UploadStats{TotalUploads: 7} }

type fakeLimiter struct {
	allow bool
	err   error
}

func (f fakeLimiter) Allow(context.Context, string) (bool, error) { return f.allow, f.err }
func (f fakeLimiter) Close() error                                { return nil }

func quietLogger() *logging.Logger {
	return logging.NewWithWriter(&bytes.Buffer{}, logging.ParseLevel("error"), "json")
}

func withParticipant(req *http.Request) *http.Request {
	ctx := auth.WithParticipant(req.Context(), models.Participant{PatientID: "P100", StudyID: "S1"})
	return req.WithContext(ctx)
}

func TestUpload_StatusFollowsDisposition(t *testing.T) {
	tests := []struct {
		name   string
		up     *fakeUploader
		status int
	}{
		{name: "stored", up: &fakeUploader{disposition: models.Stored("P100/gps/1.csv", 3)}, status: http.StatusOK},
		{name: "dropped", up: &fakeUploader{disposition: models.Dropped("empty upload")}, status: http.StatusOK},
		{name: "rejected", up: &fakeUploader{disposition: models.Rejected("bad extension")}, status: http.StatusBadRequest},
		{name: "server error", up: &fakeUploader{err: errors.New("queue down")}, status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewUploadHandler(tt.up, nil, 0, quietLogger())
			req := httptest.NewRequest(http.MethodPost, "/upload?file_name=gps_1.csv", strings.NewReader("payload"))

			rr := httptest.NewRecorder()
			h.Upload(rr, withParticipant(req))

			assert.Equal(t, tt.status, rr.Code)
			assert.Empty(t, rr.Body.String())
		})
	}
}

func TestUpload_AndroidFormValue(t *testing.T) {
	up := &fakeUploader{disposition: models.Stored("x", 1)}
	h := NewUploadHandler(up, nil, 0, quietLogger())

	form := url.Values{"patient_id": {"P100"}, "file_name": {"gps_1.csv"}, "file": {"KEY\niv:ct"}, "brand": {"acme"}}
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rr := httptest.NewRecorder()
	h.Upload(rr, withParticipant(req))

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, up.got)
	assert.Equal(t, "gps_1.csv", up.got.FileName)
	assert.Equal(t, "KEY\niv:ct", string(up.got.Payload))
	assert.Equal(t, "P100", up.got.ParticipantID)
	assert.Equal(t, "S1", up.got.StudyID)
}

func TestUpload_IOSMultipartFile(t *testing.T) {
	up := &fakeUploader{disposition: models.Stored("x", 1)}
	h := NewUploadHandler(up, nil, 0, quietLogger())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("file_name", "accel_1.csv"))
	fw, err := mw.CreateFormFile("file", "accel_1.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("sealed bytes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/ios/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rr := httptest.NewRecorder()
	h.Upload(rr, withParticipant(req))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "accel_1.csv", up.got.FileName)
	assert.Equal(t, "sealed bytes", string(up.got.Payload))
}

func TestUpload_RateLimited(t *testing.T) {
	up := &fakeUploader{}
	h := NewUploadHandler(up, fakeLimiter{allow: false}, 30*time.Second, quietLogger())

	rr := httptest.NewRecorder()
	h.Upload(rr, withParticipant(httptest.NewRequest(http.MethodPost, "/upload", nil)))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "30", rr.Header().Get("Retry-After"))
	assert.Nil(t, up.got)
}

func TestUpload_LimiterErrorFailsOpen(t *testing.T) {
	up := &fakeUploader{disposition: models.Dropped("empty upload")}
	h := NewUploadHandler(up, fakeLimiter{err: errors.New("redis down")}, 0, quietLogger())

	rr := httptest.NewRecorder()
	h.Upload(rr, withParticipant(httptest.NewRequest(http.MethodPost, "/upload", nil)))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotNil(t, up.got)
}

func TestUpload_TooLarge(t *testing.T) {
	up := &fakeUploader{}
	h := NewUploadHandler(up, nil, 0, quietLogger())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(strings.Repeat("x", 64)))
	req.Body = http.MaxBytesReader(rr, req.Body, 16)
	h.Upload(rr, withParticipant(req))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Nil(t, up.got)
}

func TestUpload_MissingParticipantMiddleware(t *testing.T) {
	h := NewUploadHandler(&fakeUploader{}, nil, 0, quietLogger())
	rr := httptest.NewRecorder()
	h.Upload(rr, httptest.NewRequest(http.MethodPost, "/upload", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestStats(t *testing.T) {
	h := NewUploadHandler(&fakeUploader{}, nil, 0, quietLogger())
	rr := httptest.NewRecorder()
	h.Stats(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"total_uploads":7`)
}
