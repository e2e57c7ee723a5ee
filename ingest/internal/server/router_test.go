package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/studyhawk/common/logging"
	"github.com/telhawk-systems/studyhawk/common/middleware"
	"github.com/telhawk-systems/studyhawk/ingest/internal/activity"
	"github.com/telhawk-systems/studyhawk/ingest/internal/auth"
	"github.com/telhawk-systems/studyhawk/ingest/internal/datacheck"
	"github.com/telhawk-systems/studyhawk/ingest/internal/handlers"
	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
	"github.com/telhawk-systems/studyhawk/ingest/internal/operatorauth"
	"github.com/telhawk-systems/studyhawk/ingest/internal/repository"
	"github.com/telhawk-systems/studyhawk/ingest/internal/storage"
)

type mockUploadService struct {
	platforms []models.Platform
}

func (m *mockUploadService) HandleUpload(_ context.Context, req *models.UploadRequest) (models.Disposition, error) {
	m.platforms = append(m.platforms, req.Platform)
	return models.Dropped("empty upload"), nil
}

func (m *mockUploadService) GetStats() models.UploadStats {
	return models.UploadStats{}
}

func newTestRouter(t *testing.T) (http.Handler, *mockUploadService) {
	t.Helper()
	logger := logging.NewWithWriter(&bytes.Buffer{}, logging.ParseLevel("error"), "json")

	repo := repository.NewInMemoryRepository()
	if err := repo.UpsertParticipant(context.Background(), models.Participant{PatientID: "P100", StudyID: "S1"}); err != nil {
		t.Fatal(err)
	}
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	svc := &mockUploadService{}
	return NewRouter(Handlers{
		Upload:    handlers.NewUploadHandler(svc, nil, 0, logger),
		DataCheck: handlers.NewDataCheckHandler(datacheck.NewChecker(blobs, nil), logger),
		Health:    handlers.NewHealthHandler(nil, nil),
		Auth:      auth.NewMiddleware(repo, logger, 1<<20),
	}), svc
}

func TestRouter_Endpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/upload?patient_id=P100", http.StatusOK},
		{http.MethodPost, "/upload/ios/?patient_id=P100", http.StatusOK},
		{http.MethodGet, "/upload/ios/?patient_id=P100", http.StatusOK},
		{http.MethodGet, "/upload?patient_id=P100", http.StatusMethodNotAllowed},
		{http.MethodPost, "/upload", http.StatusBadRequest},
		{http.MethodPost, "/upload?patient_id=nobody", http.StatusForbidden},
		{http.MethodGet, "/api/v1/data-check?study_id=S1&patient_id=P100&data_type=gps", http.StatusOK},
		{http.MethodGet, "/api/v1/stats", http.StatusOK},
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))
			if rr.Code != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rr.Code, tt.want)
			}
		})
	}
}

func TestRouter_DetectsPlatform(t *testing.T) {
	router, svc := newTestRouter(t)

	for _, path := range []string{"/upload?patient_id=P100", "/upload/ios/?patient_id=P100"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}

	want := []models.Platform{models.PlatformAndroid, models.PlatformIOS}
	if len(svc.platforms) != len(want) {
		t.Fatalf("got %d uploads, want %d", len(svc.platforms), len(want))
	}
	for i := range want {
		if svc.platforms[i] != want[i] {
			t.Errorf("upload %d platform = %s, want %s", i, svc.platforms[i], want[i])
		}
	}
}

func TestRouter_RequestID(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Header().Get(middleware.HeaderRequestID) == "" {
		t.Error("expected X-Request-ID header on response")
	}
}

func TestRouter_ActivityRoute(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/participants/P100/activity", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("activity without redis = %d, want %d", rr.Code, http.StatusNotFound)
	}

	mr := miniredis.RunT(t)
	client := activity.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	h := NewRouter(Handlers{
		Upload:    handlers.NewUploadHandler(&mockUploadService{}, nil, 0, nil),
		DataCheck: handlers.NewDataCheckHandler(nil, nil),
		Health:    handlers.NewHealthHandler(nil, nil),
		Auth:      auth.NewMiddleware(repository.NewInMemoryRepository(), nil, 0),
		Activity:  handlers.NewActivityHandler(client, nil),
	})

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/participants/P100/activity", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("activity = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestRouter_OperatorAuth(t *testing.T) {
	issuer := operatorauth.NewTokenIssuer("secret", time.Hour)
	token, _, err := issuer.Issue("alice", nil)
	if err != nil {
		t.Fatal(err)
	}

	h := NewRouter(Handlers{
		Upload:    handlers.NewUploadHandler(&mockUploadService{}, nil, 0, nil),
		DataCheck: handlers.NewDataCheckHandler(nil, nil),
		Health:    handlers.NewHealthHandler(nil, nil),
		Auth:      auth.NewMiddleware(repository.NewInMemoryRepository(), nil, 0),
		Operator:  issuer,
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("stats without token = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("stats with token = %d, want %d", rr.Code, http.StatusOK)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("healthz = %d, want %d", rr.Code, http.StatusOK)
	}
}
