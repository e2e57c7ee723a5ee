package service

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/studyhawk/common/logging"
	"github.com/telhawk-systems/studyhawk/ingest/internal/classifier"
	"github.com/telhawk-systems/studyhawk/ingest/internal/crashreport"
	"github.com/telhawk-systems/studyhawk/ingest/internal/forensics"
	"github.com/telhawk-systems/studyhawk/ingest/internal/keystore"
	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
	"github.com/telhawk-systems/studyhawk/ingest/internal/notification"
	"github.com/telhawk-systems/studyhawk/ingest/internal/storage"
	"github.com/telhawk-systems/studyhawk/ingest/pkg/devicecrypt"
)

const (
	testParticipant = "P100"
	testStudy       = "S1"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a notification.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) all() []notification.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification.Alert(nil), r.alerts...)
}

type recordingCrash struct {
	reports []crashreport.Report
	err     error
}

func (r *recordingCrash) Report(_ context.Context, rep crashreport.Report) error {
	r.reports = append(r.reports, rep)
	return r.err
}

type recordingForensics struct {
	entries []forensics.Entry
}

func (r *recordingForensics) Record(_ context.Context, e forensics.Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

type failingBlobs struct {
	storage.BlobStore
	err error
}

func (f failingBlobs) Put(context.Context, string, []byte) error { return f.err }

type failingKeys struct{ err error }

func (f failingKeys) GetPrivateKey(context.Context, string, string) (models.DeviceKeyMaterial, error) {
	return models.DeviceKeyMaterial{}, f.err
}

type harness struct {
	svc       *UploadService
	blobs     *storage.FileStore
	queue     *storage.MemoryQueue
	alerts    *recordingAlerter
	crash     *recordingCrash
	forensics *recordingForensics
	pub       *rsa.PublicKey
}

type option func(*Dependencies, *harness)

func withBlobs(b storage.BlobStore) option {
	return func(d *Dependencies, h *harness) {
		d.Handoff = storage.NewHandoff(b, h.queue, nil)
	}
}

func withKeys(k KeyStore) option {
	return func(d *Dependencies, _ *harness) { d.Keys = k }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	ctx := context.Background()

	blobs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	keys := keystore.NewStore(keystore.NewBlobKeySource(blobs))
	pubB64, err := keystore.NewProvisioner(blobs, keys).Provision(ctx, testParticipant, testStudy)
	require.NoError(t, err)
	pub, err := devicecrypt.ParsePublicKeyBase64(pubB64)
	require.NoError(t, err)

	h := &harness{
		blobs:     blobs,
		queue:     storage.NewMemoryQueue(),
		alerts:    &recordingAlerter{},
		crash:     &recordingCrash{},
		forensics: &recordingForensics{},
		pub:       pub,
	}
	deps := Dependencies{
		Keys:          keys,
		Decrypter:     devicecrypt.NewEngine(),
		Classifier:    classifier.New(nil),
		Handoff:       storage.NewHandoff(blobs, h.queue, nil),
		Alerter:       h.alerts,
		CrashReporter: h.crash,
		Forensics:     h.forensics,
		Logger:        logging.NewWithWriter(&bytes.Buffer{}, logging.ParseLevel("debug"), "json"),
	}
	for _, opt := range opts {
		opt(&deps, h)
	}
	h.svc = NewUploadService(deps, nil)
	return h
}

func (h *harness) seal(t *testing.T, recs ...string) []byte {
	t.Helper()
	lines := make([][]byte, len(recs))
	for i, r := range recs {
		lines[i] = []byte(r)
	}
	out, err := devicecrypt.Seal(h.pub, lines)
	require.NoError(t, err)
	return out
}

func request(fileName string, payload []byte) *models.UploadRequest {
	return &models.UploadRequest{
		ParticipantID: testParticipant,
		StudyID:       testStudy,
		FileName:      fileName,
		Payload:       payload,
		Platform:      models.PlatformAndroid,
	}
}

func TestHandleUpload_Stored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d, err := h.svc.HandleUpload(ctx, request("gps_20230101.csv", h.seal(t, "lat,lon", "1,2")))
	require.NoError(t, err)
	assert.Equal(t, models.DispositionStored, d.Kind)
	assert.Equal(t, "P100/gps/20230101.csv", d.StoredPath)
	assert.Equal(t, 200, d.HTTPStatus())

	stored, err := h.blobs.Get(ctx, "S1/P100/gps/20230101.csv")
	require.NoError(t, err)
	assert.Equal(t, "lat,lon\n1,2", string(stored))

	recs := h.queue.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "P100/gps/20230101.csv", recs[0].FilePath)
	assert.Equal(t, testStudy, recs[0].StudyID)
	assert.Equal(t, testParticipant, recs[0].ParticipantID)
	assert.Empty(t, h.alerts.all())
	assert.Empty(t, h.forensics.entries)
}

func TestHandleUpload_CrashLogNeverDecrypted(t *testing.T) {
	h := newHarness(t, withKeys(failingKeys{err: errors.New("must not be called")}))
	h.crash.err = errors.New("collector down")

	d, err := h.svc.HandleUpload(context.Background(), request("app_CrashLog_1.txt", []byte("not even encrypted")))
	require.NoError(t, err)
	assert.Equal(t, models.DispositionDropped, d.Kind)
	require.Len(t, h.crash.reports, 1)
	assert.Equal(t, "not even encrypted", h.crash.reports[0].Body)
	assert.Empty(t, h.queue.Records())
}

func TestHandleUpload_SpuriousArtifact(t *testing.T) {
	h := newHarness(t)

	d, err := h.svc.HandleUpload(context.Background(), request("rList-123", h.seal(t, "x")))
	require.NoError(t, err)
	assert.Equal(t, models.DispositionDropped, d.Kind)
	assert.Empty(t, h.queue.Records())
	assert.Empty(t, h.alerts.all())
}

func TestHandleUpload_InvalidExtension(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		ext      string
	}{
		{name: "no extension", fileName: "data", ext: `""`},
		{name: "unknown extension", fileName: "gps_1.exe", ext: `"exe"`},
		{name: "case sensitive", fileName: "gps_1.CSV", ext: `"CSV"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			d, err := h.svc.HandleUpload(context.Background(), request(tt.fileName, h.seal(t, "a")))
			require.NoError(t, err)
			assert.Equal(t, models.DispositionRejected, d.Kind)
			assert.Equal(t, 400, d.HTTPStatus())
			assert.Contains(t, d.Reason, tt.ext)

			alerts := h.alerts.all()
			require.Len(t, alerts, 1)
			assert.Contains(t, alerts[0].Message, "an upload has failed P100, "+tt.fileName)
			assert.Equal(t, testParticipant, alerts[0].Tags["participant"])
			assert.Empty(t, h.queue.Records())
		})
	}
}

func TestHandleUpload_MissingFileName(t *testing.T) {
	h := newHarness(t)

	d, err := h.svc.HandleUpload(context.Background(), request("", h.seal(t, "a")))
	require.NoError(t, err)
	assert.Equal(t, models.DispositionRejected, d.Kind)
	assert.Len(t, h.alerts.all(), 1)
}

func TestHandleUpload_PathEscapingFileName(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		victim   string
	}{
		{name: "other participant", fileName: "x_.._.._P200_gps_1.csv", victim: "S1/P200/gps/1.csv"},
		{name: "other study", fileName: "x_.._.._.._S2_P9_gps_1.csv", victim: "S2/P9/gps/1.csv"},
		{name: "empty segment", fileName: "gps__1.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			if tt.victim != "" {
				require.NoError(t, h.blobs.Put(ctx, tt.victim, []byte("original")))
			}

			d, err := h.svc.HandleUpload(ctx, request(tt.fileName, h.seal(t, "evil")))
			require.NoError(t, err)
			assert.Equal(t, models.DispositionRejected, d.Kind)
			assert.Equal(t, 400, d.HTTPStatus())
			assert.Contains(t, d.Reason, tt.fileName)

			alerts := h.alerts.all()
			require.Len(t, alerts, 1)
			assert.Contains(t, alerts[0].Message, "an upload has failed P100, "+tt.fileName)
			assert.Empty(t, h.queue.Records())

			if tt.victim != "" {
				got, err := h.blobs.Get(ctx, tt.victim)
				require.NoError(t, err)
				assert.Equal(t, "original", string(got))
			}
		})
	}
}

func TestHandleUpload_CorruptedInteriorLine(t *testing.T) {
	h := newHarness(t)
	raw := h.seal(t, "a", "b", "c")
	lines := bytes.Split(raw, []byte("\n"))
	require.Len(t, lines, 4)
	lines[2] = []byte("!!!!:!!!!")
	raw = bytes.Join(lines, []byte("\n"))

	d, err := h.svc.HandleUpload(context.Background(), request("gps_1.csv", raw))
	require.NoError(t, err)
	assert.Equal(t, models.DispositionStored, d.Kind)

	stored, err := h.blobs.Get(context.Background(), storage.BlobKey(testStudy, d.StoredPath))
	require.NoError(t, err)
	assert.Equal(t, "a\nc", string(stored))

	require.Len(t, h.forensics.entries, 1)
	assert.Equal(t, forensics.KindLineFailure, h.forensics.entries[0].Kind)
	assert.Equal(t, 2, h.forensics.entries[0].Line)
	assert.Equal(t, "!!!!:!!!!", h.forensics.entries[0].Raw)
	assert.Equal(t, int64(1), h.svc.GetStats().FailedLines)
}

func TestHandleUpload_EmptyUpload(t *testing.T) {
	h := newHarness(t)

	d, err := h.svc.HandleUpload(context.Background(), request("gps_1.csv", nil))
	require.NoError(t, err)
	assert.Equal(t, models.DispositionDropped, d.Kind)
	assert.Empty(t, h.alerts.all())
	assert.Empty(t, h.queue.Records())
}

func TestHandleUpload_EmptyUploadWithoutKey(t *testing.T) {
	h := newHarness(t, withKeys(failingKeys{err: keystore.ErrKeyNotFound}))

	d, err := h.svc.HandleUpload(context.Background(), request("gps_1.csv", []byte("\n\n")))
	require.NoError(t, err)
	assert.Equal(t, models.DispositionDropped, d.Kind)
}

func TestHandleUpload_KeyOnlyFileIsDropped(t *testing.T) {
	h := newHarness(t)

	d, err := h.svc.HandleUpload(context.Background(), request("gps_1.csv", h.seal(t)))
	require.NoError(t, err)
	assert.Equal(t, models.DispositionDropped, d.Kind)
	assert.Empty(t, h.queue.Records())
}

func TestHandleUpload_WrongKeyIsDropped(t *testing.T) {
	h := newHarness(t)
	other, err := devicecrypt.GenerateKey()
	require.NoError(t, err)
	h.pub = &other.PublicKey

	d, err := h.svc.HandleUpload(context.Background(), request("gps_1.csv", h.seal(t, "a", "b")))
	require.NoError(t, err)
	assert.Equal(t, models.DispositionDropped, d.Kind)
	assert.Equal(t, 200, d.HTTPStatus())
	assert.Empty(t, h.alerts.all())

	require.Len(t, h.forensics.entries, 1)
	assert.Equal(t, forensics.KindKeyInvalid, h.forensics.entries[0].Kind)
	assert.Equal(t, 0, h.forensics.entries[0].Line)
}

func TestHandleUpload_AllLinesMalformed(t *testing.T) {
	h := newHarness(t)
	raw := h.seal(t, "a")
	keyLine := bytes.SplitN(raw, []byte("\n"), 2)[0]
	raw = append(append(keyLine, '\n'), []byte("bad\nworse")...)

	d, err := h.svc.HandleUpload(context.Background(), request("gps_1.csv", raw))
	require.NoError(t, err)
	assert.Equal(t, models.DispositionDropped, d.Kind)
	require.Len(t, h.forensics.entries, 2)
	assert.Equal(t, forensics.KindMalformedCiphertext, h.forensics.entries[0].Kind)
}

func TestHandleUpload_CorruptStoredKeyIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.blobs.Put(ctx, keystore.PrivateKeyPath(testStudy, "P200"), []byte("garbage")))

	req := request("gps_1.csv", h.seal(t, "a"))
	req.ParticipantID = "P200"
	d, err := h.svc.HandleUpload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.DispositionDropped, d.Kind)
	require.Len(t, h.forensics.entries, 1)
	assert.Equal(t, forensics.KindKeyInvalid, h.forensics.entries[0].Kind)
}

func TestHandleUpload_IdempotentResubmission(t *testing.T) {
	h := newHarness(t)
	req := request("gps_20230101.csv", h.seal(t, "1", "2"))

	first, err := h.svc.HandleUpload(context.Background(), req)
	require.NoError(t, err)
	second, err := h.svc.HandleUpload(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	stored, err := h.blobs.Get(context.Background(), "S1/P100/gps/20230101.csv")
	require.NoError(t, err)
	assert.Equal(t, "1\n2", string(stored))
}

func TestHandleUpload_InfrastructureFailures(t *testing.T) {
	t.Run("key lookup", func(t *testing.T) {
		h := newHarness(t, withKeys(failingKeys{err: errors.New("db down")}))
		_, err := h.svc.HandleUpload(context.Background(), request("gps_1.csv", []byte("x\ny")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key_lookup")
	})

	t.Run("missing key", func(t *testing.T) {
		h := newHarness(t)
		req := request("gps_1.csv", h.seal(t, "a"))
		req.ParticipantID = "P999"
		_, err := h.svc.HandleUpload(context.Background(), req)
		require.ErrorIs(t, err, keystore.ErrKeyNotFound)
	})

	t.Run("store", func(t *testing.T) {
		storeErr := errors.New("bucket unavailable")
		h := newHarness(t, withBlobs(failingBlobs{err: storeErr}))
		_, err := h.svc.HandleUpload(context.Background(), request("gps_1.csv", h.seal(t, "a")))
		require.ErrorIs(t, err, storeErr)
		assert.Empty(t, h.queue.Records())
	})

	t.Run("enqueue", func(t *testing.T) {
		h := newHarness(t)
		h.queue.FailWith(errors.New("queue down"))
		_, err := h.svc.HandleUpload(context.Background(), request("gps_1.csv", h.seal(t, "a")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "enqueue")
		assert.Equal(t, int64(1), h.svc.GetStats().Errors)
	})
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"gps_1.csv":    "csv",
		"a.b.json":     "json",
		"data":         "",
		"trailingdot.": "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Extension(in), in)
	}
}

func TestGetStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.HandleUpload(ctx, request("gps_1.csv", h.seal(t, "a")))
	require.NoError(t, err)
	_, err = h.svc.HandleUpload(ctx, request("rList-1", nil))
	require.NoError(t, err)
	_, err = h.svc.HandleUpload(ctx, request("data", h.seal(t, "a")))
	require.NoError(t, err)

	stats := h.svc.GetStats()
	assert.Equal(t, int64(3), stats.TotalUploads)
	assert.Equal(t, int64(1), stats.Stored)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.False(t, stats.LastUpload.IsZero())
}
