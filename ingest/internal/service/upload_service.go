// Package service implements the upload orchestrator: the single place that
// decides what happens to an upload and therefore which status the device
// sees.
package service

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/telhawk-systems/studyhawk/common/logging"
	"github.com/telhawk-systems/studyhawk/ingest/internal/crashreport"
	"github.com/telhawk-systems/studyhawk/ingest/internal/forensics"
	"github.com/telhawk-systems/studyhawk/ingest/internal/metrics"
	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
	"github.com/telhawk-systems/studyhawk/ingest/internal/notification"
	"github.com/telhawk-systems/studyhawk/ingest/internal/storage"
	"github.com/telhawk-systems/studyhawk/ingest/internal/tracing"
	"github.com/telhawk-systems/studyhawk/ingest/pkg/devicecrypt"
)

// DefaultAllowedExtensions are the file types devices upload.
var DefaultAllowedExtensions = []string{"csv", "json", "mp4", "wav", "txt", "jpg"}

type KeyStore interface {
	GetPrivateKey(ctx context.Context, participantID, studyID string) (models.DeviceKeyMaterial, error)
}

type Decrypter interface {
	Decrypt(raw []byte, key *rsa.PrivateKey) (models.DecryptionOutcome, error)
}

type Classifier interface {
	Classify(filename string, raw []byte) models.Verdict
}

type Handoff interface {
	Store(ctx context.Context, path string, payload []byte, studyID string) (models.StoredReceipt, error)
	Enqueue(ctx context.Context, path, studyID, participantID string, size int64) (models.ProcessingRecord, error)
}

// Dependencies of UploadService. Alerter, CrashReporter, Forensics and Logger
// are optional and default to logging-only implementations.
type Dependencies struct {
	Keys          KeyStore
	Decrypter     Decrypter
	Classifier    Classifier
	Handoff       Handoff
	Alerter       notification.Alerter
	CrashReporter crashreport.Reporter
	Forensics     forensics.Recorder
	Logger        *logging.Logger
}

type UploadService struct {
	keys       KeyStore
	decrypter  Decrypter
	classifier Classifier
	handoff    Handoff
	alerter    notification.Alerter
	crash      crashreport.Reporter
	forensics  forensics.Recorder
	logger     *logging.Logger
	allowed    map[string]struct{}

	stats      models.UploadStats
	statsMutex sync.RWMutex
}

// NewUploadService wires the orchestrator. A nil allowedExtensions selects
// DefaultAllowedExtensions.
func NewUploadService(deps Dependencies, allowedExtensions []string) *UploadService {
	if allowedExtensions == nil {
		allowedExtensions = DefaultAllowedExtensions
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Alerter == nil {
		deps.Alerter = notification.NewLogChannel(deps.Logger.Logger)
	}
	if deps.CrashReporter == nil {
		deps.CrashReporter = crashreport.NewLogReporter(deps.Logger.Logger)
	}
	if deps.Forensics == nil {
		deps.Forensics = forensics.Nop{}
	}

	allowed := make(map[string]struct{}, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[strings.TrimPrefix(ext, ".")] = struct{}{}
	}

	return &UploadService{
		keys:       deps.Keys,
		decrypter:  deps.Decrypter,
		classifier: deps.Classifier,
		handoff:    deps.Handoff,
		alerter:    deps.Alerter,
		crash:      deps.CrashReporter,
		forensics:  deps.Forensics,
		logger:     deps.Logger,
		allowed:    allowed,
	}
}

// stageError tags an infrastructure failure with the step it came from.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func fail(stage string, err error) error { return &stageError{stage: stage, err: err} }

// HandleUpload returns exactly one Disposition per request, or an error when
// the server could not finish the job and the device must retry. Device-side
// problems never surface as errors.
func (s *UploadService) HandleUpload(ctx context.Context, req *models.UploadRequest) (models.Disposition, error) {
	ctx, span := tracing.StartSpan(ctx, "upload.handle",
		attribute.String("participant_id", req.ParticipantID),
		attribute.String("study_id", req.StudyID),
		attribute.String("file_name", req.FileName),
		attribute.String("platform", string(req.Platform)),
		attribute.Int("payload_bytes", len(req.Payload)),
	)
	defer span.End()

	start := time.Now()
	log := s.logger.WithContext(ctx).With(
		logging.ParticipantID(req.ParticipantID),
		logging.StudyID(req.StudyID),
		logging.FileName(req.FileName),
		logging.Platform(string(req.Platform)),
	)
	metrics.UploadBytesTotal.Add(float64(len(req.Payload)))

	d, err := s.handle(ctx, log, req)
	if err != nil {
		stage := "unknown"
		var se *stageError
		if errors.As(err, &se) {
			stage = se.stage
		}
		metrics.UploadErrors.WithLabelValues(stage).Inc()
		tracing.RecordError(span, err)
		s.updateStats(len(req.Payload), models.Disposition{}, 0)
		log.ErrorContext(ctx, "upload failed", logging.Error(err), slog.String("stage", stage))
		return models.Disposition{}, err
	}

	span.SetAttributes(attribute.String("disposition", d.Kind.String()))
	tracing.SetOK(span)
	metrics.UploadsTotal.WithLabelValues(string(req.Platform), d.Kind.String()).Inc()
	log.InfoContext(ctx, "upload handled",
		logging.Disposition(d.Kind.String()),
		logging.Reason(d.Reason),
		logging.Duration(time.Since(start).Milliseconds()),
	)
	return d, nil
}

func (s *UploadService) handle(ctx context.Context, log *slog.Logger, req *models.UploadRequest) (models.Disposition, error) {
	verdict := s.classifier.Classify(req.FileName, req.Payload)
	metrics.ClassificationsTotal.WithLabelValues(verdict.String()).Inc()

	if verdict != models.VerdictNormal {
		d := models.Dropped("spurious device artifact")
		if verdict == models.VerdictCrashLog {
			s.reportCrash(ctx, log, req)
			d = models.Dropped("crash log forwarded")
		}
		s.updateStats(len(req.Payload), d, 0)
		return d, nil
	}

	outcome, err := s.decrypt(ctx, req)
	if err != nil {
		return models.Disposition{}, err
	}
	s.recordForensics(ctx, log, req, outcome)

	var d models.Disposition
	switch outcome.FailureKind {
	case models.FailureKeyInvalid:
		d = models.Dropped("decryption key invalid")
	case models.FailureMalformedCiphertext:
		d = models.Dropped("malformed ciphertext")
	case models.FailureEmpty:
		d = models.Dropped("empty upload")
	default:
		d, err = s.validateAndStore(ctx, log, req, outcome)
		if err != nil {
			return models.Disposition{}, err
		}
	}
	if outcome.Failed() {
		metrics.DecryptionFailures.WithLabelValues(outcome.FailureKind.String()).Inc()
		log.WarnContext(ctx, "upload not decryptable",
			slog.String("failure_kind", outcome.FailureKind.String()),
			logging.FailedLines(len(outcome.Failures)),
		)
	}

	s.updateStats(len(req.Payload), d, outcome.FailedLineCount)
	return d, nil
}

func (s *UploadService) decrypt(ctx context.Context, req *models.UploadRequest) (models.DecryptionOutcome, error) {
	// An empty upload is dropped even for participants without a key.
	if len(bytes.TrimSpace(req.Payload)) == 0 {
		return models.DecryptionOutcome{FailureKind: models.FailureEmpty}, nil
	}

	km, err := s.keys.GetPrivateKey(ctx, req.ParticipantID, req.StudyID)
	switch {
	case errors.Is(err, devicecrypt.ErrKeyMaterial):
		metrics.KeyCacheLookups.WithLabelValues("unusable").Inc()
		return models.DecryptionOutcome{FailureKind: models.FailureKeyInvalid}, nil
	case err != nil:
		metrics.KeyCacheLookups.WithLabelValues("error").Inc()
		return models.DecryptionOutcome{}, fail("key_lookup", fmt.Errorf("look up key for %s: %w", req.ParticipantID, err))
	}
	metrics.KeyCacheLookups.WithLabelValues("ok").Inc()

	_, span := tracing.StartSpan(ctx, "upload.decrypt")
	defer span.End()

	start := time.Now()
	outcome, err := s.decrypter.Decrypt(req.Payload, km.PrivateKey)
	metrics.DecryptionDuration.Observe(time.Since(start).Seconds())

	if errors.Is(err, devicecrypt.ErrKeyMaterial) {
		return models.DecryptionOutcome{FailureKind: models.FailureKeyInvalid}, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return models.DecryptionOutcome{}, fail("decrypt", err)
	}
	span.SetAttributes(
		attribute.Int("lines", len(outcome.Lines)),
		attribute.Int("failed_lines", outcome.FailedLineCount),
		attribute.String("failure_kind", outcome.FailureKind.String()),
	)
	return outcome, nil
}

func (s *UploadService) validateAndStore(ctx context.Context, log *slog.Logger, req *models.UploadRequest, outcome models.DecryptionOutcome) (models.Disposition, error) {
	content := outcome.Content()
	if len(content) == 0 {
		log.WarnContext(ctx, "empty file after decryption, dropping so the device deletes it")
		return models.Dropped("empty after decryption"), nil
	}

	if req.FileName == "" {
		reason := "there was no provided file name, this is an app error"
		s.alert(ctx, log, req, reason)
		return models.Rejected(reason), nil
	}
	if ext := Extension(req.FileName); !s.extensionAllowed(ext) {
		reason := fmt.Sprintf("contains an invalid extension, it was interpreted as %q", ext)
		s.alert(ctx, log, req, reason)
		return models.Rejected(reason), nil
	}

	path, err := storage.UploadPath(req.ParticipantID, req.FileName)
	if err != nil {
		reason := fmt.Sprintf("file name %q does not map to a storage path inside the participant directory", req.FileName)
		s.alert(ctx, log, req, reason)
		return models.Rejected(reason), nil
	}

	storeCtx, span := tracing.StartSpan(ctx, "upload.store", attribute.String("path", path))
	start := time.Now()
	receipt, err := s.handoff.Store(storeCtx, path, content, req.StudyID)
	metrics.StorageDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		tracing.RecordError(span, err)
		span.End()
		return models.Disposition{}, fail("store", err)
	}
	span.End()
	metrics.StoredBytesTotal.Add(float64(receipt.Size))

	enqCtx, span := tracing.StartSpan(ctx, "upload.enqueue")
	rec, err := s.handoff.Enqueue(enqCtx, receipt.Path, req.StudyID, req.ParticipantID, receipt.Size)
	if err != nil {
		tracing.RecordError(span, err)
		span.End()
		return models.Disposition{}, fail("enqueue", err)
	}
	span.End()

	attrs := []any{logging.Path(receipt.Key), logging.Bytes(receipt.Size), slog.String("record_id", rec.ID)}
	if outcome.FailedLineCount > 0 {
		log.WarnContext(ctx, "stored with undecryptable lines dropped", append(attrs, logging.FailedLines(outcome.FailedLineCount))...)
	} else {
		log.DebugContext(ctx, "stored", attrs...)
	}
	return models.Stored(receipt.Path, receipt.Size), nil
}

// Extension is the text after the last '.' in name, or "" when there is none.
func Extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}

func (s *UploadService) extensionAllowed(ext string) bool {
	if ext == "" {
		return false
	}
	_, ok := s.allowed[ext]
	return ok
}

func (s *UploadService) alert(ctx context.Context, log *slog.Logger, req *models.UploadRequest, reason string) {
	a := notification.Alert{
		Message:  fmt.Sprintf("an upload has failed %s, %s, %s", req.ParticipantID, req.FileName, reason),
		Severity: notification.SeverityError,
		Tags: map[string]string{
			"upload_error": "upload error",
			"participant":  req.ParticipantID,
			"study":        req.StudyID,
			"file_name":    req.FileName,
			"platform":     string(req.Platform),
		},
	}
	if err := s.alerter.Alert(ctx, a); err != nil {
		metrics.AlertsTotal.WithLabelValues("failed").Inc()
		log.ErrorContext(ctx, "failed to deliver alert", logging.Error(err), logging.Reason(reason))
		return
	}
	metrics.AlertsTotal.WithLabelValues("sent").Inc()
}

func (s *UploadService) reportCrash(ctx context.Context, log *slog.Logger, req *models.UploadRequest) {
	err := s.crash.Report(ctx, crashreport.Report{
		ParticipantID: req.ParticipantID,
		StudyID:       req.StudyID,
		FileName:      req.FileName,
		Platform:      string(req.Platform),
		ReceivedAt:    time.Now().UTC(),
		Body:          string(req.Payload),
	})
	if err != nil {
		log.WarnContext(ctx, "failed to forward crash log", logging.Error(err))
	}
}

func (s *UploadService) recordForensics(ctx context.Context, log *slog.Logger, req *models.UploadRequest, outcome models.DecryptionOutcome) {
	kind := forensics.KindLineFailure
	switch outcome.FailureKind {
	case models.FailureKeyInvalid:
		kind = forensics.KindKeyInvalid
	case models.FailureMalformedCiphertext:
		kind = forensics.KindMalformedCiphertext
	}

	entries := make([]forensics.Entry, 0, len(outcome.Failures))
	for _, f := range outcome.Failures {
		e := forensics.Entry{
			Kind:          kind,
			ParticipantID: req.ParticipantID,
			StudyID:       req.StudyID,
			FileName:      req.FileName,
			Platform:      string(req.Platform),
			Line:          f.Line,
			Raw:           string(f.Raw),
		}
		if f.Err != nil {
			e.Error = f.Err.Error()
		}
		entries = append(entries, e)
	}
	// Key material that could not be loaded leaves no line to record.
	if outcome.FailureKind == models.FailureKeyInvalid && len(entries) == 0 {
		entries = append(entries, forensics.Entry{
			Kind:          forensics.KindKeyInvalid,
			ParticipantID: req.ParticipantID,
			StudyID:       req.StudyID,
			FileName:      req.FileName,
			Platform:      string(req.Platform),
			Error:         devicecrypt.ErrKeyMaterial.Error(),
		})
	}

	metrics.FailedLinesTotal.Add(float64(outcome.FailedLineCount))
	for _, e := range entries {
		if err := s.forensics.Record(ctx, e); err != nil {
			log.WarnContext(ctx, "failed to write forensic entry", logging.Error(err), slog.Int("line", e.Line))
		}
	}
}

func (s *UploadService) updateStats(bytes int, d models.Disposition, failedLines int) {
	s.statsMutex.Lock()
	defer s.statsMutex.Unlock()

	s.stats.TotalUploads++
	s.stats.TotalBytes += int64(bytes)
	s.stats.FailedLines += int64(failedLines)
	s.stats.LastUpload = time.Now()
	switch d.Kind {
	case models.DispositionStored:
		s.stats.Stored++
	case models.DispositionDropped:
		s.stats.Dropped++
	case models.DispositionRejected:
		s.stats.Rejected++
	default:
		s.stats.Errors++
	}
}

func (s *UploadService) GetStats() models.UploadStats {
	s.statsMutex.RLock()
	defer s.statsMutex.RUnlock()
	return s.stats
}
