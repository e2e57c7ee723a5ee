// Package crashreport forwards crash logs uploaded by devices.
package crashreport

import (
	"context"
	"log/slog"
	"time"

	"github.com/telhawk-systems/studyhawk/common/messaging"
)

// Report is a crash log as uploaded by a device.
type Report struct {
	ParticipantID string    `json:"participant_id"`
	StudyID       string    `json:"study_id"`
	FileName      string    `json:"file_name"`
	Platform      string    `json:"platform"`
	ReceivedAt    time.Time `json:"received_at"`
	Body          string    `json:"body"`
}

// Reporter submits crash reports. Callers ignore the error beyond logging.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

// jsonPublisher is satisfied by *nats.Client.
type jsonPublisher interface {
	PublishJSON(ctx context.Context, subject string, v any) error
}

// NATSReporter publishes reports on uploads.crashlogs.
type NATSReporter struct {
	pub jsonPublisher
}

func NewNATSReporter(pub jsonPublisher) *NATSReporter {
	return &NATSReporter{pub: pub}
}

func (n *NATSReporter) Report(ctx context.Context, r Report) error {
	return n.pub.PublishJSON(ctx, messaging.SubjectUploadsCrashLogs, r)
}

// LogReporter writes a short summary of each report to the log.
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

const logPreviewBytes = 512

func (l *LogReporter) Report(ctx context.Context, r Report) error {
	preview := r.Body
	if len(preview) > logPreviewBytes {
		preview = preview[:logPreviewBytes]
	}
	l.logger.InfoContext(ctx, "device crash log received",
		slog.String("participant_id", r.ParticipantID),
		slog.String("file_name", r.FileName),
		slog.String("platform", r.Platform),
		slog.Int("bytes", len(r.Body)),
		slog.String("preview", preview),
	)
	return nil
}
