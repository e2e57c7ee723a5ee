package forensics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/studyhawk/common/messaging"
	"github.com/telhawk-systems/studyhawk/common/messaging/nats"
)

type streamClient interface {
	PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error)
	FetchLast(ctx context.Context, streamName, subject string, limit int) ([]*messaging.Message, error)
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
}

// JetStreamRecorder publishes entries to the UPLOADS_FORENSICS stream so that
// every ingest instance shares one forensic log.
type JetStreamRecorder struct {
	js      streamClient
	logger  *slog.Logger
	written atomic.Uint64
}

func NewJetStreamRecorder(ctx context.Context, js *nats.JetStreamClient, logger *slog.Logger) (*JetStreamRecorder, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	if _, err := js.CreateOrUpdateStream(ctx, nats.UploadsForensicsStream); err != nil {
		return nil, fmt.Errorf("create forensics stream: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("forensics stream ready", slog.String("stream", nats.UploadsForensicsStream.Name))
	return &JetStreamRecorder{js: js, logger: logger}, nil
}

func (r *JetStreamRecorder) Record(ctx context.Context, e Entry) error {
	if r == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Raw = truncate(e.Raw)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal forensic entry: %w", err)
	}
	if _, err := r.js.PublishSync(ctx, messaging.ForensicsSubject(string(e.Kind)), data); err != nil {
		return fmt.Errorf("publish forensic entry: %w", err)
	}
	r.written.Add(1)
	return nil
}

func (r *JetStreamRecorder) List(ctx context.Context, limit int) ([]Entry, error) {
	if r == nil {
		return nil, fmt.Errorf("forensics not enabled")
	}
	if limit <= 0 {
		limit = 100
	}
	msgs, err := r.js.FetchLast(ctx, nats.UploadsForensicsStream.Name, messaging.SubjectUploadsForensics+".>", limit)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		var e Entry
		if err := json.Unmarshal(m.Data, &e); err != nil {
			r.logger.ErrorContext(ctx, "failed to parse forensic message", slog.String("subject", m.Subject), slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *JetStreamRecorder) Stats(ctx context.Context) map[string]any {
	if r == nil {
		return map[string]any{"enabled": false, "backend": "jetstream"}
	}
	stats := map[string]any{
		"enabled":       true,
		"backend":       "jetstream",
		"written_local": r.written.Load(),
	}
	stream, err := r.js.Stream(ctx, nats.UploadsForensicsStream.Name)
	if err != nil {
		stats["error"] = err.Error()
		return stats
	}
	info, err := stream.Info(ctx)
	if err != nil {
		stats["error"] = err.Error()
		return stats
	}
	stats["total_messages"] = info.State.Msgs
	stats["total_bytes"] = info.State.Bytes
	stats["first_seq"] = info.State.FirstSeq
	stats["last_seq"] = info.State.LastSeq
	return stats
}
