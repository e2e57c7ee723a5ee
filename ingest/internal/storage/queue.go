package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/studyhawk/common/messaging"
	"github.com/telhawk-systems/studyhawk/common/messaging/nats"
	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
)

// MemoryQueue keeps records in memory. Used in tests and with
// queue.backend=memory for local development.
type MemoryQueue struct {
	mu      sync.Mutex
	records []models.ProcessingRecord
	err     error
}

func NewMemoryQueue() *MemoryQueue { return &MemoryQueue{} }

func (q *MemoryQueue) Enqueue(ctx context.Context, rec models.ProcessingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.records = append(q.records, rec)
	return nil
}

// FailWith makes every later Enqueue return err; nil restores normal behavior.
func (q *MemoryQueue) FailWith(err error) {
	q.mu.Lock()
	q.err = err
	q.mu.Unlock()
}

func (q *MemoryQueue) Records() []models.ProcessingRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.ProcessingRecord(nil), q.records...)
}

type msgPublisher interface {
	PublishMsgSync(ctx context.Context, msg *messaging.Message) (*jetstream.PubAck, error)
}

// JetStreamQueue publishes records to the UPLOADS_PROCESS stream on subject
// uploads.process.<study>. The record ID is sent as Nats-Msg-Id so a retried
// publish inside the stream's duplicate window is stored once.
type JetStreamQueue struct {
	js msgPublisher
}

func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	if _, err := js.CreateOrUpdateStream(ctx, nats.UploadsProcessStream); err != nil {
		return nil, fmt.Errorf("create processing stream: %w", err)
	}
	return &JetStreamQueue{js: js}, nil
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, rec models.ProcessingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal processing record: %w", err)
	}
	_, err = q.js.PublishMsgSync(ctx, &messaging.Message{
		Subject: messaging.ProcessSubject(rec.StudyID),
		Data:    data,
		Metadata: map[string]string{
			jetstream.MsgIDHeader: rec.ID,
			"Participant-Id":      rec.ParticipantID,
		},
	})
	if err != nil {
		return fmt.Errorf("publish processing record: %w", err)
	}
	return nil
}
