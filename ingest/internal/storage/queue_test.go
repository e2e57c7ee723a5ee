package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/studyhawk/common/messaging"
	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
)

type fakePublisher struct {
	msgs []*messaging.Message
	err  error
}

func (f *fakePublisher) PublishMsgSync(_ context.Context, msg *messaging.Message) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	return &jetstream.PubAck{Stream: "UPLOADS_PROCESS", Sequence: uint64(len(f.msgs))}, nil
}

func TestJetStreamQueue_Enqueue(t *testing.T) {
	pub := &fakePublisher{}
	q := &JetStreamQueue{js: pub}
	rec := models.ProcessingRecord{
		ID: "rec-1", FilePath: "P1/gps/a.csv", StudyID: "S1", ParticipantID: "P1",
		Size: 3, Timestamp: time.Now().UTC(),
	}

	require.NoError(t, q.Enqueue(context.Background(), rec))
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "uploads.process.S1", msg.Subject)
	assert.Equal(t, "rec-1", msg.Metadata[jetstream.MsgIDHeader])

	var got models.ProcessingRecord
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, rec.FilePath, got.FilePath)
}

func TestJetStreamQueue_PublishError(t *testing.T) {
	q := &JetStreamQueue{js: &fakePublisher{err: errors.New("no responders")}}
	err := q.Enqueue(context.Background(), models.ProcessingRecord{ID: "x", StudyID: "S1"})
	assert.ErrorContains(t, err, "no responders")
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Enqueue(context.Background(), models.ProcessingRecord{ID: "a"}))

	q.FailWith(errors.New("boom"))
	assert.Error(t, q.Enqueue(context.Background(), models.ProcessingRecord{ID: "b"}))
	q.FailWith(nil)
	require.NoError(t, q.Enqueue(context.Background(), models.ProcessingRecord{ID: "c"}))

	assert.Equal(t, []string{"a", "c"}, recordIDs(q))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, q.Enqueue(ctx, models.ProcessingRecord{ID: "d"}))
}
