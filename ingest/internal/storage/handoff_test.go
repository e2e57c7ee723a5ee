package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/studyhawk/common/audit"
)

func TestUploadPath(t *testing.T) {
	tests := []struct {
		participant, file, want string
	}{
		{"P100", "gps_20230101.csv", "P100/gps/20230101.csv"},
		{"P100", "P100_gps_20230101.csv", "P100/gps/20230101.csv"},
		{"P100", "data", "P100/data"},
		{"P1", "P100_x.csv", "P1/P100/x.csv"},
		{"P100", "a..b_c.csv", "P100/a..b/c.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			got, err := UploadPath(tt.participant, tt.file)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUploadPath_Rejects(t *testing.T) {
	tests := []struct {
		name, participant, file string
	}{
		{"parent segments", "P100", "x_.._.._P200_gps_1.csv"},
		{"cross study", "P100", "x_.._.._.._S2_P9_gps_1.csv"},
		{"leading dot segment", "P100", "._x.csv"},
		{"bare parent", "P100", ".."},
		{"double underscore", "P100", "a__b.csv"},
		{"leading underscore", "P100", "_gps_1.csv"},
		{"trailing underscore", "P100", "gps_1.csv_"},
		{"slash", "P100", "gps/../../P200/1.csv"},
		{"backslash", "P100", "gps\\1.csv"},
		{"empty participant", "", "a_b.csv"},
		{"dotted participant", "..", "a_b.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UploadPath(tt.participant, tt.file)
			assert.ErrorIs(t, err, ErrInvalidUploadPath)
		})
	}
}

func TestHandoff_StoreAndEnqueue(t *testing.T) {
	ctx := context.Background()
	blobs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	queue := NewMemoryQueue()
	signer := audit.NewRecordSigner("secret")
	h := NewHandoff(blobs, queue, signer)
	h.now = func() time.Time { return time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC) }

	receipt, err := h.Store(ctx, "P100/gps/20230101.csv", []byte("x,y"), "S1")
	require.NoError(t, err)
	assert.Equal(t, "S1/P100/gps/20230101.csv", receipt.Key)
	assert.Equal(t, int64(3), receipt.Size)

	stored, err := blobs.Get(ctx, receipt.Key)
	require.NoError(t, err)
	assert.Equal(t, "x,y", string(stored))

	rec, err := h.Enqueue(ctx, receipt.Path, "S1", "P100", receipt.Size)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.True(t, signer.Verify(rec.ID, rec.FilePath, rec.StudyID, rec.ParticipantID, rec.Size, rec.Timestamp, rec.Signature))
	assert.Equal(t, []string{rec.ID}, recordIDs(queue))
}

func TestHandoff_EnqueueFailure(t *testing.T) {
	queue := NewMemoryQueue()
	queue.FailWith(errors.New("queue down"))
	blobs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	h := NewHandoff(blobs, queue, nil)

	_, err = h.Enqueue(context.Background(), "P1/a.csv", "S1", "P1", 1)
	assert.ErrorContains(t, err, "queue down")
	assert.Empty(t, queue.Records())
}

func recordIDs(q *MemoryQueue) []string {
	var ids []string
	for _, r := range q.Records() {
		ids = append(ids, r.ID)
	}
	return ids
}
