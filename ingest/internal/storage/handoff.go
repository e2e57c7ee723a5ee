package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/studyhawk/common/audit"
	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
)

// ErrInvalidUploadPath is returned when a device file name does not map to
// a path confined to the uploading participant.
var ErrInvalidUploadPath = errors.New("invalid upload path")

// UploadPath maps a device file name to its storage path. Devices encode
// directories as underscores, so every '_' becomes '/'. The result is rooted
// at the participant: "gps_20230101.csv" uploaded by P100 is stored at
// "P100/gps/20230101.csv", not at "P100/gps_20230101.csv" as the file name
// alone would suggest. A name that already starts with the participant ID
// is not prefixed twice.
//
// Names that would produce an empty, "." or ".." segment, or that carry a
// literal '/' or '\', fail with ErrInvalidUploadPath.
func UploadPath(participantID, fileName string) (string, error) {
	if !validSegment(participantID) {
		return "", fmt.Errorf("%w: participant %q", ErrInvalidUploadPath, participantID)
	}
	if strings.ContainsAny(fileName, "/\\") {
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidUploadPath, fileName)
	}
	p := strings.ReplaceAll(fileName, "_", "/")
	for _, seg := range strings.Split(p, "/") {
		if !validSegment(seg) {
			return "", fmt.Errorf("%w: %q has segment %q", ErrInvalidUploadPath, fileName, seg)
		}
	}
	if strings.HasPrefix(p, participantID+"/") {
		return p, nil
	}
	return participantID + "/" + p, nil
}

func validSegment(seg string) bool {
	return seg != "" && seg != "." && seg != ".." && !strings.ContainsAny(seg, "/\\")
}

// BlobKey is the object key for path within a study.
func BlobKey(studyID, path string) string {
	return studyID + "/" + path
}

// Handoff writes payloads to the blob store and announces them on the queue.
type Handoff struct {
	blobs  BlobStore
	queue  Queue
	signer *audit.RecordSigner
	now    func() time.Time
}

func NewHandoff(blobs BlobStore, queue Queue, signer *audit.RecordSigner) *Handoff {
	return &Handoff{blobs: blobs, queue: queue, signer: signer, now: time.Now}
}

// Store writes payload at <study>/<path>, replacing any earlier object.
func (h *Handoff) Store(ctx context.Context, path string, payload []byte, studyID string) (models.StoredReceipt, error) {
	key := BlobKey(studyID, path)
	if err := h.blobs.Put(ctx, key, payload); err != nil {
		return models.StoredReceipt{}, err
	}
	return models.StoredReceipt{
		Key:      key,
		Path:     path,
		Size:     int64(len(payload)),
		StoredAt: h.now().UTC(),
	}, nil
}

// Enqueue builds a signed ProcessingRecord and puts it on the queue.
func (h *Handoff) Enqueue(ctx context.Context, path, studyID, participantID string, size int64) (models.ProcessingRecord, error) {
	rec := models.ProcessingRecord{
		ID:            uuid.NewString(),
		FilePath:      path,
		StudyID:       studyID,
		ParticipantID: participantID,
		Size:          size,
		Timestamp:     h.now().UTC(),
	}
	if h.signer != nil {
		rec.Signature = h.signer.Sign(rec.ID, rec.FilePath, rec.StudyID, rec.ParticipantID, rec.Size, rec.Timestamp)
	}
	if err := h.queue.Enqueue(ctx, rec); err != nil {
		return models.ProcessingRecord{}, fmt.Errorf("enqueue %s: %w", path, err)
	}
	return rec, nil
}
