package models

import (
	"fmt"
	"net/http"
	"time"
)

type DispositionKind int

const (
	DispositionStored DispositionKind = iota + 1
	DispositionDropped
	DispositionRejected
)

func (k DispositionKind) String() string {
	switch k {
	case DispositionStored:
		return "stored"
	case DispositionDropped:
		return "dropped"
	case DispositionRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Disposition is the terminal decision for one upload. StoredPath and Size
// are set for Stored; Reason for Dropped and Rejected.
type Disposition struct {
	Kind       DispositionKind
	StoredPath string
	Size       int64
	Reason     string
}

func Stored(path string, size int64) Disposition {
	return Disposition{Kind: DispositionStored, StoredPath: path, Size: size}
}

func Dropped(reason string) Disposition {
	return Disposition{Kind: DispositionDropped, Reason: reason}
}

func Rejected(reason string) Disposition {
	return Disposition{Kind: DispositionRejected, Reason: reason}
}

// HTTPStatus tells the device what to do with its local copy: 200 means
// delete it, 400 means keep it and retry later.
func (d Disposition) HTTPStatus() int {
	switch d.Kind {
	case DispositionStored, DispositionDropped:
		return http.StatusOK
	case DispositionRejected:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (d Disposition) String() string {
	if d.Kind == DispositionStored {
		return fmt.Sprintf("stored %s (%d bytes)", d.StoredPath, d.Size)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Reason)
}

// ProcessingRecord announces a stored file to the batch pipeline.
type ProcessingRecord struct {
	ID            string    `json:"id"`
	FilePath      string    `json:"file_path"`
	StudyID       string    `json:"study_id"`
	ParticipantID string    `json:"participant_id"`
	Size          int64     `json:"size"`
	Timestamp     time.Time `json:"timestamp"`
	Signature     string    `json:"signature"`
}

// StoredReceipt confirms a blob store write.
type StoredReceipt struct {
	Key      string    `json:"key"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// UploadStats are process-local counters reported by /api/v1/stats.
type UploadStats struct {
	TotalUploads int64     `json:"total_uploads"`
	TotalBytes   int64     `json:"total_bytes"`
	Stored       int64     `json:"stored"`
	Dropped      int64     `json:"dropped"`
	Rejected     int64     `json:"rejected"`
	Errors       int64     `json:"errors"`
	FailedLines  int64     `json:"failed_lines"`
	LastUpload   time.Time `json:"last_upload"`
}
