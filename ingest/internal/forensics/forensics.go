// Package forensics keeps records of upload content that could not be
// decrypted, so device-side defects can be tracked down later. Nothing in
// here is on the path that decides the HTTP response.
package forensics

import (
	"context"
	"time"
)

type Kind string

const (
	KindKeyInvalid          Kind = "key_invalid"
	KindLineFailure         Kind = "line_failure"
	KindMalformedCiphertext Kind = "malformed_ciphertext"
	KindEmpty               Kind = "empty"
)

// Entry is one forensic record. Raw holds the undecryptable line as uploaded.
type Entry struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Kind          Kind      `json:"kind"`
	ParticipantID string    `json:"participant_id"`
	StudyID       string    `json:"study_id"`
	FileName      string    `json:"file_name"`
	Platform      string    `json:"platform,omitempty"`
	Line          int       `json:"line"`
	Raw           string    `json:"raw,omitempty"`
	Error         string    `json:"error"`
}

type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Reader is implemented by backends operators can inspect.
type Reader interface {
	// List returns up to limit entries, newest first.
	List(ctx context.Context, limit int) ([]Entry, error)
	Stats(ctx context.Context) map[string]any
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

// maxRawBytes caps how much of a bad line is kept.
const maxRawBytes = 4096

func truncate(raw string) string {
	if len(raw) > maxRawBytes {
		return raw[:maxRawBytes]
	}
	return raw
}
