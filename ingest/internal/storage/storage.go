// Package storage hands decrypted uploads off to durable storage and the
// downstream processing queue.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
)

// ErrObjectNotFound is returned by BlobStore.Get for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// BlobStore is an object store keyed by '/' separated paths. Put overwrites.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Queue receives a record for every stored file.
type Queue interface {
	Enqueue(ctx context.Context, rec models.ProcessingRecord) error
}
