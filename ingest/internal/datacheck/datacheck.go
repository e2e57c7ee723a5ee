// Package datacheck answers whether a participant has uploaded enough data of
// one type, by summing stored object sizes under the participant's prefix.
package datacheck

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/studyhawk/ingest/internal/storage"
)

var ErrInvalidQuery = errors.New("invalid data check query")

// DefaultThresholds are byte counts that count as sufficient per data type.
var DefaultThresholds = map[string]int64{
	"gps":            1 << 20,
	"accelerometer":  5 << 20,
	"power_state":    1 << 10,
	"calls":          1 << 10,
	"texts":          1 << 10,
	"survey_timings": 1 << 10,
}

type Lister interface {
	List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
}

type Query struct {
	StudyID   string
	PatientID string
	DataType  string
	// Since excludes objects modified earlier; zero counts everything.
	Since time.Time
}

type Result struct {
	DataType   string `json:"data_type"`
	TotalBytes int64  `json:"total_bytes"`
	Objects    int    `json:"objects"`
	Threshold  int64  `json:"threshold"`
	Sufficient bool   `json:"sufficient"`
}

type Checker struct {
	blobs      Lister
	thresholds map[string]int64
}

// NewChecker uses DefaultThresholds when thresholds is empty. Unknown data
// types have a threshold of zero and are therefore always sufficient.
func NewChecker(blobs Lister, thresholds map[string]int64) *Checker {
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}
	return &Checker{blobs: blobs, thresholds: thresholds}
}

func (c *Checker) Check(ctx context.Context, q Query) (Result, error) {
	for _, part := range []string{q.StudyID, q.PatientID, q.DataType} {
		if part == "" || strings.Contains(part, "/") || part == ".." || part == "." {
			return Result{}, fmt.Errorf("%w: study_id, patient_id and data_type must be single path segments", ErrInvalidQuery)
		}
	}

	prefix := storage.BlobKey(q.StudyID, q.PatientID+"/"+q.DataType) + "/"
	objects, err := c.blobs.List(ctx, prefix)
	if err != nil {
		return Result{}, fmt.Errorf("list %s: %w", prefix, err)
	}

	res := Result{DataType: q.DataType, Threshold: c.thresholds[q.DataType]}
	for _, o := range objects {
		if !q.Since.IsZero() && o.LastModified.Before(q.Since) {
			continue
		}
		res.TotalBytes += o.Size
		res.Objects++
	}
	res.Sufficient = res.TotalBytes >= res.Threshold
	return res, nil
}
