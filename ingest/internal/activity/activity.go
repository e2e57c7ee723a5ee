// Package activity keeps Redis-backed upload activity per participant.
//
// Several ingest instances write concurrently; any service can read.
//
// Redis Key Structure:
//
//	upload:stats:{patient_id}              - Hash with totals and last upload
//	upload:hourly:{patient_id}:{YYYYMMDDHH} - Uploads in that hour (expires 48h)
//	upload:daily:{patient_id}:{YYYYMMDD}   - Uploads on that day (expires 14d)
//	upload:instances:{patient_id}          - Hash of ingest instance -> last seen
package activity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const statsPrefix = "upload:stats:"

// Stats is the activity summary for one participant.
type Stats struct {
	PatientID        string            `json:"patient_id"`
	LastUploadAt     *time.Time        `json:"last_upload_at,omitempty"`
	LastOutcome      string            `json:"last_outcome,omitempty"`
	TotalUploads     int64             `json:"total_uploads"`
	TotalBytes       int64             `json:"total_bytes"`
	Stored           int64             `json:"stored"`
	Dropped          int64             `json:"dropped"`
	Rejected         int64             `json:"rejected"`
	UploadsLastHour  int64             `json:"uploads_last_hour"`
	UploadsLast24h   int64             `json:"uploads_last_24h"`
	UploadsToday     int64             `json:"uploads_today"`
	IngestInstances  map[string]string `json:"ingest_instances,omitempty"`
	StatsRetrievedAt time.Time         `json:"stats_retrieved_at"`
}

type Client struct {
	redis      *redis.Client
	instanceID string
	now        func() time.Time
}

// NewClient connects to redisURL. instanceID should be unique per ingest
// instance (hostname or pod name).
func NewClient(redisURL string, instanceID string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewClientFromRedis(client, instanceID), nil
}

func NewClientFromRedis(client *redis.Client, instanceID string) *Client {
	return &Client{redis: client, instanceID: instanceID, now: time.Now}
}

// Batch accumulates uploads for one participant between flushes.
type Batch struct {
	PatientID   string
	Uploads     int64
	Bytes       int64
	Outcomes    map[string]int64
	LastOutcome string
	LastAt      time.Time
}

func NewBatch(patientID string) *Batch {
	return &Batch{PatientID: patientID, Outcomes: make(map[string]int64)}
}

// Add counts one upload with its outcome ("stored", "dropped", "rejected").
func (b *Batch) Add(outcome string, size int64, at time.Time) {
	b.Uploads++
	b.Bytes += size
	b.Outcomes[outcome]++
	if !at.Before(b.LastAt) {
		b.LastAt = at
		b.LastOutcome = outcome
	}
}

func (b *Batch) merge(o *Batch) {
	b.Uploads += o.Uploads
	b.Bytes += o.Bytes
	for k, v := range o.Outcomes {
		b.Outcomes[k] += v
	}
	if !o.LastAt.Before(b.LastAt) {
		b.LastAt = o.LastAt
		b.LastOutcome = o.LastOutcome
	}
}

// FlushBatch writes one batch in a single pipeline.
func (c *Client) FlushBatch(ctx context.Context, batch *Batch) error {
	if batch.Uploads == 0 {
		return nil
	}

	now := c.now()
	hourlyKey := fmt.Sprintf("upload:hourly:%s:%s", batch.PatientID, now.Format("2006010215"))
	dailyKey := fmt.Sprintf("upload:daily:%s:%s", batch.PatientID, now.Format("20060102"))
	statsKey := statsPrefix + batch.PatientID
	nowUnix := strconv.FormatInt(now.Unix(), 10)

	pipe := c.redis.Pipeline()

	last := batch.LastAt
	if last.IsZero() {
		last = now
	}
	pipe.HSet(ctx, statsKey, map[string]interface{}{
		"last_upload_at": strconv.FormatInt(last.Unix(), 10),
		"last_outcome":   batch.LastOutcome,
	})
	pipe.HIncrBy(ctx, statsKey, "total_uploads", batch.Uploads)
	pipe.HIncrBy(ctx, statsKey, "total_bytes", batch.Bytes)
	for outcome, n := range batch.Outcomes {
		pipe.HIncrBy(ctx, statsKey, outcome, n)
	}

	pipe.IncrBy(ctx, hourlyKey, batch.Uploads)
	pipe.Expire(ctx, hourlyKey, 48*time.Hour)

	pipe.IncrBy(ctx, dailyKey, batch.Uploads)
	pipe.Expire(ctx, dailyKey, 14*24*time.Hour)

	instancesKey := fmt.Sprintf("upload:instances:%s", batch.PatientID)
	pipe.HSet(ctx, instancesKey, c.instanceID, nowUnix)
	pipe.Expire(ctx, instancesKey, 24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush batch: %w", err)
	}
	return nil
}

// GetStats reads the activity summary. An unknown participant yields zeroed
// stats, not an error.
func (c *Client) GetStats(ctx context.Context, patientID string) (*Stats, error) {
	now := c.now()

	pipe := c.redis.Pipeline()
	statsCmd := pipe.HGetAll(ctx, statsPrefix+patientID)

	hourly := make([]*redis.StringCmd, 24)
	for i := range hourly {
		t := now.Add(-time.Duration(i) * time.Hour)
		hourly[i] = pipe.Get(ctx, fmt.Sprintf("upload:hourly:%s:%s", patientID, t.Format("2006010215")))
	}
	todayCmd := pipe.Get(ctx, fmt.Sprintf("upload:daily:%s:%s", patientID, now.Format("20060102")))
	instancesCmd := pipe.HGetAll(ctx, fmt.Sprintf("upload:instances:%s", patientID))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	stats := &Stats{
		PatientID:        patientID,
		StatsRetrievedAt: now,
		IngestInstances:  make(map[string]string),
	}

	if fields, err := statsCmd.Result(); err == nil {
		if v, ok := fields["last_upload_at"]; ok {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				t := time.Unix(unix, 0).UTC()
				stats.LastUploadAt = &t
			}
		}
		stats.LastOutcome = fields["last_outcome"]
		stats.TotalUploads = parseInt(fields["total_uploads"])
		stats.TotalBytes = parseInt(fields["total_bytes"])
		stats.Stored = parseInt(fields["stored"])
		stats.Dropped = parseInt(fields["dropped"])
		stats.Rejected = parseInt(fields["rejected"])
	}

	if v, err := hourly[0].Int64(); err == nil {
		stats.UploadsLastHour = v
	}
	for _, cmd := range hourly {
		if v, err := cmd.Int64(); err == nil {
			stats.UploadsLast24h += v
		}
	}
	if v, err := todayCmd.Int64(); err == nil {
		stats.UploadsToday = v
	}

	if instances, err := instancesCmd.Result(); err == nil {
		for instance, lastSeen := range instances {
			if unix, err := strconv.ParseInt(lastSeen, 10, 64); err == nil {
				stats.IngestInstances[instance] = time.Unix(unix, 0).UTC().Format(time.RFC3339)
			}
		}
	}

	return stats, nil
}

// ListActive returns participants whose last upload is within since.
func (c *Client) ListActive(ctx context.Context, since time.Duration) ([]string, error) {
	var ids []string
	cutoff := c.now().Add(-since).Unix()

	iter := c.redis.Scan(ctx, 0, statsPrefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		last, err := c.redis.HGet(ctx, key, "last_upload_at").Int64()
		if err == nil && last >= cutoff {
			ids = append(ids, key[len(statsPrefix):])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan participants: %w", err)
	}
	return ids, nil
}

func (c *Client) Close() error {
	return c.redis.Close()
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
