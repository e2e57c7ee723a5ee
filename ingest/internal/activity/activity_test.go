package activity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewClientFromRedis(rdb, "ingest-a"), mr
}

func TestFlushBatchAndGetStats(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	b := NewBatch("P100")
	b.Add("stored", 1200, now.Add(-time.Minute))
	b.Add("rejected", 0, now)
	require.NoError(t, c.FlushBatch(ctx, b))

	b2 := NewBatch("P100")
	b2.Add("stored", 300, now)
	require.NoError(t, c.FlushBatch(ctx, b2))

	stats, err := c.GetStats(ctx, "P100")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalUploads)
	assert.Equal(t, int64(1500), stats.TotalBytes)
	assert.Equal(t, int64(2), stats.Stored)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(0), stats.Dropped)
	assert.Equal(t, int64(3), stats.UploadsLastHour)
	assert.Equal(t, int64(3), stats.UploadsLast24h)
	assert.Equal(t, int64(3), stats.UploadsToday)
	assert.Equal(t, "stored", stats.LastOutcome)
	require.NotNil(t, stats.LastUploadAt)
	assert.Equal(t, now.Unix(), stats.LastUploadAt.Unix())
	assert.Contains(t, stats.IngestInstances, "ingest-a")
}

func TestGetStats_UnknownParticipant(t *testing.T) {
	c, _ := newTestClient(t)

	stats, err := c.GetStats(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalUploads)
	assert.Nil(t, stats.LastUploadAt)
}

func TestFlushBatch_EmptyIsNoop(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, c.FlushBatch(context.Background(), NewBatch("P1")))
	assert.Empty(t, mr.Keys())
}

func TestListActive(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Now()

	recent := NewBatch("P1")
	recent.Add("stored", 10, now)
	require.NoError(t, c.FlushBatch(ctx, recent))

	old := NewBatch("P2")
	old.Add("stored", 10, now.Add(-48*time.Hour))
	require.NoError(t, c.FlushBatch(ctx, old))

	ids, err := c.ListActive(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, ids)
}

func TestCollector_FlushNow(t *testing.T) {
	c, _ := newTestClient(t)
	col := NewCollector(c, time.Hour, nil)
	defer col.Stop()

	col.Record("P1", "stored", 100)
	col.Record("P1", "dropped", 0)
	col.Record("P2", "rejected", 0)
	assert.Equal(t, map[string]int64{"P1": 2, "P2": 1}, col.Pending())

	col.FlushNow()
	assert.Empty(t, col.Pending())

	stats, err := c.GetStats(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalUploads)
	assert.Equal(t, int64(100), stats.TotalBytes)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestCollector_RetainsBatchOnFailure(t *testing.T) {
	c, mr := newTestClient(t)
	col := NewCollector(c, time.Hour, nil)
	defer col.Stop()

	col.Record("P1", "stored", 100)
	mr.SetError("READONLY")
	col.FlushNow()
	assert.Equal(t, map[string]int64{"P1": 1}, col.Pending())

	mr.SetError("")
	col.Record("P1", "stored", 50)
	col.FlushNow()
	assert.Empty(t, col.Pending())

	stats, err := c.GetStats(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalUploads)
	assert.Equal(t, int64(150), stats.TotalBytes)
}

func TestCollector_StopFlushes(t *testing.T) {
	c, _ := newTestClient(t)
	col := NewCollector(c, time.Hour, nil)

	col.Record("P1", "stored", 1)
	col.Stop()

	stats, err := c.GetStats(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalUploads)
}

func TestBatchMergeKeepsLatestOutcome(t *testing.T) {
	now := time.Now()
	a := NewBatch("P1")
	a.Add("stored", 1, now)
	b := NewBatch("P1")
	b.Add("rejected", 0, now.Add(-time.Minute))

	a.merge(b)
	assert.Equal(t, int64(2), a.Uploads)
	assert.Equal(t, "stored", a.LastOutcome)
}
