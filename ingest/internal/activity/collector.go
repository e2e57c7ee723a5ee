package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Collector batches uploads in memory and flushes them to Redis
// periodically. Safe for concurrent use.
type Collector struct {
	client        *Client
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	batches map[string]*Batch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCollector(client *Client, flushInterval time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		client:        client,
		flushInterval: flushInterval,
		logger:        logger,
		batches:       make(map[string]*Batch),
		ctx:           ctx,
		cancel:        cancel,
	}

	c.wg.Add(1)
	go c.flushLoop()

	return c
}

// Record counts one finished upload for patientID.
func (c *Collector) Record(patientID, outcome string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch, ok := c.batches[patientID]
	if !ok {
		batch = NewBatch(patientID)
		c.batches[patientID] = batch
	}
	batch.Add(outcome, size, time.Now())
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	batches := c.batches
	c.batches = make(map[string]*Batch)
	c.mu.Unlock()

	if len(batches) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flushed := 0
	for _, batch := range batches {
		if err := c.client.FlushBatch(ctx, batch); err != nil {
			c.logger.Error("failed to flush upload activity",
				"participant_id", batch.PatientID,
				"uploads", batch.Uploads,
				"error", err,
			)
			// Merge back for the next tick.
			c.mu.Lock()
			if existing, ok := c.batches[batch.PatientID]; ok {
				existing.merge(batch)
			} else {
				c.batches[batch.PatientID] = batch
			}
			c.mu.Unlock()
			continue
		}
		flushed++
	}

	if flushed > 0 {
		c.logger.Debug("flushed upload activity", "participants", flushed)
	}
}

// FlushNow forces an immediate flush.
func (c *Collector) FlushNow() {
	c.flush()
}

// Stop ends the flush loop after a final flush.
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Pending returns unflushed upload counts per participant.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.batches))
	for id, batch := range c.batches {
		out[id] = batch.Uploads
	}
	return out
}
