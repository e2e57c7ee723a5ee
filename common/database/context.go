// Package database holds helpers shared by the Postgres repositories.
package database

import (
	"context"
	"time"
)

// Timeouts bounds repository calls by kind of operation.
type Timeouts struct {
	Query time.Duration
	Write time.Duration
	// Bulk covers migrations and multi-statement transactions.
	Bulk time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Query: 5 * time.Second,
		Write: 10 * time.Second,
		Bulk:  30 * time.Second,
	}
}

// QueryContext derives a context for SELECTs.
func (t Timeouts) QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(parent, t.Query)
}

// WriteContext derives a context for INSERT, UPDATE and DELETE.
func (t Timeouts) WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(parent, t.Write)
}

// BulkContext derives a context for transactions spanning several statements.
func (t Timeouts) BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(parent, t.Bulk)
}

// withTimeout keeps an earlier parent deadline; a zero d only adds cancellation.
func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
