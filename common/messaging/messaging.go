// Package messaging provides broker-agnostic publishing abstractions used by
// the upload pipeline's queue, forensic log and crash-report adapters.
package messaging

import (
	"context"
	"time"
)

// Message is a message sent to or received from a broker.
type Message struct {
	Subject   string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish is fire-and-forget.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishMsg publishes with headers taken from msg.Metadata.
	PublishMsg(ctx context.Context, msg *Message) error

	Close() error
}
