package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/studyhawk/common/messaging"
)

// JetStreamClient extends Client with JetStream persistence.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	Name     string
	Subjects []string

	// MaxAge is the maximum age of messages in the stream.
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64

	// Retention policy (LimitsPolicy, InterestPolicy, WorkQueuePolicy).
	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{Client: client, js: js}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// Stream returns an existing stream by name.
func (c *JetStreamClient) Stream(ctx context.Context, name string) (jetstream.Stream, error) {
	stream, err := c.js.Stream(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", name, err)
	}
	return stream, nil
}

// PublishSync publishes data and waits for the stream acknowledgment.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	return c.js.Publish(ctx, subject, data)
}

// PublishMsgSync publishes a Message with headers and waits for the ack.
func (c *JetStreamClient) PublishMsgSync(ctx context.Context, msg *messaging.Message) (*jetstream.PubAck, error) {
	return c.js.PublishMsg(ctx, toNatsMsg(msg))
}

// FetchLast returns up to limit of the most recent messages on subject
// (newest first) without consuming them.
func (c *JetStreamClient) FetchLast(ctx context.Context, streamName, subject string, limit int) ([]*messaging.Message, error) {
	stream, err := c.Stream(ctx, streamName)
	if err != nil {
		return nil, err
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info %s: %w", streamName, err)
	}

	var out []*messaging.Message
	for seq := info.State.LastSeq; seq >= info.State.FirstSeq && seq > 0 && len(out) < limit; seq-- {
		raw, err := stream.GetMsg(ctx, seq)
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to get message %d: %w", seq, err)
		}
		if subject != "" && !subjectMatches(subject, raw.Subject) {
			continue
		}
		m := &messaging.Message{Subject: raw.Subject, Data: raw.Data, Timestamp: raw.Time}
		if len(raw.Header) > 0 {
			m.Metadata = make(map[string]string, len(raw.Header))
			for k := range raw.Header {
				m.Metadata[k] = raw.Header.Get(k)
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// subjectMatches reports whether subject matches filter, which may end in ">".
func subjectMatches(filter, subject string) bool {
	if n := len(filter); n > 0 && filter[n-1] == '>' {
		prefix := filter[:n-1]
		return len(subject) > len(prefix) && subject[:len(prefix)] == prefix
	}
	return filter == subject
}

// Streams used by the upload pipeline.
var (
	// UploadsProcessStream holds ProcessingRecords until the batch pipeline
	// takes them.
	UploadsProcessStream = StreamConfig{
		Name:      "UPLOADS_PROCESS",
		Subjects:  []string{messaging.SubjectUploadsProcess + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  512 * 1024 * 1024,
		MaxMsgs:   5_000_000,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}

	// UploadsForensicsStream keeps forensic entries for operator review.
	UploadsForensicsStream = StreamConfig{
		Name:      "UPLOADS_FORENSICS",
		Subjects:  []string{messaging.SubjectUploadsForensics + ".>"},
		MaxAge:    30 * 24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024,
		MaxMsgs:   1_000_000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)
