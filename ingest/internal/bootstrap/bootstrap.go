// Package bootstrap builds the configured backends. It is shared by the
// ingest service and ingestctl so both see the same blobs, keys and
// forensic log.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telhawk-systems/studyhawk/common/database"
	"github.com/telhawk-systems/studyhawk/common/messaging"
	natsclient "github.com/telhawk-systems/studyhawk/common/messaging/nats"
	"github.com/telhawk-systems/studyhawk/ingest/internal/config"
	"github.com/telhawk-systems/studyhawk/ingest/internal/forensics"
	"github.com/telhawk-systems/studyhawk/ingest/internal/notification"
	"github.com/telhawk-systems/studyhawk/ingest/internal/repository"
	"github.com/telhawk-systems/studyhawk/ingest/internal/storage"
)

// NATS hands out one JetStream connection per server URL.
type NATS struct {
	mu      sync.Mutex
	name    string
	clients map[string]*natsclient.JetStreamClient
}

func NewNATS(connectionName string) *NATS {
	return &NATS{name: connectionName, clients: make(map[string]*natsclient.JetStreamClient)}
}

func (n *NATS) JetStream(url string) (*natsclient.JetStreamClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if c, ok := n.clients[url]; ok {
		return c, nil
	}
	cfg := natsclient.DefaultConfig()
	cfg.URL = url
	cfg.Name = n.name
	c, err := natsclient.NewJetStreamClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	n.clients[url] = c
	return c, nil
}

// HealthChecks returns one checker per open connection.
func (n *NATS) HealthChecks() map[string]messaging.HealthChecker {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]messaging.HealthChecker, len(n.clients))
	for url, c := range n.clients {
		out["nats "+url] = c
	}
	return out
}

// Close drains every connection.
func (n *NATS) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for url, c := range n.clients {
		if err := c.Drain(); err != nil {
			slog.Warn("failed to drain nats connection", slog.String("url", url), slog.String("error", err.Error()))
		}
	}
	n.clients = map[string]*natsclient.JetStreamClient{}
}

func BlobStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.BlobStore, error) {
	switch cfg.Backend {
	case "s3":
		s3, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UsePathStyle:    cfg.UsePathStyle,
			Breaker: storage.BreakerSettings{
				MaxFailures: cfg.Breaker.MaxFailures,
				Timeout:     cfg.Breaker.OpenTimeout,
				Interval:    cfg.Breaker.Interval,
			},
		}, logger)
		if err != nil {
			return nil, err
		}
		return s3, nil
	case "file":
		fs, err := storage.NewFileStore(cfg.BasePath)
		if err != nil {
			return nil, err
		}
		return fs, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// ForensicLog is a recorder that can also be listed by operators.
type ForensicLog interface {
	forensics.Recorder
	forensics.Reader
}

func Forensics(ctx context.Context, cfg config.ForensicsConfig, n *NATS, logger *slog.Logger) (ForensicLog, error) {
	switch cfg.Backend {
	case "jetstream":
		js, err := n.JetStream(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		rec, err := forensics.NewJetStreamRecorder(ctx, js, logger)
		if err != nil {
			return nil, err
		}
		return rec, nil
	case "file":
		rec, err := forensics.NewFileRecorder(cfg.BasePath, logger)
		if err != nil {
			return nil, err
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("unknown forensics backend %q", cfg.Backend)
	}
}

// Alerter always logs and additionally posts to every configured channel.
func Alerter(cfg config.AlertsConfig, logger *slog.Logger) notification.Alerter {
	channels := []notification.Channel{notification.NewLogChannel(logger)}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, notification.NewSlackChannel(cfg.SlackWebhookURL, cfg.SlackChannel, cfg.Timeout))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, notification.NewWebhookChannel(cfg.WebhookURL, cfg.Timeout))
	}
	return notification.NewMultiChannel(channels...)
}

func Postgres(ctx context.Context, cfg config.DatabaseConfig) (*repository.PostgresRepository, error) {
	timeouts := database.DefaultTimeouts()
	if cfg.QueryTimeout > 0 {
		timeouts.Query = cfg.QueryTimeout
	}
	if cfg.WriteTimeout > 0 {
		timeouts.Write = cfg.WriteTimeout
	}
	return repository.NewPostgresRepository(ctx, cfg.URL, cfg.MaxConns, timeouts)
}
