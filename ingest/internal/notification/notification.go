// Package notification alerts study administrators about rejected uploads.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/slack-go/slack"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is a message for operators. Tags carry identifiers such as
// participant and file name.
type Alert struct {
	Message  string
	Tags     map[string]string
	Severity Severity
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// Channel is one delivery mechanism.
type Channel interface {
	Alerter
	Type() string
}

func sortedTags(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WebhookChannel POSTs alerts as JSON.
type WebhookChannel struct {
	URL    string
	client *http.Client
}

func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{URL: url, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Alert(ctx context.Context, a Alert) error {
	payload := map[string]any{
		"message":   a.Message,
		"severity":  a.Severity,
		"tags":      a.Tags,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "StudyHawk-Ingest/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackChannel posts alerts to a Slack incoming webhook.
type SlackChannel struct {
	WebhookURL string
	Channel    string
	client     *http.Client
}

func NewSlackChannel(webhookURL, channel string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{WebhookURL: webhookURL, Channel: channel, client: &http.Client{Timeout: timeout}}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Alert(ctx context.Context, a Alert) error {
	fields := make([]slack.AttachmentField, 0, len(a.Tags))
	for _, k := range sortedTags(a.Tags) {
		fields = append(fields, slack.AttachmentField{Title: k, Value: a.Tags[k], Short: true})
	}

	msg := &slack.WebhookMessage{
		Channel: s.Channel,
		Text:    "Upload problem: " + a.Message,
		Attachments: []slack.Attachment{{
			Color:  severityColor(a.Severity),
			Fields: fields,
			Footer: "StudyHawk ingest",
			Ts:     json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.WebhookURL, s.client, msg); err != nil {
		return fmt.Errorf("send slack notification: %w", err)
	}
	return nil
}

func severityColor(s Severity) string {
	switch s {
	case SeverityError:
		return "#FF0000"
	case SeverityWarning:
		return "#FFA500"
	default:
		return "#808080"
	}
}

// LogChannel writes alerts to the log. It is always part of the chain so
// that an alert is never silently lost.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Type() string { return "log" }

func (l *LogChannel) Alert(ctx context.Context, a Alert) error {
	attrs := []any{slog.String("severity", string(a.Severity))}
	for _, k := range sortedTags(a.Tags) {
		attrs = append(attrs, slog.String(k, a.Tags[k]))
	}
	l.logger.WarnContext(ctx, "ALERT: "+a.Message, attrs...)
	return nil
}

// MultiChannel fans an alert out to every channel. It fails only when all
// channels fail.
type MultiChannel struct {
	channels []Channel
}

func NewMultiChannel(channels ...Channel) *MultiChannel {
	return &MultiChannel{channels: channels}
}

func (m *MultiChannel) Type() string { return "multi" }

func (m *MultiChannel) Alert(ctx context.Context, a Alert) error {
	var lastErr error
	ok := 0
	for _, ch := range m.channels {
		if err := ch.Alert(ctx, a); err != nil {
			lastErr = fmt.Errorf("%s channel failed: %w", ch.Type(), err)
			continue
		}
		ok++
	}
	if ok == 0 && len(m.channels) > 0 {
		return fmt.Errorf("all notification channels failed: %w", lastErr)
	}
	return nil
}
