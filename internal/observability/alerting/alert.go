// Package alerting delivers operator alerts for failures that need a human:
// reconciliation conflicts, exhausted retries and critical coded errors.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/pkg/logger"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event describes one alert.
type Event struct {
	ID         string            `json:"id"`
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Subject    string            `json:"subject"`
	Attempts   int               `json:"attempts,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// EventFromError builds an event from a coded error.
func EventFromError(subject string, err error) Event {
	event := Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
	}
	if e, ok := xerrors.From(err); ok {
		event.Metadata = e.Metadata()
	}
	return event
}

// Notifier sends events to one channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher broadcasts events.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher delivers every event to each registered notifier.
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout creates a FanoutDispatcher. Nil notifiers are skipped.
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify sends event to every channel and joins the failures.
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	channels := make([]string, 0, len(d.notifiers))
	for ch := range d.notifiers {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)

	var errs []error
	for _, ch := range channels {
		notifier := d.notifiers[Channel(ch)]
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to the audit log.
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel returns the log channel.
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify writes the event.
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	attrs := []any{
		slog.String("alert_id", event.ID),
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("subject", event.Subject),
		slog.Int("attempts", event.Attempts),
		slog.Int("max_retries", event.MaxRetries),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String("meta."+k, v))
	}
	if event.Severity == xerrors.SeverityCritical {
		log.Error(event.Message, attrs...)
	} else {
		log.Warn(event.Message, attrs...)
	}
	return nil
}

// WebhookNotifier posts events as JSON.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel returns the webhook channel.
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify posts the event. A non-2xx response is an error.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("webhook notifier not configured, skipping", slog.String("alert_id", event.ID))
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post alert: unexpected status %d", resp.StatusCode)
	}
	return nil
}
