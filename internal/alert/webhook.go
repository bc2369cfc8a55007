package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/binancepipe/internal/model"
)

var discordWebhookPattern = regexp.MustCompile(`^https://(discord|discordapp)\.com/api/webhooks/.+`)

// ValidateWebhookURL checks url against the Discord webhook shape expected
// at bootstrap (spec.md §6). Configuration errors here are fatal at
// startup per spec.md §7.
func ValidateWebhookURL(url string) error {
	if !discordWebhookPattern.MatchString(url) {
		return fmt.Errorf("webhook url does not match expected discord webhook shape: %s", url)
	}
	return nil
}

// HistoryStore is the subset of *store.Store WebhookSink needs to record a
// successful delivery.
type HistoryStore interface {
	InsertAlertHistory(ctx context.Context, h model.AlertHistoryRecord) error
}

// webhookMessage is the Discord-compatible body POSTed for each alert.
type webhookMessage struct {
	Content string `json:"content"`
}

// WebhookSinkConfig parameterizes WebhookSink; zero values fall back to
// spec.md §4.10 defaults.
type WebhookSinkConfig struct {
	URL        string
	MaxRetries int
	RetryDelay time.Duration
}

// WebhookSink POSTs alert payloads to a Discord-style webhook, retrying
// internally, and records successful deliveries in AlertHistory before
// returning (spec.md §4.10 external sink contract).
type WebhookSink struct {
	cfg    WebhookSinkConfig
	client *http.Client
	store  HistoryStore
	now    func() time.Time
}

// NewWebhookSink builds a WebhookSink. url must already have passed
// ValidateWebhookURL.
func NewWebhookSink(url string, store HistoryStore, cfg WebhookSinkConfig) *WebhookSink {
	cfg.URL = url
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		store:  store,
		now:    time.Now,
	}
}

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 5 * time.Second
)

// Send posts payload to the webhook, making up to MaxRetries attempts in
// total with RetryDelay between them, and inserts an AlertHistory row on
// success.
func (w *WebhookSink) Send(ctx context.Context, payload model.CvdAlertPayload) error {
	body, err := formatMessage(payload)
	if err != nil {
		return fmt.Errorf("format alert message: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		if err := w.post(ctx, body); err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Str("aggregator", payload.AggregatorID).Msg("webhook sink: delivery failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.RetryDelay):
			}
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return fmt.Errorf("webhook delivery failed after %d attempts: %w", w.cfg.MaxRetries, lastErr)
	}

	return w.store.InsertAlertHistory(ctx, model.AlertHistoryRecord{
		AlertType: payload.AlertType,
		Symbol:    payload.AggregatorID,
		Timestamp: payload.Timestamp,
		Payload:   mustMarshal(payload),
		SentAt:    w.now().UnixMilli(),
	})
}

func (w *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func formatMessage(payload model.CvdAlertPayload) ([]byte, error) {
	msg := webhookMessage{Content: fmt.Sprintf(
		"CVD alert: %s trigger=%s zScore=%.3f delta=%.3f cumulative=%.3f threshold=%.3f",
		payload.AggregatorID, payload.TriggerSource, payload.ZScore, payload.Delta,
		payload.CumulativeValue, payload.Threshold,
	)}
	return json.Marshal(msg)
}

func mustMarshal(payload model.CvdAlertPayload) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
