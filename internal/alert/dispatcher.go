// Package alert holds the durable alert-queue dispatcher and its external
// delivery sink.
package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/binancepipe/internal/model"
)

const (
	maxLastErrorLen       = 512
	defaultBatchSize      = 100
	defaultMaxAttempts    = 5
	defaultPollInterval   = 2 * time.Second
	minPollInterval       = 500 * time.Millisecond
)

// Sink delivers one alert payload to an external system (a webhook).
type Sink interface {
	Send(ctx context.Context, payload model.CvdAlertPayload) error
}

// DispatcherStore is the subset of *store.Store the dispatcher needs.
type DispatcherStore interface {
	GetPendingAlerts(ctx context.Context, limit int) ([]model.AlertQueueRecord, error)
	MarkAlertAttempt(ctx context.Context, id int64, lastErr string) error
	MarkAlertProcessed(ctx context.Context, id int64, processedAt int64, clearError bool) error
}

// DispatcherConfig parameterizes Dispatcher; zero values fall back to
// spec.md §4.10 defaults.
type DispatcherConfig struct {
	BatchSize    int
	MaxAttempts  int
	PollInterval time.Duration
}

// Dispatcher drains alert_queue and delivers pending entries to Sink,
// single-threaded and non-reentrant (spec.md §4.10).
type Dispatcher struct {
	store DispatcherStore
	sink  Sink
	cfg   DispatcherConfig
	now   func() time.Time
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(store DispatcherStore, sink Sink, cfg DispatcherConfig) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.PollInterval < minPollInterval {
		cfg.PollInterval = defaultPollInterval
	}
	return &Dispatcher{store: store, sink: sink, cfg: cfg, now: time.Now}
}

// Run loops RunCycle until ctx is cancelled, sleeping PollInterval between
// cycles.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		if err := d.RunCycle(ctx); err != nil {
			log.Error().Err(err).Msg("alert dispatcher: cycle failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// RunCycle pulls up to BatchSize pending entries, retires exhausted ones,
// and attempts delivery of the rest in order.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	entries, err := d.store.GetPendingAlerts(ctx, d.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.AttemptCount >= d.cfg.MaxAttempts {
			if err := d.retire(ctx, e); err != nil {
				log.Error().Err(err).Int64("id", e.ID).Msg("alert dispatcher: failed to retire exhausted alert")
			}
			continue
		}
		d.deliver(ctx, e)
	}
	return nil
}

func (d *Dispatcher) retire(ctx context.Context, e model.AlertQueueRecord) error {
	if err := d.store.MarkAlertAttempt(ctx, e.ID, "Retry limit reached"); err != nil {
		return err
	}
	return d.store.MarkAlertProcessed(ctx, e.ID, d.now().UnixMilli(), false)
}

func (d *Dispatcher) deliver(ctx context.Context, e model.AlertQueueRecord) {
	var payload model.CvdAlertPayload
	if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
		log.Error().Err(err).Int64("id", e.ID).Msg("alert dispatcher: malformed payload")
		return
	}

	attemptCount := e.AttemptCount
	sendErr := d.sink.Send(ctx, payload)
	if sendErr == nil {
		if err := d.store.MarkAlertProcessed(ctx, e.ID, d.now().UnixMilli(), true); err != nil {
			log.Error().Err(err).Int64("id", e.ID).Msg("alert dispatcher: failed to mark processed")
			return
		}
		log.Info().Int64("id", e.ID).Str("alertType", e.AlertType).Str("symbol", e.Symbol).Msg("alertSent")
		return
	}

	msg := truncate(sendErr.Error(), maxLastErrorLen)
	if err := d.store.MarkAlertAttempt(ctx, e.ID, msg); err != nil {
		log.Error().Err(err).Int64("id", e.ID).Msg("alert dispatcher: failed to mark attempt")
		return
	}
	if attemptCount+1 >= d.cfg.MaxAttempts {
		if err := d.store.MarkAlertProcessed(ctx, e.ID, d.now().UnixMilli(), false); err != nil {
			log.Error().Err(err).Int64("id", e.ID).Msg("alert dispatcher: failed to mark exhausted")
		}
	}
	log.Warn().Err(sendErr).Int64("id", e.ID).Str("alertType", e.AlertType).Str("symbol", e.Symbol).Msg("alertFailed")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
