package cvd

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/binancepipe/internal/model"
)

// WorkerStore is the subset of *store.Store the CVDAggregationWorker needs.
type WorkerStore interface {
	TradesSinceRowIDForStreams(ctx context.Context, streams []model.StreamFilter, afterRowID int64, limit int) ([]model.Trade, error)
	GetProcessingState(ctx context.Context, processName, key string) (model.ProcessingState, error)
	SetProcessingState(ctx context.Context, st model.ProcessingState) error
	InsertCvdRecord(ctx context.Context, r model.CvdRecord) error
	RecentCvdRecords(ctx context.Context, aggregatorID string, limit int) ([]model.CvdRecord, error)
	EnqueueAlert(ctx context.Context, a model.AlertQueueRecord) (int64, error)
	HasRecentAlertOrPending(ctx context.Context, alertType, symbol string, since int64) (bool, error)
}

const (
	processName          = "cvd_aggregator"
	alertType            = "cvd_spike"
	defaultBatchSize     = 500
	defaultPollInterval  = 2 * time.Second
	minPollInterval      = 500 * time.Millisecond
	defaultSuppressionMs = 30 * 60 * 1000
)

// WorkerConfig parameterizes CVDAggregationWorker (spec.md §4.9/§6).
type WorkerConfig struct {
	Aggregators        []AggregatorConfig
	BatchSize          int
	PollInterval       time.Duration
	SuppressionMs      int64
	Gate               GateConfig
	AlertsEnabledGlobal bool
}

// Worker is the CVDAggregationWorker: for each configured aggregator, drains
// new trade rows in rowId order, updates incremental CVD state, persists
// records, and gates alerts into the queue. Non-reentrant via the
// `mu` mutex, matching spec.md §4.9's single-threaded cooperative
// loop (modeled here as an explicit mutex rather than relying on goroutine
// scheduling happening not to overlap).
type Worker struct {
	cfg   WorkerConfig
	store WorkerStore

	mu           sync.Mutex
	aggregators  map[string]*Aggregator
	cursors      map[string]model.ProcessingState
}

// NewWorker builds a Worker. Call Start to begin the main loop.
func NewWorker(cfg WorkerConfig, store WorkerStore) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval < minPollInterval {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SuppressionMs <= 0 {
		cfg.SuppressionMs = defaultSuppressionMs
	}
	return &Worker{
		cfg:         cfg,
		store:       store,
		aggregators: make(map[string]*Aggregator),
		cursors:     make(map[string]model.ProcessingState),
	}
}

// Start runs the main loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.init(ctx); err != nil {
		return fmt.Errorf("cvd worker init: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		anyWork, err := w.runCycle(ctx)
		if err != nil {
			log.Error().Err(err).Msg("cvd worker: cycle failed")
		}
		if anyWork {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *Worker) init(ctx context.Context) error {
	for _, ag := range w.cfg.Aggregators {
		st, err := w.store.GetProcessingState(ctx, processName, ag.ID)
		if err != nil {
			return fmt.Errorf("load processing state %s: %w", ag.ID, err)
		}
		seed, err := w.store.RecentCvdRecords(ctx, ag.ID, 500)
		if err != nil {
			return fmt.Errorf("load seed records %s: %w", ag.ID, err)
		}
		w.aggregators[ag.ID] = NewAggregator(ag, seed)
		w.cursors[ag.ID] = st
	}
	return nil
}

// runCycle runs one pass of step 1 over every configured aggregator and
// reports whether any aggregator read a full batch (callers loop again
// immediately rather than sleeping when so, per spec.md §4.9 step 1).
//
// Every aggregator's streams are read in a single row_id-ordered range scan
// (TradesSinceRowIDForStreams) rather than one call per stream: row_id is a
// single global AUTOINCREMENT sequence shared by every symbol/venue/stream
// combination, so advancing the aggregator's cursor after only one stream's
// batch would cause the next stream's read to start above rows it has not
// processed yet, permanently skipping them. Reading all of an aggregator's
// streams together also guarantees cross-stream trades are fed to Process
// in strict global rowId order (spec.md §5).
func (w *Worker) runCycle(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	anyWork := false
	for _, ag := range w.cfg.Aggregators {
		agg := w.aggregators[ag.ID]
		cursor := w.cursors[ag.ID]

		filters := make([]model.StreamFilter, 0, len(ag.Streams))
		for _, stream := range ag.Streams {
			filters = append(filters, model.StreamFilter{Symbol: stream.Symbol, Venue: stream.Venue, StreamType: stream.StreamType})
		}

		trades, err := w.store.TradesSinceRowIDForStreams(ctx, filters, cursor.LastRowID, w.cfg.BatchSize)
		if err != nil {
			return anyWork, fmt.Errorf("trades since rowid for %s: %w", ag.ID, err)
		}
		if len(trades) > 0 {
			anyWork = anyWork || len(trades) == w.cfg.BatchSize

			for _, t := range trades {
				if !ag.Matches(t) {
					continue
				}
				result := agg.Process(t)
				if err := w.store.InsertCvdRecord(ctx, result.Record); err != nil {
					return anyWork, fmt.Errorf("insert cvd record %s: %w", ag.ID, err)
				}
				if err := w.maybeAlert(ctx, ag, result); err != nil {
					log.Error().Err(err).Str("aggregator", ag.ID).Msg("cvd worker: alert gating failed")
				}
			}

			maxRowID := trades[len(trades)-1].RowID
			if maxRowID > cursor.LastRowID {
				cursor.LastRowID = maxRowID
				cursor.LastTimestamp = trades[len(trades)-1].Timestamp
			}
		}

		cursor.ProcessName = processName
		cursor.Key = ag.ID
		if err := w.store.SetProcessingState(ctx, cursor); err != nil {
			return anyWork, fmt.Errorf("persist cursor %s: %w", ag.ID, err)
		}
		w.cursors[ag.ID] = cursor
	}
	return anyWork, nil
}

func (w *Worker) maybeAlert(ctx context.Context, ag AggregatorConfig, result Result) error {
	if !w.cfg.AlertsEnabledGlobal || !ag.AlertsEnabled {
		return nil
	}
	if !w.cfg.Gate.ShouldAlert(result.TriggerZScore) {
		return nil
	}

	since := result.Record.Timestamp - w.cfg.SuppressionMs
	suppressed, err := w.store.HasRecentAlertOrPending(ctx, alertType, ag.ID, since)
	if err != nil {
		return fmt.Errorf("check suppression: %w", err)
	}
	if suppressed {
		return nil
	}

	logMagnitude := SignedLog(result.TriggerZScore)
	payload := model.CvdAlertPayload{
		AggregatorID:     ag.ID,
		AlertType:        alertType,
		Timestamp:        result.Record.Timestamp,
		TriggerSource:    result.TriggerSource,
		TriggerZScore:    math.Abs(result.TriggerZScore),
		ZScore:           result.Record.ZScore,
		Delta:            result.Record.Delta,
		DeltaZScore:      result.Record.DeltaZScore,
		Threshold:        w.cfg.Gate.ThresholdLog,
		RawThreshold:     w.cfg.Gate.RawThreshold(),
		LogTriggerZScore: logMagnitude,
		RawTriggerZScore: result.TriggerZScore,
		CumulativeValue:  result.Record.CvdValue,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	_, err = w.store.EnqueueAlert(ctx, model.AlertQueueRecord{
		AlertType:       alertType,
		Symbol:          ag.ID,
		Timestamp:       result.Record.Timestamp,
		TriggerSource:   result.TriggerSource,
		TriggerZScore:   math.Abs(result.TriggerZScore),
		ZScore:          result.Record.ZScore,
		Delta:           result.Record.Delta,
		DeltaZScore:     result.Record.DeltaZScore,
		Threshold:       w.cfg.Gate.ThresholdLog,
		RawThreshold:    w.cfg.Gate.RawThreshold(),
		CumulativeValue: result.Record.CvdValue,
		Payload:         string(raw),
	})
	if err != nil {
		return fmt.Errorf("enqueue alert: %w", err)
	}
	return nil
}
