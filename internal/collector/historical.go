package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/binancepipe/internal/model"
)

const (
	maxRestIterations  = 50
	requestCooldown    = 500 * time.Millisecond
	defaultRestLimit   = 1000
	defaultLookback    = 12 * time.Hour
	defaultFetchPeriod = time.Hour
	defaultMaxRetries  = 3
	defaultRetryDelay  = 5 * time.Second

	historicalProcessName = "historical_trade"
)

// HistoricalRestClient is the subset of *binance.RestClient the collector
// needs.
type HistoricalRestClient interface {
	FetchAggregatedTrades(ctx context.Context, symbol string, venue model.Venue, startTime, endTime, fromID int64, limit int) ([]model.AggregatedTrade, error)
}

// AssetStore is the subset of *store.Store a per-asset database exposes to
// the collector.
type AssetStore interface {
	GetProcessingState(ctx context.Context, processName, key string) (model.ProcessingState, error)
	SetProcessingState(ctx context.Context, st model.ProcessingState) error
	UpsertAggTrades(ctx context.Context, trades []model.AggregatedTrade) error
}

// AssetStoreProvider resolves the per-asset database for a target (spec.md
// §4.6: "per-asset stores are separate databases keyed by asset symbol").
type AssetStoreProvider interface {
	Get(asset string) (AssetStore, error)
}

// AssetStoreProviderFunc adapts a plain function (e.g. wrapping
// *store.AssetStoreManager.Get) to AssetStoreProvider.
type AssetStoreProviderFunc func(asset string) (AssetStore, error)

func (f AssetStoreProviderFunc) Get(asset string) (AssetStore, error) { return f(asset) }

// HistoricalTradeCollector runs resumable per-asset REST backfills of
// aggregated trades (spec.md §4.6).
type HistoricalTradeCollector struct {
	rest     HistoricalRestClient
	stores   AssetStoreProvider
	targets  func() []Target

	fetchInterval    time.Duration
	initialLookback  time.Duration
	restLimit        int
	maxRetries       int
	retryDelay       time.Duration

	now func() time.Time
}

// HistoricalTradeCollectorConfig parameterizes the collector; zero values
// fall back to spec.md §4.6 defaults.
type HistoricalTradeCollectorConfig struct {
	FetchInterval   time.Duration
	InitialLookback time.Duration
	RestLimit       int
	MaxRetries      int
	RetryDelay      time.Duration
}

// NewHistoricalTradeCollector builds a HistoricalTradeCollector. targets is
// called fresh at the start of every cycle so target resolution reflects
// the latest symbol catalog.
func NewHistoricalTradeCollector(rest HistoricalRestClient, stores AssetStoreProvider, targets func() []Target, cfg HistoricalTradeCollectorConfig) *HistoricalTradeCollector {
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = defaultFetchPeriod
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = defaultLookback
	}
	if cfg.RestLimit <= 0 {
		cfg.RestLimit = defaultRestLimit
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &HistoricalTradeCollector{
		rest:            rest,
		stores:          stores,
		targets:         targets,
		fetchInterval:   cfg.FetchInterval,
		initialLookback: cfg.InitialLookback,
		restLimit:       cfg.RestLimit,
		maxRetries:      cfg.MaxRetries,
		retryDelay:      cfg.RetryDelay,
		now:             time.Now,
	}
}

// Run executes a cycle immediately and then every fetchInterval until ctx
// is cancelled.
func (c *HistoricalTradeCollector) Run(ctx context.Context) {
	c.RunCycle(ctx)

	ticker := time.NewTicker(c.fetchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunCycle(ctx)
		}
	}
}

// RunCycle iterates the current target list once, backfilling each target
// independently. Errors on one target do not stop the others.
func (c *HistoricalTradeCollector) RunCycle(ctx context.Context) {
	for _, target := range c.targets() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.runTarget(ctx, target); err != nil {
			log.Error().Err(err).Str("asset", target.Asset).Str("symbol", target.Symbol).Msg("historical trade collector: target failed")
		}
	}
}

func (c *HistoricalTradeCollector) runTarget(ctx context.Context, target Target) error {
	store, err := c.stores.Get(target.Asset)
	if err != nil {
		return fmt.Errorf("open asset store: %w", err)
	}

	key := target.Symbol + "|" + string(target.Venue)
	st, err := store.GetProcessingState(ctx, historicalProcessName, key)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	now := c.now().UnixMilli()
	scheduled := st.LastTimestamp != 0
	cursor := st.LastTimestamp + 1
	if !scheduled {
		cursor = now - c.initialLookback.Milliseconds()
	}
	// The fetchInterval floor only applies to scheduled runs: it bounds how
	// far a resumed cursor can lag behind now, but the very first cycle has
	// no checkpoint and must honor the full initialLookback backfill window
	// (spec.md §4.6 step 1).
	if scheduled {
		if floor := now - c.fetchInterval.Milliseconds(); cursor < floor {
			cursor = floor
		}
	}

	for iter := 0; iter < maxRestIterations; iter++ {
		trades, err := c.fetchWithRetry(ctx, target, cursor)
		if err != nil {
			return fmt.Errorf("fetch page: %w", err)
		}
		if len(trades) == 0 {
			break
		}
		if err := store.UpsertAggTrades(ctx, trades); err != nil {
			return fmt.Errorf("upsert trades: %w", err)
		}

		last := trades[len(trades)-1]
		cursor = last.TradeTime + 1
		if err := store.SetProcessingState(ctx, model.ProcessingState{
			ProcessName:   historicalProcessName,
			Key:           key,
			LastTimestamp: last.TradeTime,
			UpdatedAt:     c.now().UnixMilli(),
		}); err != nil {
			return fmt.Errorf("persist checkpoint: %w", err)
		}

		if len(trades) < c.restLimit {
			break
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(requestCooldown):
		}
	}
	return nil
}

func (c *HistoricalTradeCollector) fetchWithRetry(ctx context.Context, target Target, cursor int64) ([]model.AggregatedTrade, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		trades, err := c.rest.FetchAggregatedTrades(ctx, target.Symbol, target.Venue, cursor, 0, 0, c.restLimit)
		if err == nil {
			return trades, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("symbol", target.Symbol).Int("attempt", attempt).Msg("historical trade collector: fetch failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
	return nil, lastErr
}
