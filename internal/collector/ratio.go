package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/binancepipe/internal/model"
)

const (
	defaultTopTraderInterval    = 5 * time.Minute
	defaultTopTraderRequestGap  = 3 * time.Second
	defaultTopTraderMaxRetries  = 3
	defaultTopTraderRetryDelay  = 5 * time.Second
	ratioSampleMaxAge           = 24 * time.Hour
)

// RatioRestClient is the subset of *binance.RestClient the RatioCollector
// needs.
type RatioRestClient interface {
	FetchTopTraderPositions(ctx context.Context, symbol string) ([]model.RatioSample, error)
	FetchTopTraderAccounts(ctx context.Context, symbol string) ([]model.RatioSample, error)
}

// RatioStore is the subset of *store.Store the RatioCollector needs.
type RatioStore interface {
	InsertRatioSamples(ctx context.Context, samples []model.RatioSample) error
}

// RatioCollectorConfig parameterizes RatioCollector; zero values fall back
// to spec.md §4.7 defaults.
type RatioCollectorConfig struct {
	Interval    time.Duration
	RequestGap  time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// RatioCollector periodically pulls top-trader long/short ratio series for
// every active USDT-margined perpetual symbol (spec.md §4.7).
type RatioCollector struct {
	rest    RatioRestClient
	store   RatioStore
	symbols func() []string

	interval   time.Duration
	requestGap time.Duration
	maxRetries int
	retryDelay time.Duration

	now func() time.Time
}

// NewRatioCollector builds a RatioCollector. symbols is called fresh at the
// start of every cycle and should return active USDT-M symbols whose
// contract is PERPETUAL or unspecified.
func NewRatioCollector(rest RatioRestClient, store RatioStore, symbols func() []string, cfg RatioCollectorConfig) *RatioCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultTopTraderInterval
	}
	if cfg.RequestGap <= 0 {
		cfg.RequestGap = defaultTopTraderRequestGap
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultTopTraderMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultTopTraderRetryDelay
	}
	return &RatioCollector{
		rest:       rest,
		store:      store,
		symbols:    symbols,
		interval:   cfg.Interval,
		requestGap: cfg.RequestGap,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		now:        time.Now,
	}
}

// Run executes a cycle immediately and then every Interval until ctx is
// cancelled.
func (c *RatioCollector) Run(ctx context.Context) {
	c.RunCycle(ctx)

	ticker := time.NewTicker(c.interval)
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

// RunCycle pulls positions then accounts for every configured symbol, in
// order, separated by requestGap.
func (c *RatioCollector) RunCycle(ctx context.Context) {
	for _, symbol := range c.symbols() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.pullAndStore(ctx, symbol, c.rest.FetchTopTraderPositions); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("ratio collector: positions failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.requestGap):
		}

		if err := c.pullAndStore(ctx, symbol, c.rest.FetchTopTraderAccounts); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("ratio collector: accounts failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.requestGap):
		}
	}
}

func (c *RatioCollector) pullAndStore(ctx context.Context, symbol string, fetch func(context.Context, string) ([]model.RatioSample, error)) error {
	samples, err := c.fetchWithRetry(ctx, symbol, fetch)
	if err != nil {
		return err
	}

	cutoff := c.now().Add(-ratioSampleMaxAge).UnixMilli()
	fresh := samples[:0]
	for _, s := range samples {
		if s.Timestamp >= cutoff {
			fresh = append(fresh, s)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	return c.store.InsertRatioSamples(ctx, fresh)
}

func (c *RatioCollector) fetchWithRetry(ctx context.Context, symbol string, fetch func(context.Context, string) ([]model.RatioSample, error)) ([]model.RatioSample, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		samples, err := fetch(ctx, symbol)
		if err == nil {
			return samples, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("symbol", symbol).Int("attempt", attempt).Msg("ratio collector: fetch failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
	return nil, fmt.Errorf("fetch ratio series for %s: %w", symbol, lastErr)
}
