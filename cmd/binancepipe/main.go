// Command binancepipe runs one role of the Binance market-data pipeline
// (spec.md §6): ingest (push + REST collectors), aggregate (CVD worker),
// or alert (dispatcher + webhook sink). A single BINANCE_PROCESS_ROLE
// instance runs only the subset of components its role needs.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/binancepipe/internal/alert"
	"github.com/sawpanic/binancepipe/internal/binance"
	"github.com/sawpanic/binancepipe/internal/circuit"
	"github.com/sawpanic/binancepipe/internal/collector"
	"github.com/sawpanic/binancepipe/internal/config"
	"github.com/sawpanic/binancepipe/internal/cvd"
	"github.com/sawpanic/binancepipe/internal/httpx"
	"github.com/sawpanic/binancepipe/internal/metrics"
	"github.com/sawpanic/binancepipe/internal/model"
	"github.com/sawpanic/binancepipe/internal/ratelimit"
	"github.com/sawpanic/binancepipe/internal/store"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config: failed to load")
	}
	log.Info().Str("role", string(cfg.Role)).Msg("binancepipe starting")

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("store: failed to open")
	}
	defer st.Close()

	promReg := prometheus.NewRegistry()
	metrics.NewRegistry(promReg)
	rest := newRestClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var closers []func()

	metricsSrv := startMetricsServer(promReg)
	closers = append(closers, func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsSrv.Shutdown(shutdownCtx)
	})

	switch cfg.Role {
	case config.RoleIngest:
		closers = append(closers, runIngest(ctx, cfg, rest, st, &wg)...)
	case config.RoleAggregate:
		runAggregate(ctx, cfg, st, &wg)
	case config.RoleAlert:
		runAlert(ctx, cfg, st, &wg)
	default:
		log.Fatal().Str("role", string(cfg.Role)).Msg("unknown BINANCE_PROCESS_ROLE")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	cancel()
	for _, c := range closers {
		c()
	}
	wg.Wait()
	log.Info().Msg("binancepipe stopped cleanly")
}

// defaultHighWaterMark is the usage fraction of a server-reported
// used-weight figure above which Limiter's feedback hook (Observe) starts
// inserting a cooperative delay. Distinct from RATE_LIMIT_BUFFER, which
// scales declared bucket capacities down instead (spec.md §4.1/§6).
const defaultHighWaterMark = 0.85

// bufferedCapacity applies RATE_LIMIT_BUFFER's 1-x multiplier to a
// declared endpoint capacity (spec.md §6).
func bufferedCapacity(declared int, buffer float64) int {
	if buffer <= 0 {
		return declared
	}
	if buffer >= 1 {
		buffer = 0.99
	}
	c := int(float64(declared) * (1 - buffer))
	if c < 1 {
		c = 1
	}
	return c
}

// newRestClient wires a *binance.RestClient with a shared rate limiter and
// circuit breaker manager, one provider per venue (spec.md §4.1).
func newRestClient(cfg *config.Config) *binance.RestClient {
	limiter := ratelimit.New()
	register := func(key string, declared int) {
		limiter.Register(key, ratelimit.EndpointConfig{
			Capacity:         bufferedCapacity(declared, cfg.RateLimitBuffer),
			RefillIntervalMs: 60000,
			HighWaterMark:    defaultHighWaterMark,
		})
	}
	register("candles:SPOT", 1200)
	register("candles:USDT-M", 2400)
	register("candles:COIN-M", 2400)
	register("aggTrades:SPOT", 1200)
	register("aggTrades:USDT-M", 2400)
	register("aggTrades:COIN-M", 2400)
	register("ratio:"+string(model.RatioPosition), 2400)
	register("ratio:"+string(model.RatioAccount), 2400)
	register("exchangeInfo:"+string(model.VenueSpot), 20)
	register("exchangeInfo:"+string(model.VenueUSDTM), 20)
	register("exchangeInfo:"+string(model.VenueCoinM), 20)

	breaker := circuit.NewManager()
	breaker.AddProvider(string(model.VenueSpot), circuit.Config{Name: string(model.VenueSpot), MaxRequests: 3, Interval: time.Minute, Timeout: 30 * time.Second, ConsecutiveFailures: 5})
	breaker.AddProvider(string(model.VenueUSDTM), circuit.Config{Name: string(model.VenueUSDTM), MaxRequests: 3, Interval: time.Minute, Timeout: 30 * time.Second, ConsecutiveFailures: 5})
	breaker.AddProvider(string(model.VenueCoinM), circuit.Config{Name: string(model.VenueCoinM), MaxRequests: 3, Interval: time.Minute, Timeout: 30 * time.Second, ConsecutiveFailures: 5})

	client := httpx.New("binance", limiter, breaker)
	return binance.NewRestClient(cfg.RestURLs, client)
}

func startMetricsServer(reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	return srv
}

// runIngest wires push + REST collectors: live trade/liquidation streaming,
// historical backfill, and top-trader ratio pulls (spec.md §4.2-4.8).
func runIngest(ctx context.Context, cfg *config.Config, rest *binance.RestClient, st *store.Store, wg *sync.WaitGroup) []func() {
	symbolRegistry := binance.NewSymbolRegistry(rest, st)
	if _, err := symbolRegistry.RefreshAll(ctx); err != nil {
		log.Error().Err(err).Msg("symbol registry: initial refresh failed")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		symbolRegistry.RunDaily(ctx, cfg.SymbolUpdateHourUTC, nil)
	}()

	push := binance.NewPushClient(cfg.WSURLs)
	subs := subscriptionsFor(st)
	wg.Add(1)
	go func() {
		defer wg.Done()
		push.Run(ctx, subs)
	}()

	tradeCollector := collector.NewTradeCollector(st, 5*time.Second, 1000)
	wg.Add(1)
	go func() {
		defer wg.Done()
		tradeCollector.Run(ctx, push.Trades, push.AggTrades)
	}()

	liqCollector := collector.NewLiquidationCollector(st, 5*time.Second, 500)
	wg.Add(1)
	go func() {
		defer wg.Done()
		liqCollector.Run(ctx, push.Liquidations)
	}()

	assetStores := store.NewAssetStoreManager(cfg.AssetStoreDir)
	provider := collector.AssetStoreProviderFunc(func(asset string) (collector.AssetStore, error) {
		return assetStores.Get(asset)
	})

	targetsFn := func() []collector.Target {
		assets, err := loadRankedAssets(cfg.RankedAssetListPath)
		if err != nil {
			log.Error().Err(err).Str("path", cfg.RankedAssetListPath).Msg("targets: failed to load ranked asset list")
			return nil
		}
		spot, err := st.ListActiveSymbols(ctx, model.VenueSpot)
		if err != nil {
			log.Error().Err(err).Msg("targets: failed to list spot symbols")
			return nil
		}
		usdtm, err := st.ListActiveSymbols(ctx, model.VenueUSDTM)
		if err != nil {
			log.Error().Err(err).Msg("targets: failed to list usdt-m symbols")
			return nil
		}
		return collector.ResolveTargets(assets, spot, usdtm, false)
	}

	histCollector := collector.NewHistoricalTradeCollector(rest, provider, targetsFn, collector.HistoricalTradeCollectorConfig{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		histCollector.Run(ctx)
	}()

	ratioSymbolsFn := func() []string {
		usdtm, err := st.ListActiveSymbols(ctx, model.VenueUSDTM)
		if err != nil {
			log.Error().Err(err).Msg("ratio: failed to list usdt-m symbols")
			return nil
		}
		var out []string
		for _, s := range usdtm {
			if s.ContractType == "PERPETUAL" || s.ContractType == "" {
				out = append(out, s.Symbol)
			}
		}
		return out
	}
	ratioCollector := collector.NewRatioCollector(rest, st, ratioSymbolsFn, collector.RatioCollectorConfig{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		ratioCollector.Run(ctx)
	}()

	backup := store.NewBackupScheduler(st, store.DefaultBackupConfig(cfg.DatabasePath, cfg.BackupPath))
	if cfg.BackupEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			backup.Run(ctx)
		}()
	}

	return []func(){
		func() { tradeCollector.Stop() },
		func() { liqCollector.Stop() },
		func() { assetStores.CloseAll() },
	}
}

func loadRankedAssets(path string) ([]collector.RankedAsset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return collector.ParseRankedAssets(f)
}

func subscriptionsFor(st *store.Store) []binance.Subscription {
	var subs []binance.Subscription
	for _, venue := range []model.Venue{model.VenueSpot, model.VenueUSDTM, model.VenueCoinM} {
		symbols, err := st.ListActiveSymbols(context.Background(), venue)
		if err != nil {
			log.Error().Err(err).Str("venue", string(venue)).Msg("subscriptions: failed to list symbols")
			continue
		}
		for _, s := range symbols {
			subs = append(subs, binance.Subscription{Symbol: s.Symbol, Venue: venue, StreamType: model.StreamAggTrade})
		}
	}
	return subs
}

// runAggregate wires the CVD aggregation worker (spec.md §4.9).
func runAggregate(ctx context.Context, cfg *config.Config, st *store.Store, wg *sync.WaitGroup) {
	aggregators := make([]cvd.AggregatorConfig, 0, len(cfg.CvdGroups))
	for _, g := range cfg.CvdGroups {
		streams := make([]cvd.StreamRef, 0, len(g.Streams))
		for _, s := range g.Streams {
			streamType := model.StreamType(s.StreamType)
			if streamType == "" {
				streamType = model.StreamTrade
			}
			streams = append(streams, cvd.StreamRef{
				Symbol:     s.Symbol,
				Venue:      model.Venue(s.MarketType),
				StreamType: streamType,
			})
		}
		aggregators = append(aggregators, cvd.AggregatorConfig{
			ID:            g.ID,
			DisplayName:   g.DisplayName,
			Streams:       streams,
			AlertsEnabled: g.AlertsEnabled,
		})
	}

	worker := cvd.NewWorker(cvd.WorkerConfig{
		Aggregators:         aggregators,
		BatchSize:           cfg.CvdAggregationBatchSize,
		PollInterval:        cfg.CvdAggregationPollInterval,
		SuppressionMs:       int64(cfg.CvdAlertSuppressionMinutes) * 60 * 1000,
		Gate:                cfg.GateConfig(),
		AlertsEnabledGlobal: true,
	}, st)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Start(ctx); err != nil {
			log.Error().Err(err).Msg("cvd worker: stopped with error")
		}
	}()
}

// runAlert wires the alert dispatcher and its webhook sink (spec.md §4.10).
func runAlert(ctx context.Context, cfg *config.Config, st *store.Store, wg *sync.WaitGroup) {
	if err := alert.ValidateWebhookURL(cfg.DiscordWebhookURL); err != nil {
		log.Fatal().Err(err).Msg("alert: invalid DISCORD_WEBHOOK_URL")
	}

	sink := alert.NewWebhookSink(cfg.DiscordWebhookURL, st, alert.WebhookSinkConfig{})
	dispatcher := alert.NewDispatcher(st, sink, alert.DispatcherConfig{
		BatchSize:    cfg.AlertQueueBatchSize,
		MaxAttempts:  cfg.AlertQueueMaxAttempts,
		PollInterval: cfg.AlertQueuePollInterval,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
}
