package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/binancepipe/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrate_Idempotent(t *testing.T) {
	// P8: running migrations twice is a no-op.
	path := filepath.Join(t.TempDir(), "mig.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.migrate(context.Background()))
	require.NoError(t, s.migrate(context.Background()))
}

func TestSymbols_DeactivationScenario(t *testing.T) {
	// Scenario 3: pre-seed LTCUSDT/SPOT as ACTIVE, then updateSymbols with
	// only BTCUSDT/SPOT live.
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.UpsertSymbols(ctx, []model.Symbol{
		{Symbol: "LTCUSDT", Venue: model.VenueSpot, BaseAsset: "LTC", QuoteAsset: "USDT", Status: model.SymbolActive, UpdatedAt: time.Now()},
	}))

	require.NoError(t, s.UpsertSymbols(ctx, []model.Symbol{
		{Symbol: "BTCUSDT", Venue: model.VenueSpot, BaseAsset: "BTC", QuoteAsset: "USDT", Status: model.SymbolActive, UpdatedAt: time.Now()},
	}))
	require.NoError(t, s.DeactivateMissing(ctx, model.VenueSpot, map[string]bool{"BTCUSDT": true}))

	active, err := s.ListActiveSymbols(ctx, model.VenueSpot)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "BTCUSDT", active[0].Symbol)

	all, err := s.ListAllSymbols(ctx, model.VenueSpot)
	require.NoError(t, err)
	require.Len(t, all, 2)

	var ltc *model.Symbol
	for i := range all {
		if all[i].Symbol == "LTCUSDT" {
			ltc = &all[i]
		}
	}
	require.NotNil(t, ltc)
	require.Equal(t, model.SymbolInactive, ltc.Status)
}

func TestAggTrades_CheckpointScenario(t *testing.T) {
	// Scenario 4: insert 101, 102, re-insert 102; latest id = 102, row count = 2.
	ctx := context.Background()
	s := openTestStore(t)

	mk := func(id int64, tm int64) model.AggregatedTrade {
		return model.AggregatedTrade{Symbol: "ETHUSDT", Venue: model.VenueSpot, TradeID: id, Price: 1, Quantity: 1, TradeTime: tm, Source: model.SourceRest}
	}
	require.NoError(t, s.UpsertAggTrades(ctx, []model.AggregatedTrade{mk(101, 1000)}))
	require.NoError(t, s.UpsertAggTrades(ctx, []model.AggregatedTrade{mk(102, 2000)}))
	require.NoError(t, s.UpsertAggTrades(ctx, []model.AggregatedTrade{mk(102, 2000)}))

	latest, err := s.LatestAggTradeID(ctx, "ETHUSDT", model.VenueSpot)
	require.NoError(t, err)
	require.Equal(t, int64(102), latest)

	var count int
	require.NoError(t, s.db.Get(&count, `SELECT COUNT(*) FROM agg_trades WHERE symbol = ? AND venue = ?`, "ETHUSDT", model.VenueSpot))
	require.Equal(t, 2, count)
}

func TestTrades_DedupAcrossPushAndRest(t *testing.T) {
	// P5: duplicate (symbol, venue, tradeId) across sources yields exactly one row.
	ctx := context.Background()
	s := openTestStore(t)

	t1 := model.Trade{Symbol: "BTCUSDT", Venue: model.VenueSpot, TradeID: 1, Timestamp: 100, Price: 50000, Amount: 0.1, Direction: model.DirectionBuy, StreamType: model.StreamTrade}
	require.NoError(t, s.InsertTrades(ctx, []model.Trade{t1}))
	require.NoError(t, s.InsertTrades(ctx, []model.Trade{t1}))

	rows, err := s.TradesSinceRowID(ctx, "BTCUSDT", model.VenueSpot, model.StreamTrade, 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestTrades_SinceRowIDOrdering(t *testing.T) {
	// P2: a subsequent read since rowId=0 returns every inserted trade exactly
	// once, in insertion order.
	ctx := context.Background()
	s := openTestStore(t)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.InsertTrades(ctx, []model.Trade{{
			Symbol: "BTCUSDT", Venue: model.VenueSpot, TradeID: i, Timestamp: i * 10,
			Price: 1, Amount: 1, Direction: model.DirectionBuy, StreamType: model.StreamTrade,
		}}))
	}

	rows, err := s.TradesSinceRowID(ctx, "BTCUSDT", model.VenueSpot, model.StreamTrade, 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i, r := range rows {
		require.Equal(t, int64(i+1), r.TradeID)
	}

	// resuming from the third row only returns the remainder
	rest, err := s.TradesSinceRowID(ctx, "BTCUSDT", model.VenueSpot, model.StreamTrade, rows[2].RowID, 100)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.Equal(t, int64(4), rest[0].TradeID)
}

func TestLiquidations_Deduplication(t *testing.T) {
	// Scenario 5: same eventId, different price; first write wins.
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.InsertLiquidations(ctx, []model.LiquidationEvent{
		{EventID: "USDT-M:liquidation-1", Symbol: "BTCUSDT", Venue: model.VenueUSDTM, Side: "SELL", Price: 25000, OriginalQty: 1, FilledQty: 1, EventTime: 1, TradeTime: 1},
	}))
	require.NoError(t, s.InsertLiquidations(ctx, []model.LiquidationEvent{
		{EventID: "USDT-M:liquidation-1", Symbol: "BTCUSDT", Venue: model.VenueUSDTM, Side: "SELL", Price: 26000, OriginalQty: 1, FilledQty: 1, EventTime: 1, TradeTime: 1},
	}))

	var count int
	require.NoError(t, s.db.Get(&count, `SELECT COUNT(*) FROM liquidation_events`))
	require.Equal(t, 1, count)

	var price float64
	require.NoError(t, s.db.Get(&price, `SELECT price FROM liquidation_events WHERE event_id = ?`, "USDT-M:liquidation-1"))
	require.Equal(t, 25000.0, price)
}

func TestProcessingState_RoundTrip(t *testing.T) {
	// P3: the cursor persists and reflects the last processed rowId.
	ctx := context.Background()
	s := openTestStore(t)

	st, err := s.GetProcessingState(ctx, "cvd-worker", "agg-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), st.LastRowID)

	require.NoError(t, s.SetProcessingState(ctx, model.ProcessingState{ProcessName: "cvd-worker", Key: "agg-1", LastRowID: 42, LastTimestamp: 1000}))

	st, err = s.GetProcessingState(ctx, "cvd-worker", "agg-1")
	require.NoError(t, err)
	require.Equal(t, int64(42), st.LastRowID)
}

func TestAlerts_ProcessedAtMostOnceAndDedupWindow(t *testing.T) {
	// P4/I5/I6: an alert is processed at most once; a recent sent or pending
	// alert suppresses a new one for the dedup window.
	ctx := context.Background()
	s := openTestStore(t)

	payload := model.CvdAlertPayload{AggregatorID: "agg-1", AlertType: "cvd_spike", Timestamp: 1000}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	id, err := s.EnqueueAlert(ctx, model.AlertQueueRecord{
		AlertType: "cvd_spike", Symbol: "BTCUSDT", Timestamp: 1000, TriggerSource: model.TriggerDelta,
		TriggerZScore: 2.3, ZScore: 10, Threshold: 2.0, RawThreshold: 7.389, Payload: string(raw),
	})
	require.NoError(t, err)

	pending, err := s.GetPendingAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	recent, err := s.HasRecentAlertOrPending(ctx, "cvd_spike", "BTCUSDT", 0)
	require.NoError(t, err)
	require.True(t, recent)

	require.NoError(t, s.MarkAlertAttempt(ctx, id, "webhook timeout"))
	require.NoError(t, s.MarkAlertProcessed(ctx, id, 2000, true))

	pending, err = s.GetPendingAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 0)

	require.NoError(t, s.InsertAlertHistory(ctx, model.AlertHistoryRecord{
		AlertType: "cvd_spike", Symbol: "BTCUSDT", Timestamp: 1000, Payload: string(raw), SentAt: 2000,
	}))
	recentAfterSend, err := s.HasRecentAlertOrPending(ctx, "cvd_spike", "BTCUSDT", 0)
	require.NoError(t, err)
	require.True(t, recentAfterSend)
}

func TestCvdAlertPayload_RoundTrip(t *testing.T) {
	// P7: round-trip serialization recovers fields bit-exactly.
	payload := model.CvdAlertPayload{
		AggregatorID: "agg-1", AlertType: "cvd_spike", Timestamp: 123456,
		TriggerSource: model.TriggerDelta, ZScore: 10, Delta: 5, DeltaZScore: 3,
		Threshold: 2.0, RawThreshold: 7.389056, LogTriggerZScore: 2.302585, RawTriggerZScore: 10,
		CumulativeValue: 999.5,
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	var back model.CvdAlertPayload
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, payload, back)
}

func TestCandles_UpsertAndPrune(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c := model.Candle{Symbol: "BTCUSDT", Venue: model.VenueSpot, Interval: model.Interval1m, OpenTime: 1000, CloseTime: 1059, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, TradeCount: 3}
	require.NoError(t, s.UpsertCandles(ctx, model.Interval1m, []model.Candle{c}))

	got, err := s.ListCandles(ctx, "BTCUSDT", model.VenueSpot, model.Interval1m, 0, 2000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 1.5, got[0].Close)

	affected, err := s.PruneCandles(ctx, model.Interval1m, 2000)
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)
}

func TestAssetStoreManager_OpensOnePerAsset(t *testing.T) {
	mgr := NewAssetStoreManager(t.TempDir())
	defer mgr.CloseAll()

	a, err := mgr.Get("BTC")
	require.NoError(t, err)
	b, err := mgr.Get("btc")
	require.NoError(t, err)
	require.Same(t, a, b)
}
