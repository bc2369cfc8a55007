package cvd

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/binancepipe/internal/model"
)

// fakeWorkerStore is an in-memory stand-in for *store.Store, enough to drive
// Worker.runCycle deterministically in tests.
type fakeWorkerStore struct {
	mu sync.Mutex

	trades map[string][]model.Trade // key: symbol|venue|streamType
	states map[string]model.ProcessingState
	cvd    map[string][]model.CvdRecord
	queue  []model.AlertQueueRecord
	nextID int64
}

func newFakeWorkerStore() *fakeWorkerStore {
	return &fakeWorkerStore{
		trades: make(map[string][]model.Trade),
		states: make(map[string]model.ProcessingState),
		cvd:    make(map[string][]model.CvdRecord),
	}
}

func tradeKey(symbol string, venue model.Venue, st model.StreamType) string {
	return symbol + "|" + string(venue) + "|" + string(st)
}

func (f *fakeWorkerStore) seedTrades(symbol string, venue model.Venue, st model.StreamType, trades []model.Trade) {
	f.trades[tradeKey(symbol, venue, st)] = trades
}

func (f *fakeWorkerStore) TradesSinceRowIDForStreams(ctx context.Context, streams []model.StreamFilter, afterRowID int64, limit int) ([]model.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var merged []model.Trade
	for _, st := range streams {
		all := f.trades[tradeKey(st.Symbol, st.Venue, st.StreamType)]
		for _, t := range all {
			if t.RowID > afterRowID {
				merged = append(merged, t)
			}
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].RowID < merged[j].RowID })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (f *fakeWorkerStore) GetProcessingState(ctx context.Context, processName, key string) (model.ProcessingState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[processName+"|"+key], nil
}

func (f *fakeWorkerStore) SetProcessingState(ctx context.Context, st model.ProcessingState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[st.ProcessName+"|"+st.Key] = st
	return nil
}

func (f *fakeWorkerStore) InsertCvdRecord(ctx context.Context, r model.CvdRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cvd[r.AggregatorID] = append(f.cvd[r.AggregatorID], r)
	return nil
}

func (f *fakeWorkerStore) RecentCvdRecords(ctx context.Context, aggregatorID string, limit int) ([]model.CvdRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.cvd[aggregatorID]
	if len(recs) <= limit {
		return append([]model.CvdRecord(nil), recs...), nil
	}
	return append([]model.CvdRecord(nil), recs[len(recs)-limit:]...), nil
}

func (f *fakeWorkerStore) EnqueueAlert(ctx context.Context, a model.AlertQueueRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	a.ID = f.nextID
	f.queue = append(f.queue, a)
	return a.ID, nil
}

func (f *fakeWorkerStore) HasRecentAlertOrPending(ctx context.Context, alertType, symbol string, since int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.queue {
		if a.AlertType == alertType && a.Symbol == symbol && a.Timestamp >= since {
			return true, nil
		}
	}
	return false, nil
}

func buyTrade(rowID int64, symbol string, ts int64, amount float64) model.Trade {
	return model.Trade{
		RowID: rowID, Symbol: symbol, Venue: model.VenueSpot, TradeID: rowID,
		Timestamp: ts, Price: 100, Amount: amount, Direction: model.DirectionBuy,
		StreamType: model.StreamTrade,
	}
}

func sellTrade(rowID int64, symbol string, ts int64, amount float64) model.Trade {
	t := buyTrade(rowID, symbol, ts, amount)
	t.Direction = model.DirectionSell
	return t
}

func TestWorker_RunCycle_AdvancesCursorAndPersistsRecords(t *testing.T) {
	store := newFakeWorkerStore()
	agCfg := AggregatorConfig{
		ID:            "btc-spot",
		AlertsEnabled: true,
		Streams: []StreamRef{
			{Symbol: "BTCUSDT", Venue: model.VenueSpot, StreamType: model.StreamTrade},
		},
	}
	store.seedTrades("BTCUSDT", model.VenueSpot, model.StreamTrade, []model.Trade{
		buyTrade(1, "BTCUSDT", 1000, 1),
		buyTrade(2, "BTCUSDT", 2000, 1),
		sellTrade(3, "BTCUSDT", 3000, 1),
	})

	w := NewWorker(WorkerConfig{Aggregators: []AggregatorConfig{agCfg}}, store)
	require.NoError(t, w.init(context.Background()))

	anyWork, err := w.runCycle(context.Background())
	require.NoError(t, err)
	require.False(t, anyWork) // batch of 3 < default batch size, no immediate re-loop

	require.Len(t, store.cvd["btc-spot"], 3)
	st := store.states[processName+"|btc-spot"]
	require.Equal(t, int64(3), st.LastRowID)
	require.Equal(t, int64(3000), st.LastTimestamp)

	// a second cycle with no new trades should be a no-op
	anyWork, err = w.runCycle(context.Background())
	require.NoError(t, err)
	require.False(t, anyWork)
	require.Len(t, store.cvd["btc-spot"], 3)
}

func TestWorker_MaybeAlert_EnqueuesOnTriggerAndSuppressesRepeat(t *testing.T) {
	store := newFakeWorkerStore()
	agCfg := AggregatorConfig{
		ID:            "btc-spot",
		AlertsEnabled: true,
		Streams: []StreamRef{
			{Symbol: "BTCUSDT", Venue: model.VenueSpot, StreamType: model.StreamTrade},
		},
	}

	// A steady run of buys makes the cumulative series rise linearly; from the
	// third buy its z-score (about 1.22) already clears e^0.1, so one alert is
	// enqueued and every later trigger in the batch, including the outsized
	// buy, is suppressed by that pending entry.
	var trades []model.Trade
	for i := int64(1); i <= 20; i++ {
		trades = append(trades, buyTrade(i, "BTCUSDT", i*1000, 1))
	}
	trades = append(trades, buyTrade(21, "BTCUSDT", 21000, 500))
	store.seedTrades("BTCUSDT", model.VenueSpot, model.StreamTrade, trades)

	w := NewWorker(WorkerConfig{
		Aggregators:         []AggregatorConfig{agCfg},
		AlertsEnabledGlobal: true,
		Gate:                GateConfig{ThresholdLog: 0.1},
		SuppressionMs:       30 * 60 * 1000,
	}, store)
	require.NoError(t, w.init(context.Background()))

	_, err := w.runCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, store.queue, 1)
	require.Equal(t, "cvd_spike", store.queue[0].AlertType)
	require.Equal(t, "btc-spot", store.queue[0].Symbol)

	// Feed one more outsized trade within the suppression window: should be
	// vetoed by HasRecentAlertOrPending and not enqueue a second alert.
	store.seedTrades("BTCUSDT", model.VenueSpot, model.StreamTrade, append(trades,
		buyTrade(22, "BTCUSDT", 21500, 500)))
	_, err = w.runCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, store.queue, 1)
}

func TestWorker_MaybeAlert_SkippedWhenAggregatorAlertsDisabled(t *testing.T) {
	store := newFakeWorkerStore()
	agCfg := AggregatorConfig{
		ID:            "btc-spot",
		AlertsEnabled: false,
		Streams: []StreamRef{
			{Symbol: "BTCUSDT", Venue: model.VenueSpot, StreamType: model.StreamTrade},
		},
	}
	var trades []model.Trade
	for i := int64(1); i <= 20; i++ {
		trades = append(trades, buyTrade(i, "BTCUSDT", i*1000, 1))
	}
	trades = append(trades, buyTrade(21, "BTCUSDT", 21000, 500))
	store.seedTrades("BTCUSDT", model.VenueSpot, model.StreamTrade, trades)

	w := NewWorker(WorkerConfig{
		Aggregators:         []AggregatorConfig{agCfg},
		AlertsEnabledGlobal: true,
		Gate:                GateConfig{ThresholdLog: 0.1},
	}, store)
	require.NoError(t, w.init(context.Background()))

	_, err := w.runCycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, store.queue)
}

func TestWorker_RunCycle_ReportsAnyWorkOnFullBatch(t *testing.T) {
	store := newFakeWorkerStore()
	agCfg := AggregatorConfig{
		ID: "btc-spot",
		Streams: []StreamRef{
			{Symbol: "BTCUSDT", Venue: model.VenueSpot, StreamType: model.StreamTrade},
		},
	}
	var trades []model.Trade
	for i := int64(1); i <= 5; i++ {
		trades = append(trades, buyTrade(i, "BTCUSDT", i*1000, 1))
	}
	store.seedTrades("BTCUSDT", model.VenueSpot, model.StreamTrade, trades)

	w := NewWorker(WorkerConfig{Aggregators: []AggregatorConfig{agCfg}, BatchSize: 5}, store)
	require.NoError(t, w.init(context.Background()))

	anyWork, err := w.runCycle(context.Background())
	require.NoError(t, err)
	require.True(t, anyWork)
}

func TestWorker_RunCycle_MultiStreamAggregatorDoesNotSkipInterleavedRows(t *testing.T) {
	store := newFakeWorkerStore()
	agCfg := AggregatorConfig{
		ID: "btc-combined",
		Streams: []StreamRef{
			{Symbol: "BTCUSDT", Venue: model.VenueSpot, StreamType: model.StreamTrade},
			{Symbol: "BTCUSDT", Venue: model.VenueUSDTM, StreamType: model.StreamTrade},
		},
	}

	// row_id is a single global sequence shared by both streams: interleave
	// them so a naive per-stream cursor advance would skip the lower-venue's
	// still-unread rows once the other stream's batch races ahead.
	spot := []model.Trade{buyTrade(1, "BTCUSDT", 1000, 1), buyTrade(3, "BTCUSDT", 3000, 1)}
	for i := range spot {
		spot[i].Venue = model.VenueSpot
	}
	perp := []model.Trade{buyTrade(2, "BTCUSDT", 2000, 1), buyTrade(4, "BTCUSDT", 4000, 1)}
	for i := range perp {
		perp[i].Venue = model.VenueUSDTM
	}
	store.seedTrades("BTCUSDT", model.VenueSpot, model.StreamTrade, spot)
	store.seedTrades("BTCUSDT", model.VenueUSDTM, model.StreamTrade, perp)

	w := NewWorker(WorkerConfig{Aggregators: []AggregatorConfig{agCfg}}, store)
	require.NoError(t, w.init(context.Background()))

	_, err := w.runCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, store.cvd["btc-combined"], 4)
	st := store.states[processName+"|btc-combined"]
	require.Equal(t, int64(4), st.LastRowID)
}
