package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/binancepipe/internal/model"
)

type fakeTradeStore struct {
	mu      sync.Mutex
	batches [][]model.Trade
	failNext bool
}

func (f *fakeTradeStore) InsertTrades(ctx context.Context, trades []model.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("insert failed")
	}
	f.batches = append(f.batches, append([]model.Trade(nil), trades...))
	return nil
}

func (f *fakeTradeStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestTradeCollector_FlushesAtMaxBufferSize(t *testing.T) {
	store := &fakeTradeStore{}
	c := NewTradeCollector(store, time.Hour, 2)

	trades := make(chan model.Trade, 4)
	aggTrades := make(chan model.AggregatedTrade)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, trades, aggTrades)
		close(done)
	}()

	trades <- model.Trade{Symbol: "BTCUSDT", TradeID: 1}
	trades <- model.Trade{Symbol: "BTCUSDT", TradeID: 2}

	require.Eventually(t, func() bool { return store.total() == 2 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestTradeCollector_AggTradeConvertsDirection(t *testing.T) {
	store := &fakeTradeStore{}
	c := NewTradeCollector(store, time.Hour, 1)

	trades := make(chan model.Trade)
	aggTrades := make(chan model.AggregatedTrade, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, trades, aggTrades)
		close(done)
	}()

	aggTrades <- model.AggregatedTrade{Symbol: "ETHUSDT", Venue: model.VenueSpot, TradeID: 7, IsBuyerMaker: true}

	require.Eventually(t, func() bool { return store.total() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done

	require.Equal(t, model.DirectionSell, store.batches[0][0].Direction)
	require.Equal(t, model.StreamAggTrade, store.batches[0][0].StreamType)
}

func TestTradeCollector_RetriesOnFlushFailure(t *testing.T) {
	store := &fakeTradeStore{failNext: true}
	c := NewTradeCollector(store, time.Hour, 1)

	trades := make(chan model.Trade, 1)
	aggTrades := make(chan model.AggregatedTrade)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, trades, aggTrades)
		close(done)
	}()

	trades <- model.Trade{Symbol: "BTCUSDT", TradeID: 1}
	// First flush fails and requeues; cancelling the context forces a second
	// flush via Run's final flush.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.buffer) == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	require.Equal(t, 1, store.total())
}

func TestAggTradeToTrade_NonBuyerMakerMapsToBuy(t *testing.T) {
	trade := aggTradeToTrade(model.AggregatedTrade{Symbol: "BTCUSDT", Venue: model.VenueUSDTM, IsBuyerMaker: false})
	require.Equal(t, model.DirectionBuy, trade.Direction)
}
