// Package collector holds the streaming and scheduled REST collectors that
// sit between PushClient/RestClient and Store: TradeCollector,
// LiquidationCollector, HistoricalTradeCollector and RatioCollector.
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/binancepipe/internal/model"
)

const (
	defaultFlushInterval   = 5 * time.Second
	defaultTradeBufferSize = 1000
)

// TradeStore is the subset of *store.Store the TradeCollector needs.
type TradeStore interface {
	InsertTrades(ctx context.Context, trades []model.Trade) error
}

// TradeCollector buffers real-time trade and aggTrade events and flushes
// them into Store in bulk (spec.md §4.5).
type TradeCollector struct {
	store           TradeStore
	flushInterval   time.Duration
	maxBufferSize   int

	mu     sync.Mutex
	buffer []model.Trade

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTradeCollector builds a TradeCollector. flushInterval/maxBufferSize
// fall back to spec.md §4.5 defaults (5s / 1000) when zero.
func NewTradeCollector(store TradeStore, flushInterval time.Duration, maxBufferSize int) *TradeCollector {
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	if maxBufferSize <= 0 {
		maxBufferSize = defaultTradeBufferSize
	}
	return &TradeCollector{
		store:         store,
		flushInterval: flushInterval,
		maxBufferSize: maxBufferSize,
		stopCh:        make(chan struct{}),
	}
}

// aggTradeToTrade converts a push-origin aggregated trade into the
// trade_data row shape, matching the direction convention used for the raw
// trade stream: buyer-is-maker means the aggressor sold.
func aggTradeToTrade(at model.AggregatedTrade) model.Trade {
	direction := model.DirectionBuy
	if at.IsBuyerMaker {
		direction = model.DirectionSell
	}
	return model.Trade{
		Symbol:     at.Symbol,
		Venue:      at.Venue,
		TradeID:    at.TradeID,
		Timestamp:  at.TradeTime,
		Price:      at.Price,
		Amount:     at.Quantity,
		Direction:  direction,
		StreamType: model.StreamAggTrade,
	}
}

// Run consumes from trades/aggTrades until ctx is done, flushing on a timer
// or once the buffer reaches maxBufferSize, then performs a final flush.
func (c *TradeCollector) Run(ctx context.Context, trades <-chan model.Trade, aggTrades <-chan model.AggregatedTrade) {
	c.wg.Add(1)
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush(context.Background())
			return
		case <-c.stopCh:
			c.flush(context.Background())
			return
		case t, ok := <-trades:
			if !ok {
				trades = nil
				continue
			}
			c.push(ctx, t)
		case at, ok := <-aggTrades:
			if !ok {
				aggTrades = nil
				continue
			}
			c.push(ctx, aggTradeToTrade(at))
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *TradeCollector) push(ctx context.Context, t model.Trade) {
	c.mu.Lock()
	c.buffer = append(c.buffer, t)
	full := len(c.buffer) >= c.maxBufferSize
	c.mu.Unlock()

	if full {
		c.flush(ctx)
	}
}

// flush atomically takes the buffer and bulk-inserts it. On failure the
// batch is re-prepended to the front of the buffer so the next flush
// retries it without losing arrival order (at-least-once, spec.md §4.5).
func (c *TradeCollector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	if err := c.store.InsertTrades(ctx, batch); err != nil {
		log.Error().Err(err).Int("count", len(batch)).Msg("trade collector: flush failed, requeueing")
		c.mu.Lock()
		c.buffer = append(append([]model.Trade(nil), batch...), c.buffer...)
		c.mu.Unlock()
		return
	}
	log.Debug().Int("count", len(batch)).Msg("trade collector: flushed")
}

// Stop signals Run to perform a final flush and return.
func (c *TradeCollector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}
