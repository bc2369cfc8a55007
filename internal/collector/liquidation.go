package collector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/binancepipe/internal/model"
)

const defaultLiquidationBufferSize = 500

// LiquidationStore is the subset of *store.Store the LiquidationCollector
// needs.
type LiquidationStore interface {
	InsertLiquidations(ctx context.Context, events []model.LiquidationEvent) error
}

// LiquidationCollector buffers force-order events and flushes them into
// Store in bulk. Identical shape to TradeCollector (spec.md §4.5), with a
// smaller default buffer since liquidations are far less frequent.
type LiquidationCollector struct {
	store         LiquidationStore
	flushInterval time.Duration
	maxBufferSize int

	mu     sync.Mutex
	buffer []model.LiquidationEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLiquidationCollector builds a LiquidationCollector, defaulting
// flushInterval to 5s and maxBufferSize to 500 when zero.
func NewLiquidationCollector(store LiquidationStore, flushInterval time.Duration, maxBufferSize int) *LiquidationCollector {
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	if maxBufferSize <= 0 {
		maxBufferSize = defaultLiquidationBufferSize
	}
	return &LiquidationCollector{
		store:         store,
		flushInterval: flushInterval,
		maxBufferSize: maxBufferSize,
		stopCh:        make(chan struct{}),
	}
}

// Run consumes liquidation events until ctx is done, flushing on a timer or
// at maxBufferSize, then performs a final flush.
func (c *LiquidationCollector) Run(ctx context.Context, events <-chan model.LiquidationEvent) {
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
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.push(ctx, e)
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *LiquidationCollector) push(ctx context.Context, e model.LiquidationEvent) {
	c.mu.Lock()
	c.buffer = append(c.buffer, e)
	full := len(c.buffer) >= c.maxBufferSize
	c.mu.Unlock()

	if full {
		c.flush(ctx)
	}
}

func (c *LiquidationCollector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	if err := c.store.InsertLiquidations(ctx, batch); err != nil {
		log.Error().Err(err).Int("count", len(batch)).Msg("liquidation collector: flush failed, requeueing")
		c.mu.Lock()
		c.buffer = append(append([]model.LiquidationEvent(nil), batch...), c.buffer...)
		c.mu.Unlock()
		return
	}
	log.Debug().Int("count", len(batch)).Msg("liquidation collector: flushed")
}

// Stop signals Run to perform a final flush and return.
func (c *LiquidationCollector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}
