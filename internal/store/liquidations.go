package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/binancepipe/internal/model"
)

// InsertLiquidations appends liquidation events, ignoring duplicates keyed
// on the derived event_id (I6/P6: the forceOrder stream may redeliver the
// same event across a reconnect).
func (s *Store) InsertLiquidations(ctx context.Context, events []model.LiquidationEvent) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range events {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO liquidation_events
					(event_id, symbol, venue, side, price, original_qty, filled_qty, order_id, event_time, trade_time)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.EventID, e.Symbol, e.Venue, e.Side, e.Price, e.OriginalQty, e.FilledQty,
				e.OrderID, e.EventTime, e.TradeTime); err != nil {
				return fmt.Errorf("insert liquidation %s: %w", e.EventID, err)
			}
		}
		return nil
	})
}

// PruneLiquidations deletes liquidation events older than cutoff.
func (s *Store) PruneLiquidations(ctx context.Context, cutoff int64) (int64, error) {
	var affected int64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM liquidation_events WHERE event_time < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
