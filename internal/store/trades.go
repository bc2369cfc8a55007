package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/binancepipe/internal/model"
)

// UpsertAggTrades inserts aggregated trades, ignoring duplicates on the
// (symbol, venue, trade_id) primary key (I3/P2: re-fetching an overlapping
// range is a no-op for already-seen trade ids).
func (s *Store) UpsertAggTrades(ctx context.Context, trades []model.AggregatedTrade) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, t := range trades {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO agg_trades
					(symbol, venue, trade_id, price, quantity, first_trade_id, last_trade_id, trade_time, is_buyer_maker, is_best_match, source)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.Symbol, t.Venue, t.TradeID, t.Price, t.Quantity, t.FirstTradeID, t.LastTradeID,
				t.TradeTime, t.IsBuyerMaker, t.IsBestMatch, t.Source); err != nil {
				return fmt.Errorf("upsert agg trade %s/%s#%d: %w", t.Symbol, t.Venue, t.TradeID, err)
			}
		}
		return nil
	})
}

// LatestAggTradeID returns the highest trade_id stored for symbol/venue, or
// 0 if none exists. HistoricalTradeCollector resumes from its processing
// state, not from this value.
func (s *Store) LatestAggTradeID(ctx context.Context, symbol string, venue model.Venue) (int64, error) {
	var id *int64
	err := s.db.GetContext(ctx, &id,
		`SELECT MAX(trade_id) FROM agg_trades WHERE symbol = ? AND venue = ?`, symbol, venue)
	if err != nil {
		return 0, fmt.Errorf("latest agg trade id %s/%s: %w", symbol, venue, err)
	}
	if id == nil {
		return 0, nil
	}
	return *id, nil
}

// InsertTrades appends push-stream trades, ignoring duplicates on the
// (symbol, venue, trade_id) unique constraint so reconnect-induced replay
// does not double-count (I3/P5). row_id is assigned by AUTOINCREMENT and is
// the CVD worker's monotone cursor.
func (s *Store) InsertTrades(ctx context.Context, trades []model.Trade) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, t := range trades {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO trade_data (symbol, venue, trade_id, timestamp, price, amount, direction, stream_type)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				t.Symbol, t.Venue, t.TradeID, t.Timestamp, t.Price, t.Amount, t.Direction, t.StreamType); err != nil {
				return fmt.Errorf("insert trade %s/%s#%d: %w", t.Symbol, t.Venue, t.TradeID, err)
			}
		}
		return nil
	})
}

type tradeRow struct {
	RowID      int64   `db:"row_id"`
	Symbol     string  `db:"symbol"`
	Venue      string  `db:"venue"`
	TradeID    int64   `db:"trade_id"`
	Timestamp  int64   `db:"timestamp"`
	Price      float64 `db:"price"`
	Amount     float64 `db:"amount"`
	Direction  string  `db:"direction"`
	StreamType string  `db:"stream_type"`
}

func (r tradeRow) toModel() model.Trade {
	return model.Trade{
		RowID:      r.RowID,
		Symbol:     r.Symbol,
		Venue:      model.Venue(r.Venue),
		TradeID:    r.TradeID,
		Timestamp:  r.Timestamp,
		Price:      r.Price,
		Amount:     r.Amount,
		Direction:  model.Direction(r.Direction),
		StreamType: model.StreamType(r.StreamType),
	}
}

// TradesSinceRowID returns up to limit trade_data rows for symbol/venue/
// streamType with row_id > afterRowID, ordered ascending by row_id (the
// CVD worker's incremental cursor read, spec.md §4.9/§4.11).
func (s *Store) TradesSinceRowID(ctx context.Context, symbol string, venue model.Venue, streamType model.StreamType, afterRowID int64, limit int) ([]model.Trade, error) {
	var rows []tradeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM trade_data
		WHERE symbol = ? AND venue = ? AND stream_type = ? AND row_id > ?
		ORDER BY row_id ASC
		LIMIT ?`, symbol, venue, streamType, afterRowID, limit)
	if err != nil {
		return nil, fmt.Errorf("trades since row %d for %s/%s: %w", afterRowID, symbol, venue, err)
	}
	out := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// TradesSinceRowIDForStreams returns up to limit trade_data rows matching
// any of streams with row_id > afterRowID, ordered ascending by the global
// row_id across all matched streams. Aggregators spanning more than one
// stream must read through this single range scan rather than per-stream
// calls to TradesSinceRowID: row_id is a single global AUTOINCREMENT
// sequence, so advancing a per-aggregator cursor from a per-stream read
// would skip rows interleaved from the other streams (spec.md §4.9/§5
// rowId-order processing).
func (s *Store) TradesSinceRowIDForStreams(ctx context.Context, streams []model.StreamFilter, afterRowID int64, limit int) ([]model.Trade, error) {
	if len(streams) == 0 {
		return nil, nil
	}
	conds := make([]string, 0, len(streams))
	args := make([]interface{}, 0, 1+len(streams)*3+1)
	args = append(args, afterRowID)
	for _, f := range streams {
		conds = append(conds, "(symbol = ? AND venue = ? AND stream_type = ?)")
		args = append(args, f.Symbol, f.Venue, f.StreamType)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT * FROM trade_data
		WHERE row_id > ? AND (%s)
		ORDER BY row_id ASC
		LIMIT ?`, strings.Join(conds, " OR "))

	var rows []tradeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("trades since row %d for %d streams: %w", afterRowID, len(streams), err)
	}
	out := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// PruneTrades deletes trade_data rows whose timestamp is older than cutoff.
// It does not consult processing-state cursors, so rows a cursor has not
// yet passed are deleted too if they are older than cutoff.
func (s *Store) PruneTrades(ctx context.Context, cutoff int64) (int64, error) {
	var affected int64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM trade_data WHERE timestamp < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// PruneAggTrades deletes agg_trades rows older than cutoff.
func (s *Store) PruneAggTrades(ctx context.Context, cutoff int64) (int64, error) {
	var affected int64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM agg_trades WHERE trade_time < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
