package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/binancepipe/internal/model"
)

// UpsertCandles replaces (by primary key) every candle of the given
// interval (I2: one row per symbol/venue/open_time, later writes win).
func (s *Store) UpsertCandles(ctx context.Context, interval model.CandleInterval, candles []model.Candle) error {
	table := candleTable(string(interval))
	if table == "" {
		return fmt.Errorf("store: unknown candle interval %q", interval)
	}
	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s
		(symbol, venue, open_time, close_time, open, high, low, close, volume, quote_volume, trade_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, c := range candles {
			if _, err := tx.ExecContext(ctx, query,
				c.Symbol, c.Venue, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close,
				c.Volume, c.QuoteVolume, c.TradeCount); err != nil {
				return fmt.Errorf("upsert candle %s/%s@%d: %w", c.Symbol, c.Venue, c.OpenTime, err)
			}
		}
		return nil
	})
}

// ListCandles returns candles for symbol/venue/interval with open_time in
// [since, until), ordered ascending by open_time.
func (s *Store) ListCandles(ctx context.Context, symbol string, venue model.Venue, interval model.CandleInterval, since, until int64) ([]model.Candle, error) {
	table := candleTable(string(interval))
	if table == "" {
		return nil, fmt.Errorf("store: unknown candle interval %q", interval)
	}
	query := fmt.Sprintf(`SELECT * FROM %s WHERE symbol = ? AND venue = ? AND open_time >= ? AND open_time < ? ORDER BY open_time ASC`, table)

	var rows []candleRow
	if err := s.db.SelectContext(ctx, &rows, query, symbol, venue, since, until); err != nil {
		return nil, fmt.Errorf("list candles %s/%s %s: %w", symbol, venue, interval, err)
	}
	out := make([]model.Candle, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel(venue, interval))
	}
	return out, nil
}

type candleRow struct {
	Symbol      string  `db:"symbol"`
	Venue       string  `db:"venue"`
	OpenTime    int64   `db:"open_time"`
	CloseTime   int64   `db:"close_time"`
	Open        float64 `db:"open"`
	High        float64 `db:"high"`
	Low         float64 `db:"low"`
	Close       float64 `db:"close"`
	Volume      float64 `db:"volume"`
	QuoteVolume float64 `db:"quote_volume"`
	TradeCount  int64   `db:"trade_count"`
}

func (r candleRow) toModel(venue model.Venue, interval model.CandleInterval) model.Candle {
	return model.Candle{
		Symbol:      r.Symbol,
		Venue:       venue,
		Interval:    interval,
		OpenTime:    r.OpenTime,
		CloseTime:   r.CloseTime,
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		QuoteVolume: r.QuoteVolume,
		TradeCount:  r.TradeCount,
	}
}

// PruneCandles deletes candles of the given interval with open_time older
// than cutoff (spec.md §4.12 retention step).
func (s *Store) PruneCandles(ctx context.Context, interval model.CandleInterval, cutoff int64) (int64, error) {
	table := candleTable(string(interval))
	if table == "" {
		return 0, fmt.Errorf("store: unknown candle interval %q", interval)
	}
	var affected int64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE open_time < ?`, table), cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
