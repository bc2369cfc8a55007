package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/binancepipe/internal/model"
)

// InsertRatioSamples appends long/short ratio samples, ignoring duplicates
// keyed on (symbol, series, timestamp).
func (s *Store) InsertRatioSamples(ctx context.Context, samples []model.RatioSample) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range samples {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO ratio_samples
					(symbol, series, timestamp, long_account, short_account, long_short_ratio)
				VALUES (?, ?, ?, ?, ?, ?)`,
				r.Symbol, r.Series, r.Timestamp, r.LongAccount, r.ShortAccount, r.LongShortRatio); err != nil {
				return fmt.Errorf("insert ratio sample %s/%s@%d: %w", r.Symbol, r.Series, r.Timestamp, err)
			}
		}
		return nil
	})
}

// PruneRatios deletes ratio samples older than cutoff.
func (s *Store) PruneRatios(ctx context.Context, cutoff int64) (int64, error) {
	var affected int64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM ratio_samples WHERE timestamp < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
