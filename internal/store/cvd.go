package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/binancepipe/internal/model"
)

// InsertCvdRecord appends one CVDAggregationWorker output row (spec.md
// §4.9). Records are an append-only log, never updated in place.
func (s *Store) InsertCvdRecord(ctx context.Context, r model.CvdRecord) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO cvd_records (aggregator_id, timestamp, cvd_value, z_score, delta, delta_z_score)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.AggregatorID, r.Timestamp, r.CvdValue, r.ZScore, r.Delta, r.DeltaZScore)
		if err != nil {
			return fmt.Errorf("insert cvd record %s@%d: %w", r.AggregatorID, r.Timestamp, err)
		}
		return nil
	})
}

type cvdRow struct {
	AggregatorID string  `db:"aggregator_id"`
	Timestamp    int64   `db:"timestamp"`
	CvdValue     float64 `db:"cvd_value"`
	ZScore       float64 `db:"z_score"`
	Delta        float64 `db:"delta"`
	DeltaZScore  float64 `db:"delta_z_score"`
}

func (r cvdRow) toModel() model.CvdRecord {
	return model.CvdRecord{
		AggregatorID: r.AggregatorID,
		Timestamp:    r.Timestamp,
		CvdValue:     r.CvdValue,
		ZScore:       r.ZScore,
		Delta:        r.Delta,
		DeltaZScore:  r.DeltaZScore,
	}
}

// RecentCvdRecords returns the most recent limit records for aggregatorID
// in ascending timestamp order, used to seed the rolling window on worker
// restart.
func (s *Store) RecentCvdRecords(ctx context.Context, aggregatorID string, limit int) ([]model.CvdRecord, error) {
	var rows []cvdRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM (
			SELECT * FROM cvd_records WHERE aggregator_id = ? ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC`, aggregatorID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent cvd records %s: %w", aggregatorID, err)
	}
	out := make([]model.CvdRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// PruneCvdRecords deletes cvd_records older than cutoff.
func (s *Store) PruneCvdRecords(ctx context.Context, cutoff int64) (int64, error) {
	var affected int64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM cvd_records WHERE timestamp < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
