package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/binancepipe/internal/model"
)

// EnqueueAlert inserts a new pending alert (spec.md §4.9 gating, §4.10
// dispatch). created_at and attempt_count=0/processed_at=NULL mark it
// unprocessed.
func (s *Store) EnqueueAlert(ctx context.Context, a model.AlertQueueRecord) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO alert_queue
				(alert_type, symbol, timestamp, trigger_source, trigger_z_score, z_score, delta, delta_z_score,
				 threshold, raw_threshold, cumulative_value, payload, attempt_count, last_error, processed_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?)`,
			a.AlertType, a.Symbol, a.Timestamp, a.TriggerSource, a.TriggerZScore, a.ZScore, a.Delta,
			a.DeltaZScore, a.Threshold, a.RawThreshold, a.CumulativeValue, a.Payload, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("enqueue alert %s/%s: %w", a.AlertType, a.Symbol, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// HasRecentAlertOrPending reports whether an alert of alertType for symbol
// is either still pending delivery or was delivered since since (I5: a
// dedup window prevents re-queueing the same trigger while one is
// outstanding or was already delivered). The pending check is unconditional
// on timestamp — any undelivered queue entry vetoes a new enqueue,
// regardless of age; only the delivered-history check is timestamp-bound
// (spec.md §4.11).
func (s *Store) HasRecentAlertOrPending(ctx context.Context, alertType, symbol string, since int64) (bool, error) {
	var pendingCount int
	if err := s.db.GetContext(ctx, &pendingCount, `
		SELECT COUNT(*) FROM alert_queue
		WHERE alert_type = ? AND symbol = ? AND processed_at IS NULL`, alertType, symbol); err != nil {
		return false, fmt.Errorf("check pending alert %s/%s: %w", alertType, symbol, err)
	}
	if pendingCount > 0 {
		return true, nil
	}
	var sentCount int
	if err := s.db.GetContext(ctx, &sentCount, `
		SELECT COUNT(*) FROM alert_history
		WHERE alert_type = ? AND symbol = ? AND timestamp >= ?`, alertType, symbol, since); err != nil {
		return false, fmt.Errorf("check alert history %s/%s: %w", alertType, symbol, err)
	}
	return sentCount > 0, nil
}

// GetPendingAlerts returns up to limit unprocessed alerts (processed_at IS
// NULL), ordered by timestamp then id (AlertDispatcher's send order,
// spec.md §4.10).
func (s *Store) GetPendingAlerts(ctx context.Context, limit int) ([]model.AlertQueueRecord, error) {
	var rows []alertQueueRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM alert_queue WHERE processed_at IS NULL
		ORDER BY timestamp ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending alerts: %w", err)
	}
	out := make([]model.AlertQueueRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// MarkAlertAttempt increments attempt_count and records lastErr after a
// failed delivery try (spec.md §4.10 retry bookkeeping, I6).
func (s *Store) MarkAlertAttempt(ctx context.Context, id int64, lastErr string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE alert_queue SET attempt_count = attempt_count + 1, last_error = ? WHERE id = ?`,
			lastErr, id)
		if err != nil {
			return fmt.Errorf("mark alert attempt %d: %w", id, err)
		}
		return nil
	})
}

// MarkAlertProcessed sets processed_at, making the alert permanently
// excluded from GetPendingAlerts (I6: an alert is processed at most once).
// When clearError is true, last_error is cleared (successful delivery);
// otherwise it is left as-is (exhausted retries, spec.md §4.10 step 2/3).
func (s *Store) MarkAlertProcessed(ctx context.Context, id int64, processedAt int64, clearError bool) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := `UPDATE alert_queue SET processed_at = ? WHERE id = ?`
		if clearError {
			query = `UPDATE alert_queue SET processed_at = ?, last_error = NULL WHERE id = ?`
		}
		_, err := tx.ExecContext(ctx, query, processedAt, id)
		if err != nil {
			return fmt.Errorf("mark alert processed %d: %w", id, err)
		}
		return nil
	})
}

// InsertAlertHistory records a delivered alert (spec.md §4.10, the
// dedup-window source for HasRecentAlertOrPending).
func (s *Store) InsertAlertHistory(ctx context.Context, h model.AlertHistoryRecord) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO alert_history (alert_type, symbol, timestamp, payload, sent_at)
			VALUES (?, ?, ?, ?, ?)`,
			h.AlertType, h.Symbol, h.Timestamp, h.Payload, h.SentAt)
		if err != nil {
			return fmt.Errorf("insert alert history %s/%s: %w", h.AlertType, h.Symbol, err)
		}
		return nil
	})
}

// PruneAlertHistory deletes alert_history rows older than cutoff.
func (s *Store) PruneAlertHistory(ctx context.Context, cutoff int64) (int64, error) {
	var affected int64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM alert_history WHERE timestamp < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// PruneProcessedAlerts deletes alert_queue rows that were processed before
// cutoff, keeping the table bounded.
func (s *Store) PruneProcessedAlerts(ctx context.Context, cutoff int64) (int64, error) {
	var affected int64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM alert_queue WHERE processed_at IS NOT NULL AND processed_at < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

type alertQueueRow struct {
	ID              int64          `db:"id"`
	AlertType       string         `db:"alert_type"`
	Symbol          string         `db:"symbol"`
	Timestamp       int64          `db:"timestamp"`
	TriggerSource   string         `db:"trigger_source"`
	TriggerZScore   float64        `db:"trigger_z_score"`
	ZScore          float64        `db:"z_score"`
	Delta           float64        `db:"delta"`
	DeltaZScore     float64        `db:"delta_z_score"`
	Threshold       float64        `db:"threshold"`
	RawThreshold    float64        `db:"raw_threshold"`
	CumulativeValue float64        `db:"cumulative_value"`
	Payload         string         `db:"payload"`
	AttemptCount    int            `db:"attempt_count"`
	LastError       sql.NullString `db:"last_error"`
	ProcessedAt     sql.NullInt64  `db:"processed_at"`
	CreatedAt       int64          `db:"created_at"`
}

func (r alertQueueRow) toModel() model.AlertQueueRecord {
	rec := model.AlertQueueRecord{
		ID:              r.ID,
		AlertType:       r.AlertType,
		Symbol:          r.Symbol,
		Timestamp:       r.Timestamp,
		TriggerSource:   model.TriggerSource(r.TriggerSource),
		TriggerZScore:   r.TriggerZScore,
		ZScore:          r.ZScore,
		Delta:           r.Delta,
		DeltaZScore:     r.DeltaZScore,
		Threshold:       r.Threshold,
		RawThreshold:    r.RawThreshold,
		CumulativeValue: r.CumulativeValue,
		Payload:         r.Payload,
		AttemptCount:    r.AttemptCount,
		CreatedAt:       r.CreatedAt,
	}
	if r.LastError.Valid {
		rec.LastError = r.LastError.String
	}
	if r.ProcessedAt.Valid {
		v := r.ProcessedAt.Int64
		rec.ProcessedAt = &v
	}
	return rec
}
