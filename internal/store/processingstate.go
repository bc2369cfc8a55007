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

// GetProcessingState returns the saved cursor for (processName, key), or
// the zero value if none has been recorded yet (I4: a process resumes from
// its own monotone cursor, never from another process's).
func (s *Store) GetProcessingState(ctx context.Context, processName, key string) (model.ProcessingState, error) {
	var row processingStateRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM processing_state WHERE process_name = ? AND key = ?`, processName, key)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessingState{ProcessName: processName, Key: key}, nil
	}
	if err != nil {
		return model.ProcessingState{}, fmt.Errorf("get processing state %s/%s: %w", processName, key, err)
	}
	return row.toModel(), nil
}

// SetProcessingState upserts the cursor for (processName, key). Callers are
// responsible for only ever advancing lastRowID/lastTimestamp (I4).
func (s *Store) SetProcessingState(ctx context.Context, st model.ProcessingState) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO processing_state (process_name, key, last_row_id, last_timestamp, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(process_name, key) DO UPDATE SET
				last_row_id=excluded.last_row_id,
				last_timestamp=excluded.last_timestamp,
				updated_at=excluded.updated_at`,
			st.ProcessName, st.Key, st.LastRowID, st.LastTimestamp, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("set processing state %s/%s: %w", st.ProcessName, st.Key, err)
		}
		return nil
	})
}

type processingStateRow struct {
	ProcessName   string `db:"process_name"`
	Key           string `db:"key"`
	LastRowID     int64  `db:"last_row_id"`
	LastTimestamp int64  `db:"last_timestamp"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (r processingStateRow) toModel() model.ProcessingState {
	return model.ProcessingState{
		ProcessName:   r.ProcessName,
		Key:           r.Key,
		LastRowID:     r.LastRowID,
		LastTimestamp: r.LastTimestamp,
		UpdatedAt:     r.UpdatedAt,
	}
}
