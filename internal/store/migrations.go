package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// migration is one numbered, named, idempotent DDL batch (spec.md §4.11).
// Migrations never roll back (I7-adjacent monotonicity holds for schema_
// migrations itself, analogous to the backup-timestamp ordering invariant).
type migration struct {
	id   int
	name string
	ddl  []string
}

var migrations = []migration{
	{
		id:   1,
		name: "initial schema",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS schema_migrations (
				id INTEGER PRIMARY KEY,
				name TEXT NOT NULL,
				applied_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS symbols (
				symbol TEXT NOT NULL,
				venue TEXT NOT NULL,
				base_asset TEXT NOT NULL,
				quote_asset TEXT NOT NULL,
				status TEXT NOT NULL,
				contract_type TEXT,
				delivery_date INTEGER,
				onboard_date INTEGER,
				tick_size REAL,
				step_size REAL,
				min_notional REAL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (symbol, venue)
			)`,
			`CREATE TABLE IF NOT EXISTS agg_trades (
				symbol TEXT NOT NULL,
				venue TEXT NOT NULL,
				trade_id INTEGER NOT NULL,
				price REAL NOT NULL,
				quantity REAL NOT NULL,
				first_trade_id INTEGER,
				last_trade_id INTEGER,
				trade_time INTEGER NOT NULL,
				is_buyer_maker INTEGER NOT NULL,
				is_best_match INTEGER NOT NULL,
				source TEXT NOT NULL,
				PRIMARY KEY (symbol, venue, trade_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agg_trades_time ON agg_trades(symbol, venue, trade_time)`,
			`CREATE TABLE IF NOT EXISTS trade_data (
				row_id INTEGER PRIMARY KEY AUTOINCREMENT,
				symbol TEXT NOT NULL,
				venue TEXT NOT NULL,
				trade_id INTEGER NOT NULL,
				timestamp INTEGER NOT NULL,
				price REAL NOT NULL,
				amount REAL NOT NULL,
				direction TEXT NOT NULL,
				stream_type TEXT NOT NULL,
				UNIQUE(symbol, venue, trade_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_trade_data_cursor ON trade_data(symbol, venue, stream_type, row_id)`,
			`CREATE TABLE IF NOT EXISTS liquidation_events (
				event_id TEXT PRIMARY KEY,
				symbol TEXT NOT NULL,
				venue TEXT NOT NULL,
				side TEXT NOT NULL,
				price REAL NOT NULL,
				original_qty REAL NOT NULL,
				filled_qty REAL NOT NULL,
				order_id INTEGER,
				event_time INTEGER NOT NULL,
				trade_time INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS ratio_samples (
				symbol TEXT NOT NULL,
				series TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				long_account REAL NOT NULL,
				short_account REAL NOT NULL,
				long_short_ratio REAL NOT NULL,
				PRIMARY KEY (symbol, series, timestamp)
			)`,
			`CREATE TABLE IF NOT EXISTS cvd_records (
				aggregator_id TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				cvd_value REAL NOT NULL,
				z_score REAL NOT NULL,
				delta REAL NOT NULL,
				delta_z_score REAL NOT NULL,
				PRIMARY KEY (aggregator_id, timestamp)
			)`,
			`CREATE TABLE IF NOT EXISTS alert_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				alert_type TEXT NOT NULL,
				symbol TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				trigger_source TEXT NOT NULL,
				trigger_z_score REAL NOT NULL,
				z_score REAL NOT NULL,
				delta REAL NOT NULL,
				delta_z_score REAL NOT NULL,
				threshold REAL NOT NULL,
				raw_threshold REAL NOT NULL,
				cumulative_value REAL NOT NULL,
				payload TEXT NOT NULL,
				attempt_count INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				processed_at INTEGER,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_alert_queue_pending ON alert_queue(processed_at, timestamp, id)`,
			`CREATE TABLE IF NOT EXISTS alert_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				alert_type TEXT NOT NULL,
				symbol TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				payload TEXT NOT NULL,
				sent_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_alert_history_lookup ON alert_history(alert_type, symbol, timestamp)`,
			`CREATE TABLE IF NOT EXISTS processing_state (
				process_name TEXT NOT NULL,
				key TEXT NOT NULL,
				last_row_id INTEGER NOT NULL DEFAULT 0,
				last_timestamp INTEGER NOT NULL DEFAULT 0,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (process_name, key)
			)`,
		},
	},
	{
		id:   2,
		name: "candle interval tables",
		ddl: []string{
			candleTableDDL("candles_1m"),
			candleTableDDL("candles_30m"),
			candleTableDDL("candles_1d"),
		},
	},
}

func candleTableDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		symbol TEXT NOT NULL,
		venue TEXT NOT NULL,
		open_time INTEGER NOT NULL,
		close_time INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		quote_volume REAL NOT NULL,
		trade_count INTEGER NOT NULL,
		PRIMARY KEY (symbol, venue, open_time)
	)`, table)
}

// candleTable maps a model.CandleInterval to its backing table name.
func candleTable(interval string) string {
	switch interval {
	case "1m":
		return "candles_1m"
	case "30m":
		return "candles_30m"
	case "1d":
		return "candles_1d"
	default:
		return ""
	}
}

// migrate applies every unapplied migration inside its own transaction, in
// ascending id order (spec.md §4.11). Running it twice is a no-op (P8):
// every DDL statement is written IF NOT EXISTS / idempotent, and the
// schema_migrations row prevents re-application of the same batch.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		applied[id] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		if err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
			for _, stmt := range m.ddl {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.id, m.name, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (id, name, applied_at) VALUES (?, ?, ?)`,
				m.id, m.name, time.Now().UnixMilli())
			return err
		}); err != nil {
			return err
		}
		log.Info().Int("id", m.id).Str("name", m.name).Msg("migration applied")
	}

	return nil
}
