package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/binancepipe/internal/model"
)

// UpsertSymbols idempotently upserts a venue's symbol catalog (I1: unique on
// (symbol, venue)). Mutable metadata uses ON CONFLICT DO UPDATE per
// spec.md §4.11.
func (s *Store) UpsertSymbols(ctx context.Context, symbols []model.Symbol) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, sym := range symbols {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO symbols (symbol, venue, base_asset, quote_asset, status, contract_type,
					delivery_date, onboard_date, tick_size, step_size, min_notional, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(symbol, venue) DO UPDATE SET
					base_asset=excluded.base_asset,
					quote_asset=excluded.quote_asset,
					status=excluded.status,
					contract_type=excluded.contract_type,
					delivery_date=excluded.delivery_date,
					onboard_date=excluded.onboard_date,
					tick_size=excluded.tick_size,
					step_size=excluded.step_size,
					min_notional=excluded.min_notional,
					updated_at=excluded.updated_at
			`,
				sym.Symbol, sym.Venue, sym.BaseAsset, sym.QuoteAsset, sym.Status, sym.ContractType,
				millisPtr(sym.DeliveryDate), millisPtr(sym.OnboardDate), sym.TickSize, sym.StepSize,
				sym.MinNotional, sym.UpdatedAt.UnixMilli())
			if err != nil {
				return fmt.Errorf("upsert symbol %s/%s: %w", sym.Symbol, sym.Venue, err)
			}
		}
		return nil
	})
}

// DeactivateMissing transitions to INACTIVE every currently-ACTIVE symbol
// of venue that is absent from liveSymbols (spec.md §4.3). Symbols are
// never deleted.
func (s *Store) DeactivateMissing(ctx context.Context, venue model.Venue, liveSymbols map[string]bool) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT symbol FROM symbols WHERE venue = ? AND status = ?`, venue, model.SymbolActive)
		if err != nil {
			return err
		}
		var toDeactivate []string
		for rows.Next() {
			var sym string
			if err := rows.Scan(&sym); err != nil {
				rows.Close()
				return err
			}
			if !liveSymbols[sym] {
				toDeactivate = append(toDeactivate, sym)
			}
		}
		rows.Close()

		for _, sym := range toDeactivate {
			if _, err := tx.ExecContext(ctx,
				`UPDATE symbols SET status = ?, updated_at = ? WHERE symbol = ? AND venue = ?`,
				model.SymbolInactive, time.Now().UnixMilli(), sym, venue); err != nil {
				return fmt.Errorf("deactivate %s/%s: %w", sym, venue, err)
			}
		}
		return nil
	})
}

// ListActiveSymbols returns every ACTIVE symbol for venue.
func (s *Store) ListActiveSymbols(ctx context.Context, venue model.Venue) ([]model.Symbol, error) {
	return s.querySymbols(ctx, `SELECT * FROM symbols WHERE venue = ? AND status = ?`, venue, model.SymbolActive)
}

// ListAllSymbols returns every known symbol for venue regardless of status.
func (s *Store) ListAllSymbols(ctx context.Context, venue model.Venue) ([]model.Symbol, error) {
	return s.querySymbols(ctx, `SELECT * FROM symbols WHERE venue = ?`, venue)
}

type symbolRow struct {
	Symbol       string  `db:"symbol"`
	Venue        string  `db:"venue"`
	BaseAsset    string  `db:"base_asset"`
	QuoteAsset   string  `db:"quote_asset"`
	Status       string  `db:"status"`
	ContractType *string `db:"contract_type"`
	DeliveryDate *int64  `db:"delivery_date"`
	OnboardDate  *int64  `db:"onboard_date"`
	TickSize     float64 `db:"tick_size"`
	StepSize     float64 `db:"step_size"`
	MinNotional  float64 `db:"min_notional"`
	UpdatedAt    int64   `db:"updated_at"`
}

func (s *Store) querySymbols(ctx context.Context, query string, args ...interface{}) ([]model.Symbol, error) {
	var rows []symbolRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	out := make([]model.Symbol, 0, len(rows))
	for _, r := range rows {
		sym := model.Symbol{
			Symbol:      r.Symbol,
			Venue:       model.Venue(r.Venue),
			BaseAsset:   r.BaseAsset,
			QuoteAsset:  r.QuoteAsset,
			Status:      model.SymbolStatus(r.Status),
			TickSize:    r.TickSize,
			StepSize:    r.StepSize,
			MinNotional: r.MinNotional,
			UpdatedAt:   time.UnixMilli(r.UpdatedAt),
		}
		if r.ContractType != nil {
			sym.ContractType = *r.ContractType
		}
		if r.DeliveryDate != nil {
			t := time.UnixMilli(*r.DeliveryDate)
			sym.DeliveryDate = &t
		}
		if r.OnboardDate != nil {
			t := time.UnixMilli(*r.OnboardDate)
			sym.OnboardDate = &t
		}
		out = append(out, sym)
	}
	return out, nil
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}
