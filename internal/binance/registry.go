package binance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/binancepipe/internal/model"
	"github.com/sawpanic/binancepipe/internal/store"
)

// SymbolRegistryStore is the subset of *store.Store the registry needs,
// narrowed so tests can substitute a fake.
type SymbolRegistryStore interface {
	UpsertSymbols(ctx context.Context, symbols []model.Symbol) error
	DeactivateMissing(ctx context.Context, venue model.Venue, liveSymbols map[string]bool) error
}

var _ SymbolRegistryStore = (*store.Store)(nil)

// SymbolRegistry loads the three venues' symbol catalogs concurrently,
// upserts them, then deactivates symbols absent from the freshest catalog
// (spec.md §4.3, I1).
type SymbolRegistry struct {
	rest  *RestClient
	store SymbolRegistryStore
}

// NewSymbolRegistry builds a SymbolRegistry over rest and store.
func NewSymbolRegistry(rest *RestClient, st SymbolRegistryStore) *SymbolRegistry {
	return &SymbolRegistry{rest: rest, store: st}
}

// Updated is emitted after a successful refresh so downstream components
// may recompute subscriptions.
type Updated struct {
	Venues []model.Venue
	At     time.Time
}

type venueResult struct {
	venue   model.Venue
	symbols []model.Symbol
	err     error
}

// RefreshAll loads all three venues concurrently and applies upsert +
// deactivation per venue. A per-venue fetch failure is logged and that
// venue is skipped; other venues still refresh.
func (r *SymbolRegistry) RefreshAll(ctx context.Context) (*Updated, error) {
	venues := []model.Venue{model.VenueSpot, model.VenueUSDTM, model.VenueCoinM}
	results := make(chan venueResult, len(venues))

	for _, v := range venues {
		go func(v model.Venue) {
			symbols, err := r.rest.FetchExchangeInfo(ctx, v)
			results <- venueResult{venue: v, symbols: symbols, err: err}
		}(v)
	}

	var succeeded []model.Venue
	var firstErr error
	for range venues {
		res := <-results
		if res.err != nil {
			log.Error().Err(res.err).Str("venue", string(res.venue)).Msg("symbol registry: fetch failed")
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		if err := r.applyVenue(ctx, res.venue, res.symbols); err != nil {
			log.Error().Err(err).Str("venue", string(res.venue)).Msg("symbol registry: apply failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		succeeded = append(succeeded, res.venue)
	}

	if len(succeeded) == 0 {
		return nil, fmt.Errorf("symbol registry: all venues failed: %w", firstErr)
	}
	return &Updated{Venues: succeeded, At: time.Now()}, nil
}

func (r *SymbolRegistry) applyVenue(ctx context.Context, venue model.Venue, symbols []model.Symbol) error {
	if err := r.store.UpsertSymbols(ctx, symbols); err != nil {
		return fmt.Errorf("upsert %s: %w", venue, err)
	}
	live := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		live[s.Symbol] = true
	}
	if err := r.store.DeactivateMissing(ctx, venue, live); err != nil {
		return fmt.Errorf("deactivate missing %s: %w", venue, err)
	}
	return nil
}

// RunDaily runs RefreshAll immediately, then schedules the next run at the
// configured UTC hour each day. A failed run re-schedules 6 hours later
// (spec.md §4.3).
func (r *SymbolRegistry) RunDaily(ctx context.Context, hourUTC int, onUpdate func(*Updated)) {
	for {
		updated, err := r.RefreshAll(ctx)
		var wait time.Duration
		if err != nil {
			log.Error().Err(err).Msg("symbol registry: daily refresh failed, retrying in 6h")
			wait = 6 * time.Hour
		} else {
			if onUpdate != nil {
				onUpdate(updated)
			}
			wait = untilNextHour(time.Now(), hourUTC)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func untilNextHour(now time.Time, hourUTC int) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
