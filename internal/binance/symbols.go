package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/binancepipe/internal/model"
)

// exchangeInfoSymbol mirrors the subset of Binance's exchangeInfo response
// SymbolRegistry needs.
type exchangeInfoSymbol struct {
	Symbol          string   `json:"symbol"`
	BaseAsset       string   `json:"baseAsset"`
	QuoteAsset      string   `json:"quoteAsset"`
	Status          string   `json:"status"`
	ContractType    string   `json:"contractType"`
	DeliveryDate    int64    `json:"deliveryDate"`
	OnboardDate     int64    `json:"onboardDate"`
	IsSpotTrading   bool     `json:"isSpotTradingAllowed"`
	Permissions     []string `json:"permissions"`
	PermissionSets  [][]string `json:"permissionSets"`
	Filters         []exchangeInfoFilter `json:"filters"`
}

type exchangeInfoFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
	Notional    string `json:"notional"`
}

type exchangeInfoResponse struct {
	Symbols []exchangeInfoSymbol `json:"symbols"`
}

// FetchExchangeInfo loads and normalizes venue's symbol catalog (spec.md
// §4.3: spot-eligibility via permission flags, exchange status mapped to
// ACTIVE/INACTIVE).
func (c *RestClient) FetchExchangeInfo(ctx context.Context, venue model.Venue) ([]model.Symbol, error) {
	base, err := c.baseURL(venue)
	if err != nil {
		return nil, err
	}
	path, err := exchangeInfoPath(venue)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build exchangeInfo request: %w", err)
	}
	body, _, err := c.client.Do(ctx, "exchangeInfo:"+string(venue), string(venue), 10, 0, req)
	if err != nil {
		return nil, fmt.Errorf("binance: fetch exchangeInfo %s: %w", venue, err)
	}

	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance: decode exchangeInfo: %w", err)
	}

	now := time.Now()
	symbols := make([]model.Symbol, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if venue == model.VenueSpot && !isSpotEligible(s) {
			continue
		}
		sym, err := s.toModel(venue, now)
		if err != nil {
			log.Warn().Err(err).Str("symbol", s.Symbol).Msg("binance: skipping malformed symbol")
			continue
		}
		symbols = append(symbols, sym)
	}
	return symbols, nil
}

func exchangeInfoPath(venue model.Venue) (string, error) {
	switch venue {
	case model.VenueSpot:
		return "/api/v3/exchangeInfo", nil
	case model.VenueUSDTM:
		return "/fapi/v1/exchangeInfo", nil
	case model.VenueCoinM:
		return "/dapi/v1/exchangeInfo", nil
	default:
		return "", fmt.Errorf("binance: unknown venue %q", venue)
	}
}

// isSpotEligible mirrors spec.md §4.3: a symbol is spot-eligible if it
// declares SPOT permission directly, within a permission set, or via the
// legacy isSpotTradingAllowed flag.
func isSpotEligible(s exchangeInfoSymbol) bool {
	if s.IsSpotTrading {
		return true
	}
	for _, p := range s.Permissions {
		if p == "SPOT" {
			return true
		}
	}
	for _, set := range s.PermissionSets {
		for _, p := range set {
			if p == "SPOT" {
				return true
			}
		}
	}
	return false
}

func (s exchangeInfoSymbol) toModel(venue model.Venue, now time.Time) (model.Symbol, error) {
	status := model.SymbolInactive
	if s.Status == "TRADING" {
		status = model.SymbolActive
	}

	sym := model.Symbol{
		Symbol:       s.Symbol,
		Venue:        venue,
		BaseAsset:    s.BaseAsset,
		QuoteAsset:   s.QuoteAsset,
		Status:       status,
		ContractType: s.ContractType,
		UpdatedAt:    now,
	}
	if s.DeliveryDate > 0 {
		t := time.UnixMilli(s.DeliveryDate)
		sym.DeliveryDate = &t
	}
	if s.OnboardDate > 0 {
		t := time.UnixMilli(s.OnboardDate)
		sym.OnboardDate = &t
	}

	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			if v, err := parseOptionalFloat(f.TickSize); err == nil {
				sym.TickSize = v
			}
		case "LOT_SIZE":
			if v, err := parseOptionalFloat(f.StepSize); err == nil {
				sym.StepSize = v
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			minNotional := f.MinNotional
			if minNotional == "" {
				minNotional = f.Notional
			}
			if v, err := parseOptionalFloat(minNotional); err == nil {
				sym.MinNotional = v
			}
		}
	}

	return sym, nil
}
