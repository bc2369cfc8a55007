package collector

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sawpanic/binancepipe/internal/model"
)

// excludedAssets is the fixed stablecoin set plus BTC, excluded from
// historical-trade target resolution by default (spec.md §4.8).
var excludedAssets = map[string]bool{
	"BTC": true, "USDT": true, "USDC": true, "FDUSD": true, "TUSD": true,
	"DAI": true, "BUSD": true, "USDD": true, "USDP": true, "GUSD": true,
	"LUSD": true, "USDX": true, "EURT": true, "PYUSD": true,
}

// RankedAsset is one row of the external ranked-asset list.
type RankedAsset struct {
	Rank   int
	Name   string
	Symbol string // base asset, e.g. "BTC"
}

// ParseRankedAssets reads a CSV with header row and at least
// (rank, name, symbol) columns, RFC 4180 double-quote escaping supported
// via encoding/csv.
func ParseRankedAssets(r io.Reader) ([]RankedAsset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	rankIdx, ok := idx["rank"]
	if !ok {
		return nil, fmt.Errorf("missing required column: rank")
	}
	nameIdx, ok := idx["name"]
	if !ok {
		return nil, fmt.Errorf("missing required column: name")
	}
	symbolIdx, ok := idx["symbol"]
	if !ok {
		return nil, fmt.Errorf("missing required column: symbol")
	}

	var out []RankedAsset
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		rank, err := strconv.Atoi(strings.TrimSpace(rec[rankIdx]))
		if err != nil {
			return nil, fmt.Errorf("parse rank %q: %w", rec[rankIdx], err)
		}
		out = append(out, RankedAsset{
			Rank:   rank,
			Name:   rec[nameIdx],
			Symbol: strings.ToUpper(strings.TrimSpace(rec[symbolIdx])),
		})
	}
	return out, nil
}

// Target is one (asset, venue symbol, venue) pair HistoricalTradeCollector
// iterates.
type Target struct {
	Asset  string
	Symbol string
	Venue  model.Venue
}

// ResolveTargets implements spec.md §4.8: pair each ranked asset against
// active SPOT (quote=USDT) and USDT-margined (PERPETUAL or unspecified
// contract) symbols by matching base asset. Excludes BTC and the fixed
// stablecoin set unless allowExcluded is set.
func ResolveTargets(assets []RankedAsset, spotSymbols, usdtmSymbols []model.Symbol, allowExcluded bool) []Target {
	spotByBase := indexByBaseAsset(spotSymbols, func(s model.Symbol) bool {
		return s.QuoteAsset == "USDT"
	})
	usdtmByBase := indexByBaseAsset(usdtmSymbols, func(s model.Symbol) bool {
		return s.ContractType == "PERPETUAL" || s.ContractType == ""
	})

	var targets []Target
	for _, a := range assets {
		if !allowExcluded && excludedAssets[a.Symbol] {
			continue
		}
		if s, ok := spotByBase[a.Symbol]; ok {
			targets = append(targets, Target{Asset: a.Symbol, Symbol: s.Symbol, Venue: model.VenueSpot})
		}
		if s, ok := usdtmByBase[a.Symbol]; ok {
			targets = append(targets, Target{Asset: a.Symbol, Symbol: s.Symbol, Venue: model.VenueUSDTM})
		}
	}
	return targets
}

func indexByBaseAsset(symbols []model.Symbol, keep func(model.Symbol) bool) map[string]model.Symbol {
	out := make(map[string]model.Symbol, len(symbols))
	for _, s := range symbols {
		if !keep(s) {
			continue
		}
		if _, exists := out[s.BaseAsset]; !exists {
			out[s.BaseAsset] = s
		}
	}
	return out
}
