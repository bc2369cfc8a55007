package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sawpanic/binancepipe/internal/httpx"
	"github.com/sawpanic/binancepipe/internal/model"
)

// BaseURLs holds the three venue REST hosts (spec.md §4.2).
type BaseURLs struct {
	Spot   string
	USDTM  string
	CoinM  string
}

// DefaultBaseURLs returns Binance's vendor-default REST hosts.
func DefaultBaseURLs() BaseURLs {
	return BaseURLs{
		Spot:  "https://api.binance.com",
		USDTM: "https://fapi.binance.com",
		CoinM: "https://dapi.binance.com",
	}
}

// RestClient is a thin venue-aware wrapper around httpx.Client exposing the
// four read operations spec.md §4.2 names.
type RestClient struct {
	urls   BaseURLs
	client *httpx.Client
}

// NewRestClient builds a RestClient sharing client's rate limiter/circuit
// breaker across every venue call.
func NewRestClient(urls BaseURLs, client *httpx.Client) *RestClient {
	return &RestClient{urls: urls, client: client}
}

func (c *RestClient) baseURL(venue model.Venue) (string, error) {
	switch venue {
	case model.VenueSpot:
		return c.urls.Spot, nil
	case model.VenueUSDTM:
		return c.urls.USDTM, nil
	case model.VenueCoinM:
		return c.urls.CoinM, nil
	default:
		return "", fmt.Errorf("binance: unknown venue %q", venue)
	}
}

// FetchCandles fetches klines for symbol/interval/venue starting at
// startTime (0 = exchange default). Weight 2.
func (c *RestClient) FetchCandles(ctx context.Context, symbol string, interval model.CandleInterval, venue model.Venue, startTime int64) ([]model.Candle, error) {
	base, err := c.baseURL(venue)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", string(interval))
	if startTime > 0 {
		q.Set("startTime", strconv.FormatInt(startTime, 10))
	}

	path, err := klinesPath(venue)
	if err != nil {
		return nil, err
	}
	body, err := c.get(ctx, base, path, q, "candles:"+string(venue), symbol, 2)
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode klines: %w", err)
	}

	candles := make([]model.Candle, 0, len(raw))
	for _, row := range raw {
		c, err := decodeKlineRow(symbol, venue, interval, row)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func klinesPath(venue model.Venue) (string, error) {
	switch venue {
	case model.VenueSpot:
		return "/api/v3/klines", nil
	case model.VenueUSDTM:
		return "/fapi/v1/klines", nil
	case model.VenueCoinM:
		return "/dapi/v1/klines", nil
	default:
		return "", fmt.Errorf("binance: unknown venue %q", venue)
	}
}

func decodeKlineRow(symbol string, venue model.Venue, interval model.CandleInterval, row []interface{}) (model.Candle, error) {
	if len(row) < 9 {
		return model.Candle{}, fmt.Errorf("binance: kline row too short (%d fields)", len(row))
	}
	num := func(i int) (float64, error) {
		s, ok := row[i].(string)
		if !ok {
			return 0, fmt.Errorf("binance: kline field %d not a string", i)
		}
		return parseOptionalFloat(s)
	}
	open, err := num(1)
	if err != nil {
		return model.Candle{}, err
	}
	high, err := num(2)
	if err != nil {
		return model.Candle{}, err
	}
	low, err := num(3)
	if err != nil {
		return model.Candle{}, err
	}
	closeV, err := num(4)
	if err != nil {
		return model.Candle{}, err
	}
	volume, err := num(5)
	if err != nil {
		return model.Candle{}, err
	}
	quoteVolume, err := num(7)
	if err != nil {
		return model.Candle{}, err
	}

	openTime, _ := row[0].(float64)
	closeTime, _ := row[6].(float64)
	tradeCount, _ := row[8].(float64)

	return model.Candle{
		Symbol:      symbol,
		Venue:       venue,
		Interval:    interval,
		OpenTime:    int64(openTime),
		CloseTime:   int64(closeTime),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closeV,
		Volume:      volume,
		QuoteVolume: quoteVolume,
		TradeCount:  int64(tradeCount),
	}, nil
}

// FetchAggregatedTrades fetches aggregated trades for symbol/venue within
// the given window/cursor. Weight 2 (spot) / 20 (usdt-m).
func (c *RestClient) FetchAggregatedTrades(ctx context.Context, symbol string, venue model.Venue, startTime, endTime, fromID int64, limit int) ([]model.AggregatedTrade, error) {
	base, err := c.baseURL(venue)
	if err != nil {
		return nil, err
	}
	path, weight, err := aggTradesPathAndWeight(venue)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(limit))
	if fromID > 0 {
		q.Set("fromId", strconv.FormatInt(fromID, 10))
	}
	if startTime > 0 {
		q.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		q.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	body, err := c.get(ctx, base, path, q, "aggTrades:"+string(venue), symbol, weight)
	if err != nil {
		return nil, err
	}

	var raw []aggTradeRestRow
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode aggTrades: %w", err)
	}

	trades := make([]model.AggregatedTrade, 0, len(raw))
	for _, r := range raw {
		t, err := r.toModel(symbol, venue)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func aggTradesPathAndWeight(venue model.Venue) (string, int, error) {
	switch venue {
	case model.VenueSpot:
		return "/api/v3/aggTrades", 2, nil
	case model.VenueUSDTM:
		return "/fapi/v1/aggTrades", 20, nil
	default:
		return "", 0, fmt.Errorf("binance: aggTrades unsupported for venue %q", venue)
	}
}

type aggTradeRestRow struct {
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	Timestamp    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (r aggTradeRestRow) toModel(symbol string, venue model.Venue) (model.AggregatedTrade, error) {
	price, err := parseOptionalFloat(r.Price)
	if err != nil {
		return model.AggregatedTrade{}, fmt.Errorf("binance: aggTrade rest price: %w", err)
	}
	qty, err := parseOptionalFloat(r.Quantity)
	if err != nil {
		return model.AggregatedTrade{}, fmt.Errorf("binance: aggTrade rest quantity: %w", err)
	}
	return model.AggregatedTrade{
		Symbol:       symbol,
		Venue:        venue,
		TradeID:      r.AggTradeID,
		Price:        price,
		Quantity:     qty,
		FirstTradeID: r.FirstTradeID,
		LastTradeID:  r.LastTradeID,
		TradeTime:    r.Timestamp,
		IsBuyerMaker: r.IsBuyerMaker,
		Source:       model.SourceRest,
	}, nil
}

// FetchTopTraderPositions fetches the top-trader long/short position ratio
// (USDT-M only, period 5m, limit 12). Weight 20.
func (c *RestClient) FetchTopTraderPositions(ctx context.Context, symbol string) ([]model.RatioSample, error) {
	return c.fetchRatioSeries(ctx, symbol, "/futures/data/topLongShortPositionRatio", model.RatioPosition)
}

// FetchTopTraderAccounts fetches the top-trader long/short account ratio
// (USDT-M only, period 5m, limit 12). Weight 20.
func (c *RestClient) FetchTopTraderAccounts(ctx context.Context, symbol string) ([]model.RatioSample, error) {
	return c.fetchRatioSeries(ctx, symbol, "/futures/data/topLongShortAccountRatio", model.RatioAccount)
}

func (c *RestClient) fetchRatioSeries(ctx context.Context, symbol, path string, series model.RatioSeries) ([]model.RatioSample, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("period", "5m")
	q.Set("limit", "12")

	body, err := c.get(ctx, c.urls.USDTM, path, q, "ratio:"+string(series), symbol, 20)
	if err != nil {
		return nil, err
	}

	var raw []ratioRestRow
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode ratio series: %w", err)
	}

	out := make([]model.RatioSample, 0, len(raw))
	for _, r := range raw {
		s, err := r.toModel(symbol, series)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

type ratioRestRow struct {
	Symbol         string `json:"symbol"`
	LongAccount    string `json:"longAccount"`
	ShortAccount   string `json:"shortAccount"`
	LongShortRatio string `json:"longShortRatio"`
	Timestamp      int64  `json:"timestamp"`
}

func (r ratioRestRow) toModel(symbol string, series model.RatioSeries) (model.RatioSample, error) {
	long, err := parseOptionalFloat(r.LongAccount)
	if err != nil {
		return model.RatioSample{}, fmt.Errorf("binance: ratio long: %w", err)
	}
	short, err := parseOptionalFloat(r.ShortAccount)
	if err != nil {
		return model.RatioSample{}, fmt.Errorf("binance: ratio short: %w", err)
	}
	ratio, err := parseOptionalFloat(r.LongShortRatio)
	if err != nil {
		return model.RatioSample{}, fmt.Errorf("binance: ratio longShort: %w", err)
	}
	return model.RatioSample{
		Symbol:         symbol,
		Series:         series,
		Timestamp:      r.Timestamp,
		LongAccount:    long,
		ShortAccount:   short,
		LongShortRatio: ratio,
	}, nil
}

func (c *RestClient) get(ctx context.Context, base, path string, q url.Values, endpointKey, identifier string, weight int) ([]byte, error) {
	u := base + path
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request %s: %w", path, err)
	}
	body, _, err := c.client.Do(ctx, endpointKey, identifier, weight, 0, req)
	return body, err
}
