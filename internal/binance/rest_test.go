package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/binancepipe/internal/circuit"
	"github.com/sawpanic/binancepipe/internal/httpx"
	"github.com/sawpanic/binancepipe/internal/model"
	"github.com/sawpanic/binancepipe/internal/ratelimit"
)

func newRestClientForPath(t *testing.T, handler http.HandlerFunc) *RestClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	limiter := ratelimit.New()
	for _, key := range []string{"candles:SPOT", "aggTrades:SPOT", "aggTrades:USDT-M", "ratio:position", "ratio:account"} {
		limiter.Register(key, ratelimit.EndpointConfig{Capacity: 100, RefillIntervalMs: 1000})
	}
	client := httpx.New("binance", limiter, circuit.NewManager())
	urls := BaseURLs{Spot: server.URL, USDTM: server.URL, CoinM: server.URL}
	return NewRestClient(urls, client)
}

func TestRestClient_FetchCandles(t *testing.T) {
	rows := [][]interface{}{
		{float64(1000), "1.0", "2.0", "0.5", "1.5", "10.0", float64(1059), "15.0", float64(3)},
	}
	rest := newRestClientForPath(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rows)
	})

	candles, err := rest.FetchCandles(context.Background(), "BTCUSDT", model.Interval1m, model.VenueSpot, 0)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	require.Equal(t, 1.5, candles[0].Close)
	require.Equal(t, int64(3), candles[0].TradeCount)
}

func TestRestClient_FetchAggregatedTrades(t *testing.T) {
	const body = `[{"a":1,"p":"100.5","q":"0.2","f":1,"l":1,"T":1000,"m":false}]`
	rest := newRestClientForPath(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})

	trades, err := rest.FetchAggregatedTrades(context.Background(), "BTCUSDT", model.VenueSpot, 0, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, int64(1), trades[0].TradeID)
	require.Equal(t, model.SourceRest, trades[0].Source)
}

func TestRestClient_FetchTopTraderPositions(t *testing.T) {
	const body = `[{"symbol":"BTCUSDT","longAccount":"0.6","shortAccount":"0.4","longShortRatio":"1.5","timestamp":1000}]`
	rest := newRestClientForPath(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})

	samples, err := rest.FetchTopTraderPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, model.RatioPosition, samples[0].Series)
	require.Equal(t, 1.5, samples[0].LongShortRatio)
}
