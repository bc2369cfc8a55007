package binance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/binancepipe/internal/model"
)

func TestDecodeStreamMessage_AggTrade(t *testing.T) {
	raw := []byte(`{"e":"aggTrade","E":1000,"s":"BTCUSDT","a":5,"p":"50000.5","q":"0.01","f":10,"l":12,"T":999,"m":true}`)
	v, err := DecodeStreamMessage(model.VenueSpot, raw)
	require.NoError(t, err)
	trade := v.(model.AggregatedTrade)
	require.Equal(t, int64(5), trade.TradeID)
	require.Equal(t, 50000.5, trade.Price)
	require.Equal(t, 0.01, trade.Quantity)
	require.True(t, trade.IsBuyerMaker)
	require.Equal(t, model.SourcePush, trade.Source)
}

func TestDecodeStreamMessage_Trade_DirectionMapping(t *testing.T) {
	raw := []byte(`{"e":"trade","E":1000,"s":"BTCUSDT","t":7,"p":"1.5","q":"2","T":999,"m":true}`)
	v, err := DecodeStreamMessage(model.VenueSpot, raw)
	require.NoError(t, err)
	trade := v.(model.Trade)
	require.Equal(t, model.DirectionSell, trade.Direction)

	raw2 := []byte(`{"e":"trade","E":1000,"s":"BTCUSDT","t":8,"p":"1.5","q":"2","T":999,"m":false}`)
	v2, err := DecodeStreamMessage(model.VenueSpot, raw2)
	require.NoError(t, err)
	require.Equal(t, model.DirectionBuy, v2.(model.Trade).Direction)
}

func TestDecodeStreamMessage_ForceOrder_PriceFallback(t *testing.T) {
	raw := []byte(`{"e":"forceOrder","E":1000,"o":{"s":"BTCUSDT","S":"SELL","o":"LIMIT","f":"IOC","q":"1.0","p":"0","L":"25000.0","ap":"24999.0","X":"FILLED","l":"1.0","z":"1.0","T":999,"i":42}}`)
	v, err := DecodeStreamMessage(model.VenueUSDTM, raw)
	require.NoError(t, err)
	ev := v.(model.LiquidationEvent)
	require.Equal(t, 25000.0, ev.Price, "falls back to L when p is zero")
	require.Equal(t, "BTCUSDT", ev.Symbol)
	require.NotEmpty(t, ev.EventID)
}

func TestDecodeStreamMessage_ForceOrder_EventIDShapes(t *testing.T) {
	withOrderID := []byte(`{"e":"forceOrder","E":1000,"o":{"s":"BTCUSDT","S":"SELL","o":"LIMIT","f":"IOC","q":"1.0","p":"25000.0","L":"0","ap":"0","X":"FILLED","l":"1.0","z":"1.0","T":999,"i":42}}`)
	v, err := DecodeStreamMessage(model.VenueUSDTM, withOrderID)
	require.NoError(t, err)
	ev := v.(model.LiquidationEvent)
	require.Equal(t, "USDT-M:42", ev.EventID)

	noOrderID := []byte(`{"e":"forceOrder","E":1000,"o":{"s":"BTCUSDT","S":"SELL","o":"LIMIT","f":"IOC","q":"1.0","p":"25000.0","L":"0","ap":"0","X":"FILLED","l":"1.0","z":"1.0","T":999,"i":0}}`)
	v2, err := DecodeStreamMessage(model.VenueUSDTM, noOrderID)
	require.NoError(t, err)
	ev2 := v2.(model.LiquidationEvent)
	require.Equal(t, "USDT-M:BTCUSDT-1000-999-SELL-1", ev2.EventID)
	require.NotEqual(t, ev.EventID, ev2.EventID)
}

func TestDecodeStreamMessage_UnknownEventType(t *testing.T) {
	_, err := DecodeStreamMessage(model.VenueSpot, []byte(`{"e":"depthUpdate"}`))
	require.Error(t, err)
}

func TestDecodeStreamMessage_MalformedJSON(t *testing.T) {
	_, err := DecodeStreamMessage(model.VenueSpot, []byte(`not json`))
	require.Error(t, err)
}
