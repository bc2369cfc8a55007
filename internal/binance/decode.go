// Package binance implements the venue-specific REST and push clients:
// endpoint wiring, rate-limit weights, and wire decoding for Binance's
// spot/USDT-M/COIN-M APIs (spec.md §4.2-§4.4). The wire-decode field names
// are grounded on the teacher's binance_adapter.go event structs.
package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sawpanic/binancepipe/internal/model"
)

// aggTradeEvent mirrors Binance's <symbol>@aggTrade push payload.
type aggTradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// tradeEvent mirrors Binance's <symbol>@trade push payload.
type tradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// forceOrderEvent mirrors Binance's <symbol>@forceOrder liquidation push
// payload (futures only).
type forceOrderEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol           string `json:"s"`
		Side             string `json:"S"`
		OrderType        string `json:"o"`
		TimeInForce      string `json:"f"`
		OrigQty          string `json:"q"`
		Price            string `json:"p"`
		LastFilledPrice  string `json:"L"`
		AvgPrice         string `json:"ap"`
		OrderStatus      string `json:"X"`
		LastFilledQty    string `json:"l"`
		FilledAccumQty   string `json:"z"`
		OrderTradeTime   int64  `json:"T"`
		OrderID          int64  `json:"i"`
	} `json:"o"`
}

// DecodeStreamMessage inspects the "e" event-type discriminator and decodes
// into the matching typed event. Unknown event types and malformed payloads
// return an error; callers log at warn and drop the message per spec.md §7.
func DecodeStreamMessage(venue model.Venue, raw []byte) (interface{}, error) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("binance: decode envelope: %w", err)
	}

	switch head.EventType {
	case "aggTrade":
		var ev aggTradeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("binance: decode aggTrade: %w", err)
		}
		return toAggregatedTrade(venue, ev)
	case "trade":
		var ev tradeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("binance: decode trade: %w", err)
		}
		return toTrade(venue, ev)
	case "forceOrder":
		var ev forceOrderEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("binance: decode forceOrder: %w", err)
		}
		return toLiquidationEvent(venue, ev)
	default:
		return nil, fmt.Errorf("binance: unknown event type %q", head.EventType)
	}
}

func toAggregatedTrade(venue model.Venue, ev aggTradeEvent) (model.AggregatedTrade, error) {
	price, err := parseOptionalFloat(ev.Price)
	if err != nil {
		return model.AggregatedTrade{}, fmt.Errorf("binance: aggTrade price: %w", err)
	}
	qty, err := parseOptionalFloat(ev.Quantity)
	if err != nil {
		return model.AggregatedTrade{}, fmt.Errorf("binance: aggTrade quantity: %w", err)
	}
	return model.AggregatedTrade{
		Symbol:       ev.Symbol,
		Venue:        venue,
		TradeID:      ev.AggTradeID,
		Price:        price,
		Quantity:     qty,
		FirstTradeID: ev.FirstTradeID,
		LastTradeID:  ev.LastTradeID,
		TradeTime:    ev.TradeTime,
		IsBuyerMaker: ev.IsBuyerMaker,
		Source:       model.SourcePush,
	}, nil
}

func toTrade(venue model.Venue, ev tradeEvent) (model.Trade, error) {
	price, err := parseOptionalFloat(ev.Price)
	if err != nil {
		return model.Trade{}, fmt.Errorf("binance: trade price: %w", err)
	}
	qty, err := parseOptionalFloat(ev.Quantity)
	if err != nil {
		return model.Trade{}, fmt.Errorf("binance: trade quantity: %w", err)
	}
	direction := model.DirectionBuy
	if ev.IsBuyerMaker {
		// the taker crossed a resting buy order: taker side is sell.
		direction = model.DirectionSell
	}
	return model.Trade{
		Symbol:     ev.Symbol,
		Venue:      venue,
		TradeID:    ev.TradeID,
		Timestamp:  ev.TradeTime,
		Price:      price,
		Amount:     qty,
		Direction:  direction,
		StreamType: model.StreamTrade,
	}, nil
}

func toLiquidationEvent(venue model.Venue, ev forceOrderEvent) (model.LiquidationEvent, error) {
	o := ev.Order
	price, err := firstNonZeroFloat(o.Price, o.LastFilledPrice, o.AvgPrice)
	if err != nil {
		return model.LiquidationEvent{}, fmt.Errorf("binance: forceOrder price: %w", err)
	}
	origQty, err := parseOptionalFloat(o.OrigQty)
	if err != nil {
		return model.LiquidationEvent{}, fmt.Errorf("binance: forceOrder origQty: %w", err)
	}
	filledQty, err := parseOptionalFloat(o.FilledAccumQty)
	if err != nil {
		return model.LiquidationEvent{}, fmt.Errorf("binance: forceOrder filledQty: %w", err)
	}
	eventID := liquidationEventID(venue, o.Symbol, o.Side, o.OrderID, ev.EventTime, o.OrderTradeTime, filledQty)
	return model.LiquidationEvent{
		EventID:     eventID,
		Symbol:      o.Symbol,
		Venue:       venue,
		Side:        o.Side,
		Price:       price,
		OriginalQty: origQty,
		FilledQty:   filledQty,
		OrderID:     o.OrderID,
		EventTime:   ev.EventTime,
		TradeTime:   o.OrderTradeTime,
	}, nil
}

// liquidationEventID derives the dedup key per spec.md §3's two documented
// shapes: venue:orderId when an order id is present, else a composite of
// every field that distinguishes one zero-orderId liquidation from another
// (I6/P6 — dropping any of side/filledQty/eventTime risks collisions).
func liquidationEventID(venue model.Venue, symbol, side string, orderID, eventTime, tradeTime int64, filledQty float64) string {
	if orderID != 0 {
		return fmt.Sprintf("%s:%d", venue, orderID)
	}
	return fmt.Sprintf("%s:%s-%d-%d-%s-%s", venue, symbol, eventTime, tradeTime, side, strconv.FormatFloat(filledQty, 'f', -1, 64))
}

// firstNonZeroFloat implements the liquidation price fallback chain of
// spec.md §4.4 (p -> L -> ap -> 0): the first candidate that parses to a
// non-zero value wins.
func firstNonZeroFloat(candidates ...string) (float64, error) {
	for _, c := range candidates {
		v, err := parseOptionalFloat(c)
		if err != nil {
			return 0, err
		}
		if v != 0 {
			return v, nil
		}
	}
	return 0, nil
}

// parseOptionalFloat converts a possibly-empty Binance numeric-as-string
// field to float64, per spec.md §9's "optional number from possibly-string
// value" conversion utility note.
func parseOptionalFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse float %q: %w", s, err)
	}
	return v, nil
}
