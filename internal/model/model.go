// Package model holds the shared domain types persisted by Store and
// produced/consumed by the collectors, CVD worker, and alert dispatcher.
package model

import "time"

// Venue is one of the three Binance market types this pipeline ingests.
type Venue string

const (
	VenueSpot   Venue = "SPOT"
	VenueUSDTM  Venue = "USDT-M"
	VenueCoinM  Venue = "COIN-M"
)

// SymbolStatus mirrors the exchange trading-status lifecycle (I1).
type SymbolStatus string

const (
	SymbolActive   SymbolStatus = "ACTIVE"
	SymbolInactive SymbolStatus = "INACTIVE"
)

// Symbol is a venue instrument. Primary key is (Symbol, Venue); see I1.
type Symbol struct {
	Symbol          string
	Venue           Venue
	BaseAsset       string
	QuoteAsset      string
	Status          SymbolStatus
	ContractType    string // e.g. PERPETUAL; empty for spot
	DeliveryDate    *time.Time
	OnboardDate     *time.Time
	TickSize        float64
	StepSize        float64
	MinNotional     float64
	UpdatedAt       time.Time
}

// CandleInterval enumerates the supported candle intervals.
type CandleInterval string

const (
	Interval1m  CandleInterval = "1m"
	Interval30m CandleInterval = "30m"
	Interval1d  CandleInterval = "1d"
)

// Candle is a single OHLCV bar. Primary key per interval table is
// (Symbol, OpenTime); see I2.
type Candle struct {
	Symbol       string
	Venue        Venue
	Interval     CandleInterval
	OpenTime     int64 // epoch millis
	CloseTime    int64
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
	QuoteVolume  float64
	TradeCount   int64
}

// TradeSource distinguishes push-origin trades from REST-backfilled ones.
type TradeSource string

const (
	SourcePush TradeSource = "push"
	SourceRest TradeSource = "rest"
)

// AggregatedTrade is the historical aggregated-trade record. Primary key is
// (Symbol, Venue, TradeID); see P5.
type AggregatedTrade struct {
	Symbol       string
	Venue        Venue
	TradeID      int64
	Price        float64
	Quantity     float64
	FirstTradeID int64
	LastTradeID  int64
	TradeTime    int64 // epoch millis
	IsBuyerMaker bool
	IsBestMatch  bool
	Source       TradeSource
}

// Direction is the aggressor side of a real-time trade.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// StreamType distinguishes the push-channel kind a trade arrived on.
type StreamType string

const (
	StreamAggTrade StreamType = "aggTrade"
	StreamTrade    StreamType = "trade"
)

// StreamFilter names one (symbol, venue, streamType) trade stream. Used to
// scan trade_data across every stream an aggregator watches in a single
// row_id-ordered range (spec.md §4.9/§5).
type StreamFilter struct {
	Symbol     string
	Venue      Venue
	StreamType StreamType
}

// Trade is a real-time trade row. Primary key is (Symbol, Venue, TradeID);
// RowID is assigned by Store on insert and is strictly monotone (I3) —
// CVDWorker cursors on it (P3).
type Trade struct {
	RowID      int64
	Symbol     string
	Venue      Venue
	TradeID    int64
	Timestamp  int64 // epoch millis
	Price      float64
	Amount     float64
	Direction  Direction
	StreamType StreamType
}

// LiquidationEvent is a force-order (liquidation) event. EventID is derived
// per spec.md §3 and is the dedup key (I6/P6).
type LiquidationEvent struct {
	EventID         string
	Symbol          string
	Venue           Venue
	Side            string // BUY or SELL
	Price           float64
	OriginalQty     float64
	FilledQty       float64
	OrderID         int64 // 0 if absent
	EventTime       int64
	TradeTime       int64
}

// RatioSeries distinguishes the two long/short ratio series RatioCollector
// pulls.
type RatioSeries string

const (
	RatioPosition RatioSeries = "position"
	RatioAccount  RatioSeries = "account"
)

// RatioSample is one long/short ratio observation.
type RatioSample struct {
	Symbol      string
	Series      RatioSeries
	Timestamp   int64
	LongAccount float64
	ShortAccount float64
	LongShortRatio float64
}

// TriggerSource names which series crossed the alert threshold.
type TriggerSource string

const (
	TriggerCumulative TriggerSource = "cumulative"
	TriggerDelta      TriggerSource = "delta"
)

// CvdRecord is one persisted point of an aggregator's CVD series.
type CvdRecord struct {
	AggregatorID string
	Timestamp    int64
	CvdValue     float64
	ZScore       float64
	Delta        float64
	DeltaZScore  float64
}

// AlertQueueRecord is a durable, at-least-once alert queue entry (§3, I5/I6).
type AlertQueueRecord struct {
	ID              int64
	AlertType       string
	Symbol          string // aggregator id
	Timestamp       int64
	TriggerSource   TriggerSource
	TriggerZScore   float64
	ZScore          float64
	Delta           float64
	DeltaZScore     float64
	Threshold       float64
	RawThreshold    float64
	CumulativeValue float64
	Payload         string // JSON
	AttemptCount    int
	LastError       string
	ProcessedAt     *int64
	CreatedAt       int64
}

// AlertHistoryRecord is a permanent log of successfully dispatched alerts.
type AlertHistoryRecord struct {
	ID        int64
	AlertType string
	Symbol    string
	Timestamp int64
	Payload   string
	SentAt    int64
}

// ProcessingState is a resumable cursor keyed by (ProcessName, Key); see I4.
type ProcessingState struct {
	ProcessName   string
	Key           string
	LastRowID     int64
	LastTimestamp int64
	UpdatedAt     int64
}

// CvdAlertPayload is the full payload persisted alongside an
// AlertQueueRecord and handed to the webhook sink; round-trips bit-exactly
// (P7).
type CvdAlertPayload struct {
	AggregatorID    string        `json:"aggregatorId"`
	AlertType       string        `json:"alertType"`
	Timestamp       int64         `json:"timestamp"`
	TriggerSource   TriggerSource `json:"triggerSource"`
	TriggerZScore   float64       `json:"triggerZScore"`
	ZScore          float64       `json:"zScore"`
	Delta           float64       `json:"delta"`
	DeltaZScore     float64       `json:"deltaZScore"`
	Threshold       float64       `json:"threshold"`
	RawThreshold    float64       `json:"rawThreshold"`
	LogTriggerZScore float64      `json:"logTriggerZScore"`
	RawTriggerZScore float64      `json:"rawTriggerZScore"`
	CumulativeValue float64       `json:"cumulativeValue"`
}
