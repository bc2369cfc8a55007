package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/binancepipe/internal/model"
)

// ConnState is a PushClient connection's lifecycle state (spec.md §4.4).
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateReady        ConnState = "ready"
)

const (
	heartbeatInterval = 30 * time.Second
	reconnectBase     = 5 * time.Second
	reconnectCap      = 60 * time.Second
)

// WSBaseURLs holds the three venue push hosts.
type WSBaseURLs struct {
	Spot  string
	USDTM string
	CoinM string
}

// DefaultWSBaseURLs returns Binance's vendor-default push hosts.
func DefaultWSBaseURLs() WSBaseURLs {
	return WSBaseURLs{
		Spot:  "wss://stream.binance.com:9443/stream",
		USDTM: "wss://fstream.binance.com/stream",
		CoinM: "wss://dstream.binance.com/stream",
	}
}

// Subscription names one push channel: a symbol/venue pair and stream kind
// (aggTrade, trade, or forceOrder).
type Subscription struct {
	Symbol     string
	Venue      model.Venue
	StreamType model.StreamType
}

func (s Subscription) channel() string {
	kind := string(s.StreamType)
	if s.StreamType == "" {
		kind = "forceOrder"
	}
	return fmt.Sprintf("%s@%s", strings.ToLower(s.Symbol), kind)
}

// PushClient maintains one persistent multiplexed connection per venue,
// decoding incoming trade/liquidation events and delivering them on typed
// channels. Reconnect uses truncated exponential backoff per spec.md §4.4's
// recommendation over the source's fixed-delay variant.
type PushClient struct {
	urls WSBaseURLs

	Trades       chan model.Trade
	AggTrades    chan model.AggregatedTrade
	Liquidations chan model.LiquidationEvent

	mu     sync.Mutex
	states map[model.Venue]ConnState

	rnd *rand.Rand
}

// NewPushClient builds a PushClient. Callers read from Trades/AggTrades/
// Liquidations for as long as Run is active.
func NewPushClient(urls WSBaseURLs) *PushClient {
	return &PushClient{
		urls:         urls,
		Trades:       make(chan model.Trade, 1024),
		AggTrades:    make(chan model.AggregatedTrade, 1024),
		Liquidations: make(chan model.LiquidationEvent, 1024),
		states:       make(map[model.Venue]ConnState),
		rnd:          rand.New(rand.NewSource(1)),
	}
}

func (p *PushClient) setState(venue model.Venue, s ConnState) {
	p.mu.Lock()
	p.states[venue] = s
	p.mu.Unlock()
}

// State reports the current connection state for venue.
func (p *PushClient) State(venue model.Venue) ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[venue]; ok {
		return s
	}
	return StateDisconnected
}

// Run groups subs by venue and keeps one connection per venue alive until
// ctx is cancelled, reconnecting on unexpected close.
func (p *PushClient) Run(ctx context.Context, subs []Subscription) {
	byVenue := make(map[model.Venue][]Subscription)
	for _, s := range subs {
		byVenue[s.Venue] = append(byVenue[s.Venue], s)
	}

	var wg sync.WaitGroup
	for venue, vs := range byVenue {
		wg.Add(1)
		go func(venue model.Venue, vs []Subscription) {
			defer wg.Done()
			p.runVenue(ctx, venue, vs)
		}(venue, vs)
	}
	wg.Wait()
}

func (p *PushClient) baseURL(venue model.Venue) (string, error) {
	switch venue {
	case model.VenueSpot:
		return p.urls.Spot, nil
	case model.VenueUSDTM:
		return p.urls.USDTM, nil
	case model.VenueCoinM:
		return p.urls.CoinM, nil
	default:
		return "", fmt.Errorf("binance: unknown push venue %q", venue)
	}
}

func (p *PushClient) runVenue(ctx context.Context, venue model.Venue, subs []Subscription) {
	base, err := p.baseURL(venue)
	if err != nil {
		log.Error().Err(err).Str("venue", string(venue)).Msg("push: cannot start venue")
		return
	}

	channels := make([]string, len(subs))
	for i, s := range subs {
		channels[i] = s.channel()
	}
	url := fmt.Sprintf("%s?streams=%s", base, strings.Join(channels, "/"))

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			p.setState(venue, StateDisconnected)
			return
		default:
		}

		p.setState(venue, StateConnecting)
		closeCode, err := p.connectAndRead(ctx, venue, url)
		if ctx.Err() != nil {
			p.setState(venue, StateDisconnected)
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("venue", string(venue)).Msg("push: connection error")
		}
		p.setState(venue, StateDisconnected)

		if closeCode == websocket.CloseNormalClosure {
			return
		}

		attempt++
		delay := backoffDelay(attempt, p.rnd)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func backoffDelay(attempt int, rnd *rand.Rand) time.Duration {
	d := time.Duration(float64(reconnectBase) * math.Pow(2, float64(attempt-1)))
	if d > reconnectCap {
		d = reconnectCap
	}
	jitter := time.Duration(rnd.Int63n(int64(time.Second)))
	return d + jitter
}

// connectAndRead dials, marks ready, runs a heartbeat ping goroutine, and
// reads until the connection closes or ctx is cancelled. Returns the close
// code observed (or -1 if the loop exited via ctx cancellation).
func (p *PushClient) connectAndRead(ctx context.Context, venue model.Venue, url string) (int, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return -1, fmt.Errorf("push: dial %s: %w", url, err)
	}
	defer conn.Close()

	p.setState(venue, StateReady)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go p.heartbeat(hbCtx, conn)
	go func() {
		<-hbCtx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return ce.Code, nil
			}
			return -1, err
		}
		p.handleMessage(venue, message)
	}
}

func (p *PushClient) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (p *PushClient) handleMessage(venue model.Venue, raw []byte) {
	payload := raw
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
	}

	decoded, err := DecodeStreamMessage(venue, payload)
	if err != nil {
		log.Warn().Err(err).Str("venue", string(venue)).Msg("push: dropping undecodable message")
		return
	}

	switch v := decoded.(type) {
	case model.AggregatedTrade:
		select {
		case p.AggTrades <- v:
		default:
			log.Warn().Str("venue", string(venue)).Msg("push: aggTrade channel full, dropping")
		}
	case model.Trade:
		select {
		case p.Trades <- v:
		default:
			log.Warn().Str("venue", string(venue)).Msg("push: trade channel full, dropping")
		}
	case model.LiquidationEvent:
		select {
		case p.Liquidations <- v:
		default:
			log.Warn().Str("venue", string(venue)).Msg("push: liquidation channel full, dropping")
		}
	}
}
