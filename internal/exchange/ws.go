// ws.go implements the aggregated trade stream over websocket.
//
// Two wire modes are supported, because compatible venues differ:
//   - combined:  connect to /stream?streams=btcusdt@trade/ethusdt@trade
//     and receive {"stream":...,"data":{...}} envelopes
//   - subscribe: connect to /ws and send a SUBSCRIBE frame listing the
//     stream names, receiving bare trade events
//
// In auto mode the feed tries combined first and falls back to subscribe
// when the combined endpoint fails to connect.
package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"asterbot/pkg/types"
)

const (
	wsReconnectDelay = 3 * time.Second
	wsReadTimeout    = 70 * time.Second
	wsWriteTimeout   = 5 * time.Second

	// Close code used when the watchdog or a universe change forces a
	// reconnect. Distinguishable from venue-initiated closes in logs.
	closeCodeStale = 4000
)

// TradeFeed maintains a websocket subscription to per-symbol trade streams
// and delivers parsed ticks on a channel. It reconnects with a fixed
// backoff on any error and survives universe changes via SetStreams.
type TradeFeed struct {
	wsBase string
	mode   types.WSMode
	logger *slog.Logger

	mu      sync.Mutex
	symbols []string
	conn    *websocket.Conn
	gen     uint64 // bumped on every SetStreams / ForceReconnect

	ticks   chan types.TradeTick
	lastMsg atomic.Int64 // unix ms of last received frame
}

// NewTradeFeed creates a feed for the given websocket base URL.
func NewTradeFeed(wsBase string, mode types.WSMode, logger *slog.Logger) *TradeFeed {
	return &TradeFeed{
		wsBase: strings.TrimRight(wsBase, "/"),
		mode:   mode,
		logger: logger.With("component", "trade_feed"),
		ticks:  make(chan types.TradeTick, 1024),
	}
}

// Ticks returns the channel of parsed trade ticks.
func (f *TradeFeed) Ticks() <-chan types.TradeTick { return f.ticks }

// LastMessageAt returns when the last frame arrived (unix ms, 0 if never).
func (f *TradeFeed) LastMessageAt() int64 { return f.lastMsg.Load() }

// SetStreams replaces the symbol set and forces a reconnect so the new
// subscription takes effect.
func (f *TradeFeed) SetStreams(symbols []string) {
	lower := make([]string, len(symbols))
	for i, s := range symbols {
		lower[i] = strings.ToLower(s)
	}

	f.mu.Lock()
	f.symbols = lower
	f.gen++
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		f.closeStale(conn, "stream change")
	}
}

// ForceReconnect drops the current connection. The run loop redials.
func (f *TradeFeed) ForceReconnect(reason string) {
	f.mu.Lock()
	f.gen++
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		f.closeStale(conn, reason)
	}
}

func (f *TradeFeed) closeStale(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(closeCodeStale, "stale")
	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
	f.logger.Warn("connection dropped", "reason", reason)
}

// Run dials and reads until ctx is cancelled, reconnecting on errors.
func (f *TradeFeed) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		f.mu.Lock()
		symbols := f.symbols
		gen := f.gen
		f.mu.Unlock()

		if len(symbols) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := f.connectAndRead(ctx, symbols, gen); err != nil {
			f.logger.Warn("stream error", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectDelay):
		}
	}
}

// connectAndRead dials one connection, subscribes, and reads frames until
// an error, a generation bump, or ctx cancellation.
func (f *TradeFeed) connectAndRead(ctx context.Context, symbols []string, gen uint64) error {
	mode := f.mode
	if mode == types.WSModeAuto {
		mode = types.WSModeCombined
	}

	conn, err := f.dial(ctx, symbols, mode)
	if err != nil && f.mode == types.WSModeAuto {
		f.logger.Info("combined connect failed, trying subscribe mode", "error", err)
		mode = types.WSModeSubscribe
		conn, err = f.dial(ctx, symbols, mode)
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		return nil
	}
	f.conn = conn
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	f.logger.Info("stream connected", "mode", mode, "streams", len(symbols))

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			stale := f.gen != gen
			f.mu.Unlock()
			if stale || ctx.Err() != nil {
				return nil
			}
			return err
		}

		f.lastMsg.Store(time.Now().UnixMilli())

		tick, ok := parseTradeFrame(data)
		if !ok {
			continue
		}

		// Replace the oldest tick rather than block the reader.
		select {
		case f.ticks <- tick:
		default:
			select {
			case <-f.ticks:
			default:
			}
			select {
			case f.ticks <- tick:
			default:
			}
		}
	}
}

func (f *TradeFeed) dial(ctx context.Context, symbols []string, mode types.WSMode) (*websocket.Conn, error) {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = s + "@trade"
	}

	var url string
	if mode == types.WSModeCombined {
		url = f.wsBase + "/stream?streams=" + strings.Join(streams, "/")
	} else {
		url = f.wsBase + "/ws"
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	if mode == types.WSModeSubscribe {
		sub := map[string]any{
			"method": "SUBSCRIBE",
			"params": streams,
			"id":     1,
		}
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			conn.Close()
			return nil, err
		}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// tradeEvent is the wire shape of one trade, bare or inside a combined
// envelope's data field.
type tradeEvent struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	Price     decimal.Decimal `json:"p"`
	TradeTime int64           `json:"T"`
	// Some compatible venues spell the trade time out instead of "T".
	TradeTimeAlt int64 `json:"tradeTime"`
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// parseTradeFrame extracts a tick from either wire shape. Subscription
// acks ({"result":null,"id":1}) and non-trade events return ok=false.
func parseTradeFrame(data []byte) (types.TradeTick, bool) {
	var frame combinedFrame
	payload := data
	if err := json.Unmarshal(data, &frame); err == nil && len(frame.Data) > 0 {
		payload = frame.Data
	}

	var ev tradeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return types.TradeTick{}, false
	}
	if ev.Symbol == "" || ev.Price.IsZero() {
		return types.TradeTick{}, false
	}

	ms := ev.TradeTime
	if ms == 0 {
		ms = ev.TradeTimeAlt
	}
	if ms == 0 {
		ms = ev.EventTime
	}
	ts := time.Now()
	if ms > 0 {
		ts = time.UnixMilli(ms)
	}

	price, _ := ev.Price.Float64()
	return types.TradeTick{
		Symbol: strings.ToUpper(ev.Symbol),
		Price:  price,
		Time:   ts,
	}, true
}
