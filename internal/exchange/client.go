// Package exchange implements the gateway to a Binance-Futures-compatible
// venue: the signed REST client and the trade-stream feed.
//
// The REST client (Client) covers every operation the controller consumes:
//   - ExchangeInfo:   GET /fapi/v1/exchangeInfo     — symbol filters
//   - Tickers24h:     GET /fapi/v1/ticker/24hr      — volume ranking input
//   - BookTicker:     GET /fapi/v1/ticker/bookTicker — best bid/ask
//   - TickerPrice:    GET /fapi/v1/ticker/price     — last price
//   - SetLeverage:    POST /fapi/v1/leverage
//   - PlaceMarket:    POST /fapi/v1/order (MARKET)
//   - PlaceConditionalClose: POST /fapi/v1/order (STOP_MARKET / TAKE_PROFIT_MARKET)
//   - CancelAll:      DELETE /fapi/v1/allOpenOrders
//   - OpenOrders:     GET /fapi/v1/openOrders
//   - Order:          GET /fapi/v1/order
//   - PositionRisk:   GET /fapi/v2/positionRisk (falls back to /fapi/v1)
//   - UserTrades:     GET /fapi/v1/userTrades
//
// Every request is rate-limited via per-category TokenBuckets and retried
// on 5xx; signed requests carry the HMAC query signature from sign.go.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"asterbot/pkg/types"
)

// SymbolInfo is one tradable contract from exchangeInfo.
type SymbolInfo struct {
	Symbol       string
	Status       string
	ContractType string
	Filters      types.SymbolFilters
}

// Client is the venue REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and signing.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(restBase string, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(restBase).
		SetTimeout(20 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "exchange"),
	}
}

// public performs an unsigned GET against a market-data endpoint.
func (c *Client) public(ctx context.Context, op, path string, p *Params, result any) error {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return err
	}

	url := path
	if p != nil && len(p.pairs) > 0 {
		url += "?" + p.Encode()
	}

	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return netErr(op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return apiErr(op, resp.StatusCode(), resp.String())
	}
	return decodeBody(op, resp.Body(), result)
}

// signed performs an authenticated request. The full parameter set is
// signed in insertion order and sent in the query string; the body is empty.
func (c *Client) signed(ctx context.Context, bucket *TokenBucket, op, method, path string, p *Params, result any) error {
	if err := bucket.Wait(ctx); err != nil {
		return err
	}
	if p == nil {
		p = NewParams()
	}

	url := path + "?" + c.auth.SignQuery(p)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.auth.APIKey()).
		Execute(method, url)
	if err != nil {
		return netErr(op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return apiErr(op, resp.StatusCode(), resp.String())
	}
	return decodeBody(op, resp.Body(), result)
}

// decodeBody unmarshals a 2xx body into result. Decoding is explicit rather
// than delegated to resty: compatible venues serve JSON under text/plain,
// which resty's content-type negotiation would silently skip, leaving the
// result zero-valued.
func decodeBody(op string, body []byte, result any) error {
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return parseErr(op, err)
	}
	return nil
}

// SyncTime fetches server time and records the clock offset on the signer.
func (c *Client) SyncTime(ctx context.Context) error {
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	before := time.Now().UnixMilli()
	if err := c.public(ctx, "server time", "/fapi/v1/time", nil, &result); err != nil {
		return err
	}
	// Half the round trip approximates the one-way latency.
	after := time.Now().UnixMilli()
	local := before + (after-before)/2
	c.auth.SetTimeOffset(result.ServerTime - local)
	return nil
}

// exchangeInfo wire shapes. Filter values arrive as strings per filterType.
type rawExchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"`
		Filters      []struct {
			FilterType  string          `json:"filterType"`
			StepSize    decimal.Decimal `json:"stepSize"`
			MinQty      decimal.Decimal `json:"minQty"`
			TickSize    decimal.Decimal `json:"tickSize"`
			Notional    decimal.Decimal `json:"notional"`
			MinNotional decimal.Decimal `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// ExchangeInfo returns per-symbol metadata and trading filters.
func (c *Client) ExchangeInfo(ctx context.Context) (map[string]SymbolInfo, error) {
	var raw rawExchangeInfo
	if err := c.public(ctx, "exchange info", "/fapi/v1/exchangeInfo", nil, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]SymbolInfo, len(raw.Symbols))
	for _, s := range raw.Symbols {
		info := SymbolInfo{
			Symbol:       s.Symbol,
			Status:       s.Status,
			ContractType: s.ContractType,
			Filters:      types.SymbolFilters{Symbol: s.Symbol},
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				info.Filters.StepSize = f.StepSize
				info.Filters.MinQty = f.MinQty
			case "PRICE_FILTER":
				info.Filters.TickSize = f.TickSize
			case "MIN_NOTIONAL":
				// Some venues name the field notional, some minNotional.
				if !f.Notional.IsZero() {
					info.Filters.MinNotional = f.Notional
				} else {
					info.Filters.MinNotional = f.MinNotional
				}
			}
		}
		out[s.Symbol] = info
	}
	return out, nil
}

// Tickers24h returns the 24-hour rolling ticker for all symbols.
func (c *Client) Tickers24h(ctx context.Context) ([]types.Ticker24h, error) {
	var result []types.Ticker24h
	if err := c.public(ctx, "24h tickers", "/fapi/v1/ticker/24hr", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// BookTicker returns the best bid/ask for one symbol.
func (c *Client) BookTicker(ctx context.Context, symbol string) (types.BookTicker, error) {
	var result types.BookTicker
	p := NewParams().Set("symbol", symbol)
	if err := c.public(ctx, "book ticker", "/fapi/v1/ticker/bookTicker", p, &result); err != nil {
		return types.BookTicker{}, err
	}
	return result, nil
}

// TickerPrice returns the last trade price for one symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var result struct {
		Price decimal.Decimal `json:"price"`
	}
	p := NewParams().Set("symbol", symbol)
	if err := c.public(ctx, "ticker price", "/fapi/v1/ticker/price", p, &result); err != nil {
		return decimal.Zero, err
	}
	return result.Price, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	p := NewParams().
		Set("symbol", symbol).
		Set("leverage", strconv.Itoa(leverage))
	var result struct {
		Leverage int `json:"leverage"`
	}
	return c.signed(ctx, c.rl.Order, "set leverage", http.MethodPost, "/fapi/v1/leverage", p, &result)
}

// PlaceMarket submits a market order. reduceOnly orders can only shrink an
// existing position and are rejected when flat.
func (c *Client) PlaceMarket(ctx context.Context, symbol, side string, qty decimal.Decimal, reduceOnly bool) (types.OrderAck, error) {
	p := NewParams().
		Set("symbol", symbol).
		Set("side", side).
		Set("type", "MARKET").
		Set("quantity", qty.String())
	if reduceOnly {
		p.Set("reduceOnly", "true")
	}
	p.Set("newClientOrderId", clientOrderID("mkt"))

	var result types.OrderAck
	if err := c.signed(ctx, c.rl.Order, "place market order", http.MethodPost, "/fapi/v1/order", p, &result); err != nil {
		return types.OrderAck{}, err
	}
	c.logger.Info("order placed",
		"symbol", symbol, "side", side, "type", "MARKET",
		"qty", qty, "reduce_only", reduceOnly,
		"order_id", result.OrderID, "status", result.Status,
	)
	return result, nil
}

// PlaceConditionalClose submits a reduce-only STOP_MARKET or
// TAKE_PROFIT_MARKET bracket leg triggering at stopPrice.
func (c *Client) PlaceConditionalClose(ctx context.Context, symbol, side string, typ types.ConditionalType, stopPrice, qty decimal.Decimal) (types.OrderAck, error) {
	p := NewParams().
		Set("symbol", symbol).
		Set("side", side).
		Set("type", string(typ)).
		Set("stopPrice", stopPrice.String()).
		Set("quantity", qty.String()).
		Set("reduceOnly", "true").
		Set("workingType", "MARK_PRICE").
		Set("newClientOrderId", clientOrderID(condPrefix(typ)))

	var result types.OrderAck
	if err := c.signed(ctx, c.rl.Order, "place conditional close", http.MethodPost, "/fapi/v1/order", p, &result); err != nil {
		return types.OrderAck{}, err
	}
	c.logger.Info("bracket placed",
		"symbol", symbol, "side", side, "type", typ,
		"stop_price", stopPrice, "qty", qty, "order_id", result.OrderID,
	)
	return result, nil
}

func condPrefix(typ types.ConditionalType) string {
	if typ == types.TakeProfitMarket {
		return "tp"
	}
	return "sl"
}

// CancelAll cancels every open order for a symbol.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	p := NewParams().Set("symbol", symbol)
	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	return c.signed(ctx, c.rl.Order, "cancel all orders", http.MethodDelete, "/fapi/v1/allOpenOrders", p, &result)
}

// OpenOrders lists resting orders for a symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]types.OpenOrder, error) {
	p := NewParams().Set("symbol", symbol)
	var result []types.OpenOrder
	if err := c.signed(ctx, c.rl.Account, "open orders", http.MethodGet, "/fapi/v1/openOrders", p, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Order fetches one order by id.
func (c *Client) Order(ctx context.Context, symbol string, orderID int64) (types.OrderAck, error) {
	p := NewParams().
		Set("symbol", symbol).
		Set("orderId", strconv.FormatInt(orderID, 10))
	var result types.OrderAck
	if err := c.signed(ctx, c.rl.Account, "get order", http.MethodGet, "/fapi/v1/order", p, &result); err != nil {
		return types.OrderAck{}, err
	}
	return result, nil
}

// PositionRisk returns positions for one symbol (or all when symbol is
// empty). Prefers /fapi/v2; falls back to /fapi/v1 when the venue lacks v2.
func (c *Client) PositionRisk(ctx context.Context, symbol string) ([]types.PositionRisk, error) {
	fetch := func(path string) ([]types.PositionRisk, error) {
		p := NewParams()
		if symbol != "" {
			p.Set("symbol", symbol)
		}
		var result []types.PositionRisk
		if err := c.signed(ctx, c.rl.Account, "position risk", http.MethodGet, path, p, &result); err != nil {
			return nil, err
		}
		return result, nil
	}

	result, err := fetch("/fapi/v2/positionRisk")
	if err != nil {
		var apiError *APIError
		if errors.As(err, &apiError) && apiError.Kind == KindNotFound {
			return fetch("/fapi/v1/positionRisk")
		}
		return nil, err
	}
	return result, nil
}

// UserTrades returns account fills for a symbol within [startMS, endMS].
func (c *Client) UserTrades(ctx context.Context, symbol string, startMS, endMS int64, limit int) ([]types.UserTrade, error) {
	p := NewParams().
		Set("symbol", symbol).
		Set("startTime", strconv.FormatInt(startMS, 10)).
		Set("endTime", strconv.FormatInt(endMS, 10)).
		Set("limit", strconv.Itoa(limit))
	var result []types.UserTrade
	if err := c.signed(ctx, c.rl.Account, "user trades", http.MethodGet, "/fapi/v1/userTrades", p, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// clientOrderID builds a recognizable client order id, e.g. "tp_1721736000".
func clientOrderID(prefix string) string {
	return prefix + "_" + strconv.FormatInt(time.Now().Unix(), 10)
}
