// Package live executes the single real position: promotion of an armed
// signal into a market entry with on-exchange TP/SL brackets, the watch
// loop that babysits the open position, and settlement against the
// account's fill history once it closes.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"asterbot/internal/config"
	"asterbot/internal/exchange"
	"asterbot/pkg/types"
)

// Sentinel errors callers branch on with errors.Is.
var (
	ErrLiveCapacity    = errors.New("live: position capacity reached")
	ErrMinQty          = errors.New("live: quantity below exchange minimum")
	ErrMinNotional     = errors.New("live: notional below exchange minimum")
	ErrDeviation       = errors.New("live: price deviated from signal price")
	ErrOpenUnconfirmed = errors.New("live: entry not confirmed by position risk")
	ErrCloseFailed     = errors.New("live: close retries exhausted")
)

// Gateway is the slice of the exchange client the live engine consumes.
type Gateway interface {
	ExchangeInfo(ctx context.Context) (map[string]exchange.SymbolInfo, error)
	BookTicker(ctx context.Context, symbol string) (types.BookTicker, error)
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceMarket(ctx context.Context, symbol, side string, qty decimal.Decimal, reduceOnly bool) (types.OrderAck, error)
	PlaceConditionalClose(ctx context.Context, symbol, side string, typ types.ConditionalType, stopPrice, qty decimal.Decimal) (types.OrderAck, error)
	CancelAll(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]types.OpenOrder, error)
	Order(ctx context.Context, symbol string, orderID int64) (types.OrderAck, error)
	PositionRisk(ctx context.Context, symbol string) ([]types.PositionRisk, error)
	UserTrades(ctx context.Context, symbol string, startMS, endMS int64, limit int) ([]types.UserTrade, error)
}

// liveLog is the slice of the trade log the engine writes to.
type liveLog interface {
	Append(types.LiveEvent) error
}

// Position is the one open live position.
type Position struct {
	Symbol       string
	Side         types.Side
	Qty          decimal.Decimal
	Entry        decimal.Decimal
	TP           decimal.Decimal
	SL           decimal.Decimal
	EntryOrderID int64
	TPOrderID    int64
	SLOrderID    int64
	OpenedAt     time.Time
}

// Engine places, watches, and settles live positions. At most one position
// is in flight at a time; the orchestrator enforces single-entry.
type Engine struct {
	gw     Gateway
	cfg    config.LiveConfig
	watch  config.WatchConfig
	tpPct  float64
	slPct  float64
	log    liveLog
	logger *slog.Logger

	mu      sync.Mutex
	filters map[string]types.SymbolFilters

	now func() time.Time // test hook
}

// NewEngine creates a live engine. tpPct/slPct mirror the paper bracket
// percentages so the real position carries the same exits the shadow
// strategy was scored on.
func NewEngine(gw Gateway, cfg config.LiveConfig, watch config.WatchConfig, tpPct, slPct float64, log liveLog, logger *slog.Logger) *Engine {
	return &Engine{
		gw:     gw,
		cfg:    cfg,
		watch:  watch,
		tpPct:  tpPct,
		slPct:  slPct,
		log:     log,
		logger:  logger.With("component", "live"),
		filters: make(map[string]types.SymbolFilters),
		now:     time.Now,
	}
}

// PrimeFilters merges universe snapshot metadata into the filter cache so
// promotion sizes against fresh filters without an exchangeInfo round trip.
func (e *Engine) PrimeFilters(m map[string]types.SymbolFilters) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for sym, f := range m {
		e.filters[sym] = f
	}
}

// symbolFilters returns the cached filters for symbol, fetching and caching
// them on a miss.
func (e *Engine) symbolFilters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	e.mu.Lock()
	f, ok := e.filters[symbol]
	e.mu.Unlock()
	if ok {
		return f, nil
	}

	info, err := e.gw.ExchangeInfo(ctx)
	if err != nil {
		return types.SymbolFilters{}, err
	}
	si, ok := info[symbol]
	if !ok {
		return types.SymbolFilters{}, fmt.Errorf("%s not in exchange info", symbol)
	}
	e.mu.Lock()
	e.filters[symbol] = si.Filters
	e.mu.Unlock()
	return si.Filters, nil
}

// quantizeDown floors value to a multiple of step. A zero step returns the
// value unchanged.
func quantizeDown(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// Reconcile returns the symbols with a non-zero on-exchange position.
func (e *Engine) Reconcile(ctx context.Context) ([]types.PositionRisk, error) {
	rows, err := e.gw.PositionRisk(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	var open []types.PositionRisk
	for _, r := range rows {
		if !r.PositionAmt.IsZero() {
			open = append(open, r)
		}
	}
	return open, nil
}

// OpenLive promotes an armed signal into a real position:
// capacity check, leverage, sizing against the exchange filters, deviation
// guard, market entry, fill confirmation, then both bracket legs.
// Any failure after the entry filled closes the position before returning.
func (e *Engine) OpenLive(ctx context.Context, symbol string, side types.Side, signalPrice float64) (*Position, error) {
	open, err := e.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	if len(open) >= e.cfg.MaxPositions {
		return nil, fmt.Errorf("%w: %d open", ErrLiveCapacity, len(open))
	}

	filters, err := e.symbolFilters(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("open live: %w", err)
	}

	if err := e.gw.SetLeverage(ctx, symbol, e.cfg.Leverage); err != nil {
		return nil, fmt.Errorf("open live: %w", err)
	}

	price, err := e.referencePrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("open live: %w", err)
	}

	if signalPrice > 0 && e.cfg.MaxDeviationPct > 0 {
		ref := decimal.NewFromFloat(signalPrice)
		devPct, _ := ref.Sub(price).Abs().Div(price).Mul(decimal.NewFromInt(100)).Float64()
		if devPct > e.cfg.MaxDeviationPct {
			return nil, fmt.Errorf("%w: %.3f%% from %.8f", ErrDeviation, devPct, signalPrice)
		}
	}

	notional := decimal.NewFromFloat(e.cfg.NotionalUSD).Mul(decimal.NewFromInt(int64(e.cfg.Leverage)))
	qty := quantizeDown(notional.Div(price), filters.StepSize)
	if qty.IsZero() || (!filters.MinQty.IsZero() && qty.LessThan(filters.MinQty)) {
		return nil, fmt.Errorf("%w: qty %s < min %s", ErrMinQty, qty, filters.MinQty)
	}
	levNotional := qty.Mul(price).Mul(decimal.NewFromInt(int64(e.cfg.Leverage)))
	if !filters.MinNotional.IsZero() && levNotional.LessThan(filters.MinNotional) {
		return nil, fmt.Errorf("%w: %s < %s", ErrMinNotional, levNotional, filters.MinNotional)
	}

	ack, err := e.gw.PlaceMarket(ctx, symbol, side.OrderSide(), qty, false)
	if err != nil {
		return nil, fmt.Errorf("open live entry: %w", err)
	}

	entry := ack.AvgPrice
	if entry.IsZero() {
		entry = price
	}

	pos := &Position{
		Symbol:       symbol,
		Side:         side,
		Qty:          qty,
		Entry:        entry,
		EntryOrderID: ack.OrderID,
		OpenedAt:     e.now(),
	}

	if err := e.confirmOpen(ctx, pos); err != nil {
		return nil, err
	}

	if err := e.placeBrackets(ctx, pos, filters); err != nil {
		// Never leave a live position without exits.
		e.logger.Error("bracket placement failed, closing position", "symbol", symbol, "error", err)
		_ = e.gw.CancelAll(ctx, symbol)
		if closeErr := e.CloseConfirmed(ctx, pos); closeErr != nil {
			e.logger.Error("emergency close after bracket failure also failed", "symbol", symbol, "error", closeErr)
		}
		return nil, err
	}

	e.logger.Info("live position open",
		"symbol", symbol, "side", side, "qty", qty, "entry", entry,
		"tp", pos.TP, "sl", pos.SL, "order_id", pos.EntryOrderID,
	)
	return pos, nil
}

// referencePrice returns the book mid, falling back to the last price when
// the book is one-sided or unavailable.
func (e *Engine) referencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	book, err := e.gw.BookTicker(ctx, symbol)
	if err == nil {
		if mid := book.Mid(); !mid.IsZero() {
			return mid, nil
		}
	}
	last, lastErr := e.gw.TickerPrice(ctx, symbol)
	if lastErr != nil {
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, lastErr
	}
	if last.IsZero() {
		return decimal.Zero, fmt.Errorf("no reference price for %s", symbol)
	}
	return last, nil
}

// confirmOpen polls positionRisk until the entry shows up on-exchange.
// When positionRisk lags, a FILLED entry order is accepted as confirmation.
func (e *Engine) confirmOpen(ctx context.Context, pos *Position) error {
	for attempt := 0; attempt < 5; attempt++ {
		rows, err := e.gw.PositionRisk(ctx, pos.Symbol)
		if err == nil {
			for _, r := range rows {
				if r.Symbol == pos.Symbol && !r.PositionAmt.IsZero() {
					if !r.EntryPrice.IsZero() {
						pos.Entry = r.EntryPrice
					}
					return nil
				}
			}
		}
		if err := sleepCtx(ctx, time.Second); err != nil {
			return err
		}
	}

	ack, err := e.gw.Order(ctx, pos.Symbol, pos.EntryOrderID)
	if err == nil && ack.Filled() {
		if !ack.AvgPrice.IsZero() {
			pos.Entry = ack.AvgPrice
		}
		e.logger.Warn("position risk lagging, entry confirmed via order status",
			"symbol", pos.Symbol, "order_id", pos.EntryOrderID)
		return nil
	}
	return ErrOpenUnconfirmed
}

// placeBrackets clears stale orders and places both reduce-only legs.
// The TP leg goes first; a failed SL leg cancels the TP and fails the
// whole open so the caller flattens.
func (e *Engine) placeBrackets(ctx context.Context, pos *Position, filters types.SymbolFilters) error {
	if err := e.gw.CancelAll(ctx, pos.Symbol); err != nil {
		e.logger.Warn("cancel before brackets failed", "symbol", pos.Symbol, "error", err)
	}

	tpMul := decimal.NewFromFloat(1 + e.tpPct/100)
	slMul := decimal.NewFromFloat(1 - e.slPct/100)
	if pos.Side == types.Short {
		tpMul = decimal.NewFromFloat(1 - e.tpPct/100)
		slMul = decimal.NewFromFloat(1 + e.slPct/100)
	}
	pos.TP = quantizeDown(pos.Entry.Mul(tpMul), filters.TickSize)
	pos.SL = quantizeDown(pos.Entry.Mul(slMul), filters.TickSize)

	closeSide := pos.Side.CloseOrderSide()

	tpAck, err := e.gw.PlaceConditionalClose(ctx, pos.Symbol, closeSide, types.TakeProfitMarket, pos.TP, pos.Qty)
	if err != nil {
		return fmt.Errorf("place tp leg: %w", err)
	}
	pos.TPOrderID = tpAck.OrderID

	slAck, err := e.gw.PlaceConditionalClose(ctx, pos.Symbol, closeSide, types.StopMarket, pos.SL, pos.Qty)
	if err != nil {
		return fmt.Errorf("place sl leg: %w", err)
	}
	pos.SLOrderID = slAck.OrderID
	return nil
}

// WatchUntilClose polls the position until it disappears from positionRisk
// or a deadline forces an exit. The profit timeout fires at most once;
// the hard timeout either emergency-closes or re-arms itself. A non-nil
// error means a forced close could not be confirmed; the caller must keep
// its frozen state rather than start another live episode.
func (e *Engine) WatchUntilClose(ctx context.Context, pos *Position) (types.CloseReason, error) {
	profitFired := false
	hardDeadline := pos.OpenedAt.Add(e.watch.HardTimeout)

	ticker := time.NewTicker(e.watch.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Warn("shutdown with live position open, force closing", "symbol", pos.Symbol)
			return types.ReasonForceExit, e.flatten(context.Background(), pos)
		case <-ticker.C:
		}

		rows, err := e.gw.PositionRisk(ctx, pos.Symbol)
		if err != nil {
			e.logger.Warn("watch poll failed", "symbol", pos.Symbol, "error", err)
			continue
		}
		if flat(rows, pos.Symbol) {
			return types.ReasonStopOrUnknown, nil
		}

		now := e.now()
		age := now.Sub(pos.OpenedAt)

		if !profitFired && e.watch.ProfitTimeout > 0 && age >= e.watch.ProfitTimeout {
			profitFired = true
			if e.inProfit(ctx, pos) {
				e.logger.Info("profit timeout, closing", "symbol", pos.Symbol, "age", age)
				return types.ReasonTimeoutProfit, e.flatten(ctx, pos)
			}
			e.logger.Info("profit timeout passed in loss, holding", "symbol", pos.Symbol)
		}

		if e.watch.HardTimeout > 0 && now.After(hardDeadline) {
			if e.watch.EmergencyOnHard {
				e.logger.Warn("hard timeout, emergency close", "symbol", pos.Symbol, "age", age)
				return types.ReasonTimeoutHard, e.flatten(ctx, pos)
			}
			hardDeadline = hardDeadline.Add(e.watch.HardTimeout)
			e.logger.Warn("hard timeout re-armed", "symbol", pos.Symbol, "age", age)
		}
	}
}

// inProfit compares the last price to the entry for the position's side.
func (e *Engine) inProfit(ctx context.Context, pos *Position) bool {
	last, err := e.gw.TickerPrice(ctx, pos.Symbol)
	if err != nil || last.IsZero() {
		return false
	}
	if pos.Side == types.Long {
		return last.GreaterThan(pos.Entry)
	}
	return last.LessThan(pos.Entry)
}

// flatten cancels brackets and market-closes with confirmation.
func (e *Engine) flatten(ctx context.Context, pos *Position) error {
	_ = e.gw.CancelAll(ctx, pos.Symbol)
	if err := e.CloseConfirmed(ctx, pos); err != nil {
		e.logger.Error("close failed", "symbol", pos.Symbol, "error", err)
		return err
	}
	return nil
}

// CloseConfirmed market-closes the position and confirms flatness via
// positionRisk, retrying up to the configured limit.
func (e *Engine) CloseConfirmed(ctx context.Context, pos *Position) error {
	for attempt := 0; attempt < e.cfg.CloseRetries; attempt++ {
		rows, err := e.gw.PositionRisk(ctx, pos.Symbol)
		if err == nil && flat(rows, pos.Symbol) {
			return nil
		}

		qty := pos.Qty
		if err == nil {
			for _, r := range rows {
				if r.Symbol == pos.Symbol && !r.PositionAmt.IsZero() {
					qty = r.PositionAmt.Abs()
				}
			}
		}

		if _, err := e.gw.PlaceMarket(ctx, pos.Symbol, pos.Side.CloseOrderSide(), qty, true); err != nil {
			e.logger.Warn("close order rejected", "symbol", pos.Symbol, "attempt", attempt+1, "error", err)
		}
		if err := sleepCtx(ctx, e.cfg.CloseRetrySleep); err != nil {
			return err
		}
	}

	rows, err := e.gw.PositionRisk(ctx, pos.Symbol)
	if err == nil && flat(rows, pos.Symbol) {
		return nil
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrCloseFailed, pos.Symbol, e.cfg.CloseRetries)
}

// Settle cleans up residual orders, reads the exit fill from the account
// trade history, refines the close reason, writes the CSV row, and returns
// the settled event.
func (e *Engine) Settle(ctx context.Context, pos *Position, reason types.CloseReason) types.LiveEvent {
	if err := e.gw.CancelAll(ctx, pos.Symbol); err != nil {
		e.logger.Warn("settle cancel failed", "symbol", pos.Symbol, "error", err)
	}
	if orders, err := e.gw.OpenOrders(ctx, pos.Symbol); err == nil && len(orders) > 0 {
		e.logger.Warn("resting orders survived settlement cancel",
			"symbol", pos.Symbol, "count", len(orders))
	}

	exit := decimal.Zero
	var exitOrderID int64
	start := pos.OpenedAt.Add(-10 * time.Second).UnixMilli()
	end := e.now().UnixMilli()

	trades, err := e.gw.UserTrades(ctx, pos.Symbol, start, end, 1000)
	if err != nil {
		e.logger.Warn("settle trade fetch failed", "symbol", pos.Symbol, "error", err)
	} else {
		var bestTime int64
		for _, tr := range trades {
			if tr.OrderID == pos.EntryOrderID {
				continue
			}
			if tr.Time >= bestTime {
				bestTime = tr.Time
				exitOrderID = tr.OrderID
				exit = tr.Price
			}
		}
	}

	realized := decimal.Zero
	if exitOrderID != 0 {
		for _, tr := range trades {
			if tr.OrderID != exitOrderID {
				continue
			}
			realized = realized.Add(tr.RealizedPnl)
			// Commission in a non-quote asset (e.g. BNB) is not
			// USD-comparable and is left out.
			if tr.CommissionAsset != "" && strings.HasSuffix(pos.Symbol, tr.CommissionAsset) {
				realized = realized.Sub(tr.Commission)
			}
		}
	}

	reason = e.refineReason(reason, pos, exit, exitOrderID)

	pnlPct := 0.0
	if !exit.IsZero() && !pos.Entry.IsZero() {
		pct := exit.Sub(pos.Entry).Div(pos.Entry).Mul(decimal.NewFromInt(100))
		pnlPct, _ = pct.Float64()
		if pos.Side == types.Short {
			pnlPct = -pnlPct
		}
	}
	// The venue's realizedPnl on the exit fills is authoritative; the
	// price delta only approximates it when the fills carry no pnl.
	netUSD := 0.0
	switch {
	case exitOrderID != 0 && !realized.IsZero():
		netUSD, _ = realized.Float64()
	case !exit.IsZero():
		diff := exit.Sub(pos.Entry)
		if pos.Side == types.Short {
			diff = diff.Neg()
		}
		netUSD, _ = diff.Mul(pos.Qty).Float64()
	}

	outcome := "FLAT"
	switch {
	case netUSD > 0:
		outcome = "WIN"
	case netUSD < 0:
		outcome = "LOSS"
	}

	ev := types.LiveEvent{
		Time:         e.now(),
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		Entry:        pos.Entry,
		Exit:         exit,
		Qty:          pos.Qty,
		Leverage:     e.cfg.Leverage,
		PnlPct:       pnlPct,
		NetPnlUSD:    netUSD,
		Outcome:      outcome,
		Reason:       reason,
		OrderIDEntry: pos.EntryOrderID,
		OrderIDExit:  exitOrderID,
	}
	if err := e.log.Append(ev); err != nil {
		e.logger.Error("live log write failed", "error", err)
	}

	e.logger.Info("live position settled",
		"symbol", pos.Symbol, "side", pos.Side, "outcome", outcome,
		"reason", reason, "pnl_pct", pnlPct, "net_usd", netUSD,
	)
	return ev
}

// refineReason maps an ambiguous remote close to the bracket leg that
// filled, falling back to which level the exit price sits closer to.
func (e *Engine) refineReason(reason types.CloseReason, pos *Position, exit decimal.Decimal, exitOrderID int64) types.CloseReason {
	if reason != types.ReasonStopOrUnknown {
		return reason
	}
	switch exitOrderID {
	case 0:
		return reason
	case pos.TPOrderID:
		return types.ReasonTPExchange
	case pos.SLOrderID:
		return types.ReasonSLExchange
	}
	if exit.IsZero() || pos.TP.IsZero() || pos.SL.IsZero() {
		return reason
	}
	if exit.Sub(pos.TP).Abs().LessThanOrEqual(exit.Sub(pos.SL).Abs()) {
		return types.ReasonTPExchange
	}
	return types.ReasonSLExchange
}

// flat reports whether no non-zero position remains for symbol.
func flat(rows []types.PositionRisk, symbol string) bool {
	for _, r := range rows {
		if r.Symbol == symbol && !r.PositionAmt.IsZero() {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
