// Package engine wires the trading controller together: the universe
// refresh, the trade stream, per-symbol indicators, the paper strategy,
// and the live promotion path. All tick handling is serialized on one
// goroutine; the supervisor loops (spread poller, timeout sweeper,
// heartbeat, stream watchdog) run alongside it.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"asterbot/internal/config"
	"asterbot/internal/exchange"
	"asterbot/internal/indicator"
	"asterbot/internal/live"
	"asterbot/internal/paper"
	"asterbot/internal/strategy"
	"asterbot/internal/tradelog"
	"asterbot/internal/universe"
	"asterbot/pkg/types"
)

const (
	spreadPollEvery = 2 * time.Second
	spreadMaxAge    = 60 * time.Second
	sweepEvery      = time.Second
)

type spreadEntry struct {
	pct float64
	at  time.Time
}

// tickSource is the slice of the trade feed the engine consumes.
type tickSource interface {
	Run(ctx context.Context)
	Ticks() <-chan types.TradeTick
	SetStreams(symbols []string)
	ForceReconnect(reason string)
	LastMessageAt() int64
}

// liveRunner is the slice of the live engine the orchestrator drives.
type liveRunner interface {
	OpenLive(ctx context.Context, symbol string, side types.Side, signalPrice float64) (*live.Position, error)
	WatchUntilClose(ctx context.Context, pos *live.Position) (types.CloseReason, error)
	Settle(ctx context.Context, pos *live.Position, reason types.CloseReason) types.LiveEvent
	Reconcile(ctx context.Context) ([]types.PositionRisk, error)
	PrimeFilters(m map[string]types.SymbolFilters)
}

// Engine is the top-level controller.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	client   *exchange.Client
	feed     tickSource
	builder  *universe.Builder
	detector *strategy.Detector
	paper    *paper.Engine
	liveEng  liveRunner

	paperLog *tradelog.PaperLog
	liveLog  *tradelog.LiveLog

	mu        sync.Mutex
	symbols   []string
	bars      map[string]*indicator.BarSeries
	ticksBuf  map[string]*indicator.TickBuffer
	spreads   map[string]spreadEntry
	lastPrice map[string]float64
	spreadIdx int

	promoting atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds the engine and opens the trade logs.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	paperLog, err := tradelog.OpenPaperLog(cfg.Paper.LogPath)
	if err != nil {
		return nil, err
	}
	liveLog, err := tradelog.OpenLiveLog(cfg.Live.LogPath)
	if err != nil {
		paperLog.Close()
		return nil, err
	}

	auth := exchange.NewAuth(cfg.API.APIKey, cfg.API.APISecret)
	client := exchange.NewClient(cfg.API.RestBase, auth, logger)

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		client:   client,
		feed:     exchange.NewTradeFeed(cfg.API.WSBase, types.WSMode(cfg.API.WSMode), logger),
		builder:  universe.NewBuilder(client, cfg.Universe, logger),
		detector: strategy.NewDetector(cfg.Signal),
		paper:    paper.NewEngine(cfg.Paper, paperLog, logger),
		liveEng: live.NewEngine(client, cfg.Live, cfg.Watch,
			cfg.Paper.TPPct, cfg.Paper.SLPct, liveLog, logger),
		paperLog:  paperLog,
		liveLog:   liveLog,
		bars:      make(map[string]*indicator.BarSeries),
		ticksBuf:  make(map[string]*indicator.TickBuffer),
		spreads:   make(map[string]spreadEntry),
		lastPrice: make(map[string]float64),
	}
	return e, nil
}

// Start launches all loops. It returns after startup; Stop blocks until
// everything drains.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if err := e.client.SyncTime(ctx); err != nil {
		e.logger.Warn("server time sync failed", "error", err)
	}

	if e.cfg.Live.Enabled {
		open, err := e.liveEng.Reconcile(ctx)
		if err != nil {
			e.logger.Warn("startup reconcile failed", "error", err)
		} else if len(open) > 0 {
			for _, p := range open {
				e.logger.Warn("pre-existing live position found",
					"symbol", p.Symbol, "amt", p.PositionAmt)
			}
		}
	}

	e.run(ctx, e.builder.Run)
	e.run(ctx, e.feed.Run)
	e.run(ctx, e.universeLoop)
	e.run(ctx, e.tickLoop)
	e.run(ctx, e.spreadLoop)
	e.run(ctx, e.sweepLoop)
	e.run(ctx, e.heartbeatLoop)
	e.run(ctx, e.watchdogLoop)
	if e.cfg.Live.Enabled {
		e.run(ctx, e.reconcileLoop)
	}

	e.logger.Info("engine started", "live_enabled", e.cfg.Live.Enabled)
	return nil
}

// Stop cancels all loops, waits for them, and closes the trade logs.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.paperLog.Close()
	e.liveLog.Close()
	e.logger.Info("engine stopped")
}

func (e *Engine) run(ctx context.Context, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Universe handling
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) universeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-e.builder.Results():
			e.applyUniverse(snap)
		}
	}
}

func (e *Engine) applyUniverse(snap universe.Snapshot) {
	e.mu.Lock()
	changed := !slices.Equal(e.symbols, snap.Symbols)
	e.symbols = snap.Symbols

	keep := make(map[string]bool, len(snap.Symbols))
	for _, s := range snap.Symbols {
		keep[s] = true
		if _, ok := e.bars[s]; !ok {
			e.bars[s] = indicator.NewBarSeries(e.cfg.Signal.TFSec, e.cfg.Signal.LookbackMinutes)
			e.ticksBuf[s] = indicator.NewTickBuffer(e.cfg.Signal.ImpulseLookback)
		}
	}
	for s := range e.bars {
		if !keep[s] {
			delete(e.bars, s)
			delete(e.ticksBuf, s)
			delete(e.spreads, s)
			delete(e.lastPrice, s)
		}
	}
	e.mu.Unlock()

	e.liveEng.PrimeFilters(snap.Filters)

	// An unchanged symbol set keeps the stream connection alive: builder
	// output is ordered, so the refresh usually resolves to the same list.
	if changed {
		e.feed.SetStreams(snap.Symbols)
	}
	e.logger.Info("universe applied",
		"symbols", len(snap.Symbols), "streams_changed", changed)
}

// ————————————————————————————————————————————————————————————————————————
// Tick path
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) tickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-e.feed.Ticks():
			e.handleTick(ctx, tick)
		}
	}
}

// handleTick runs exits before entries: the open position on the symbol is
// checked against its brackets first, then the tick updates the indicators,
// then the entry gates run on the fresh state.
func (e *Engine) handleTick(ctx context.Context, tick types.TradeTick) {
	symbol := tick.Symbol

	e.mu.Lock()
	bars, tracked := e.bars[symbol]
	if !tracked {
		e.mu.Unlock()
		return
	}
	ticksBuf := e.ticksBuf[symbol]
	e.lastPrice[symbol] = tick.Price
	e.mu.Unlock()

	if e.skipped(symbol) {
		return
	}

	e.paper.HandlePrice(symbol, tick.Price, tick.Time)

	e.mu.Lock()
	bars.Update(tick.Price, tick.Time)
	ticksBuf.Add(tick.Price, tick.Time)

	in := strategy.Inputs{}
	in.ImpulsePct, in.ImpulseOK = ticksBuf.ImpulsePct(tick.Time)
	in.ATRPct, in.ATROK = bars.ATRPct(e.cfg.Signal.ATRPeriod)
	if sp, ok := e.spreads[symbol]; ok && tick.Time.Sub(sp.at) <= spreadMaxAge {
		in.SpreadPct, in.SpreadKnown = sp.pct, true
	}
	e.mu.Unlock()

	sig := e.detector.Evaluate(in)
	if sig == types.SignalNone {
		return
	}

	e.routeSignal(ctx, symbol, sig.Side(), tick.Price, tick.Time)
}

// routeSignal sends a confirmed signal either to the live promotion path,
// when it fires on the armed trigger symbol, or to the paper book. With
// paper trading disabled the signal is dropped: nothing can build streaks,
// so nothing ever arms.
func (e *Engine) routeSignal(ctx context.Context, symbol string, side types.Side, price float64, ts time.Time) {
	trigger, armed := e.paper.Armed()
	if armed && symbol == trigger {
		if !e.paper.HasPosition(symbol) {
			e.promote(ctx, symbol, side, price)
		}
		return
	}

	if !e.cfg.Paper.Enabled {
		return
	}
	e.paper.TryOpen(symbol, side, price, ts)
}

func (e *Engine) skipped(symbol string) bool {
	for _, s := range e.cfg.Universe.SkipSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Live promotion
// ————————————————————————————————————————————————————————————————————————

// promote runs one live episode on its own goroutine: open, watch, settle,
// then reset every streak so the shadow strategy starts a fresh cycle.
// Only one episode runs at a time.
func (e *Engine) promote(ctx context.Context, symbol string, side types.Side, price float64) {
	if !e.cfg.Live.Enabled {
		e.logger.Info("armed signal with live trading disabled, resetting",
			"symbol", symbol, "side", side)
		e.paper.ResetAllStreaks()
		return
	}
	if !e.promoting.CompareAndSwap(false, true) {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.promoting.Store(false)

		e.logger.Info("promoting armed signal to live",
			"symbol", symbol, "side", side, "signal_price", price)

		pos, err := e.liveEng.OpenLive(ctx, symbol, side, price)
		if err != nil {
			// Every open failure keeps the armed state: the next trigger
			// signal retries, and the operator sees the reason here.
			// Sizing errors never clear on their own and need a config
			// change, so they log at error level.
			if errors.Is(err, live.ErrMinQty) || errors.Is(err, live.ErrMinNotional) {
				e.logger.Error("live open failed, sizing below exchange minimums",
					"symbol", symbol, "error", err)
			} else {
				e.logger.Warn("live open failed, staying armed",
					"symbol", symbol, "error", err)
			}
			return
		}

		reason, watchErr := e.liveEng.WatchUntilClose(ctx, pos)
		e.liveEng.Settle(context.WithoutCancel(ctx), pos, reason)
		if watchErr != nil {
			// The forced close never confirmed: something may still be
			// open on the exchange. Stay frozen so no second live
			// episode starts until an operator intervenes.
			e.logger.Error("live close unconfirmed, staying frozen",
				"symbol", symbol, "error", watchErr)
			return
		}
		e.paper.ResetAllStreaks()
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Supervisor loops
// ————————————————————————————————————————————————————————————————————————

// spreadLoop polls bookTicker round-robin across the universe so every
// symbol has a reasonably fresh spread without bursting the rate budget.
func (e *Engine) spreadLoop(ctx context.Context) {
	ticker := time.NewTicker(spreadPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		if len(e.symbols) == 0 {
			e.mu.Unlock()
			continue
		}
		e.spreadIdx = (e.spreadIdx + 1) % len(e.symbols)
		symbol := e.symbols[e.spreadIdx]
		e.mu.Unlock()

		book, err := e.client.BookTicker(ctx, symbol)
		if err != nil {
			continue
		}
		if pct, ok := book.SpreadPct(); ok {
			e.mu.Lock()
			e.spreads[symbol] = spreadEntry{pct: pct, at: time.Now()}
			e.mu.Unlock()
		}
	}
}

// reconcileLoop cross-checks the exchange account against local state.
// A position showing up with no live episode in flight means something
// opened outside the controller (or a crash left one behind); it is only
// reported, never auto-closed.
func (e *Engine) reconcileLoop(ctx context.Context) {
	every := e.cfg.Live.ReconcileEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if e.promoting.Load() {
			continue
		}
		open, err := e.liveEng.Reconcile(ctx)
		if err != nil {
			e.logger.Warn("reconcile failed", "error", err)
			continue
		}
		for _, p := range open {
			e.logger.Warn("unmanaged live position on exchange",
				"symbol", p.Symbol, "amt", p.PositionAmt, "entry", p.EntryPrice)
		}
	}
}

// sweepLoop closes paper positions that exceeded the holding limit, even
// under tick silence. It snapshots the timed-out set, resolves an exit
// price per symbol outside the paper lock, then closes each one.
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, pos := range e.paper.TimedOut(now) {
				exit := e.exitPrice(ctx, pos.Symbol)
				if exit <= 0 {
					// No obtainable price; leave the position for the
					// next tick or sweep.
					continue
				}
				e.paper.CloseTimeout(pos.Symbol, exit, now)
			}
		}
	}
}

// exitPrice prefers the last streamed price, then the book mid, then the
// last trade price from REST. Zero means no price was obtainable; the
// sweeper leaves the position open and retries on the next pass.
func (e *Engine) exitPrice(ctx context.Context, symbol string) float64 {
	e.mu.Lock()
	p, ok := e.lastPrice[symbol]
	e.mu.Unlock()
	if ok && p > 0 {
		return p
	}

	if book, err := e.client.BookTicker(ctx, symbol); err == nil {
		if mid := book.Mid(); !mid.IsZero() {
			f, _ := mid.Float64()
			return f
		}
	}
	if last, err := e.client.TickerPrice(ctx, symbol); err == nil && !last.IsZero() {
		f, _ := last.Float64()
		return f
	}
	return 0
}

// heartbeatLoop logs a status line at a jittered interval.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	for {
		wait := e.cfg.Monitor.HeartbeatMin
		if span := e.cfg.Monitor.HeartbeatMax - wait; span > 0 {
			wait += time.Duration(rand.Int63n(int64(span)))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		e.mu.Lock()
		nSymbols := len(e.symbols)
		e.mu.Unlock()

		mode := "NORMAL"
		trigger, armed := e.paper.Armed()
		if armed {
			mode = "FROZEN"
		}

		tickAge := time.Duration(0)
		if last := e.feed.LastMessageAt(); last > 0 {
			tickAge = time.Since(time.UnixMilli(last)).Round(time.Millisecond)
		}

		e.logger.Info("heartbeat",
			"mode", mode,
			"trigger", trigger,
			"symbols", nSymbols,
			"last_tick_age", tickAge,
			"paper_open", e.paper.OpenCount(),
			"live_in_flight", e.promoting.Load(),
		)
	}
}

// watchdogLoop forces a stream reconnect after consecutive stale checks.
func (e *Engine) watchdogLoop(ctx context.Context) {
	tracker := newStaleTracker(e.cfg.Monitor.WSStaleHits)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		last := e.feed.LastMessageAt()
		stale := last > 0 && time.Since(time.UnixMilli(last)) > e.cfg.Monitor.WSStale
		if tracker.observe(stale) {
			e.logger.Warn("trade stream stale, forcing reconnect",
				"last_message_ms_ago", time.Now().UnixMilli()-last)
			e.feed.ForceReconnect("stale stream")
		}
	}
}

// staleTracker fires once after n consecutive stale observations, then
// waits for a healthy observation before it can fire again.
type staleTracker struct {
	need  int
	hits  int
	fired bool
}

func newStaleTracker(need int) *staleTracker {
	if need <= 0 {
		need = 1
	}
	return &staleTracker{need: need}
}

func (t *staleTracker) observe(stale bool) bool {
	if !stale {
		t.hits = 0
		t.fired = false
		return false
	}
	t.hits++
	if t.hits >= t.need && !t.fired {
		t.fired = true
		return true
	}
	return false
}
