// Package paper runs the shadow strategy: simulated positions across the
// whole universe, with per-symbol loss-streak accounting. A streak of
// consecutive losses on one symbol freezes the engine and arms that symbol
// for live promotion; while frozen, paper trading continues but streaks no
// longer change, so the armed trigger stays stable until the live episode
// resolves and resets everything.
package paper

import (
	"log/slog"
	"sync"
	"time"

	"asterbot/internal/config"
	"asterbot/pkg/types"
)

// eventLog is the slice of the trade log the engine writes to.
type eventLog interface {
	Append(types.PaperEvent) error
}

// Position is one open simulated position.
type Position struct {
	Symbol   string
	Side     types.Side
	Entry    float64
	TP       float64
	SL       float64
	OpenedAt time.Time
}

// CloseResult reports the effect of one paper close.
type CloseResult struct {
	Reason types.CloseReason
	PnlPct float64
	Streak int
	Armed  bool // this close pushed the streak over the arm threshold
}

// Engine holds all paper state under one mutex. Tick handling is
// serialized by the orchestrator, but the timeout sweeper and the live
// reset path run on other goroutines.
type Engine struct {
	cfg    config.PaperConfig
	log    eventLog
	logger *slog.Logger

	mu            sync.Mutex
	positions     map[string]*Position
	streaks       map[string]int
	frozen        bool
	triggerSymbol string
	lastCloseAt   map[string]time.Time
	openTimes     []time.Time
}

// NewEngine creates a paper engine.
func NewEngine(cfg config.PaperConfig, log eventLog, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		log:         log,
		logger:      logger.With("component", "paper"),
		positions:   make(map[string]*Position),
		streaks:     make(map[string]int),
		lastCloseAt: make(map[string]time.Time),
	}
}

// Frozen reports whether a loss streak has frozen streak accounting.
func (e *Engine) Frozen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frozen
}

// Armed returns the armed trigger symbol, if any.
func (e *Engine) Armed() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggerSymbol, e.frozen && e.triggerSymbol != ""
}

// HasPosition reports whether a simulated position is open on symbol.
func (e *Engine) HasPosition(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.positions[symbol]
	return ok
}

// Streak returns the current loss streak for symbol.
func (e *Engine) Streak(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaks[symbol]
}

// TryOpen opens a simulated position if the gates allow it: not frozen,
// one position per symbol, per-symbol cooldown after a close, and the
// hourly open cap. A frozen engine opens nothing anywhere; existing
// positions are still managed to completion.
func (e *Engine) TryOpen(symbol string, side types.Side, price float64, now time.Time) bool {
	if price <= 0 {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen {
		return false
	}
	if _, open := e.positions[symbol]; open {
		return false
	}
	if e.cfg.Cooldown > 0 {
		if last, ok := e.lastCloseAt[symbol]; ok && now.Sub(last) < e.cfg.Cooldown {
			return false
		}
	}
	if !e.underHourlyCap(now) {
		return false
	}

	pos := &Position{
		Symbol:   symbol,
		Side:     side,
		Entry:    price,
		OpenedAt: now,
	}
	if side == types.Long {
		pos.TP = price * (1 + e.cfg.TPPct/100)
		pos.SL = price * (1 - e.cfg.SLPct/100)
	} else {
		pos.TP = price * (1 - e.cfg.TPPct/100)
		pos.SL = price * (1 + e.cfg.SLPct/100)
	}
	e.positions[symbol] = pos
	e.openTimes = append(e.openTimes, now)

	if err := e.log.Append(types.PaperEvent{
		Time: now, Symbol: symbol, Side: side, Event: "OPEN",
		Entry: price, TP: pos.TP, SL: pos.SL,
	}); err != nil {
		e.logger.Error("paper log write failed", "error", err)
	}
	e.logger.Info("paper open",
		"symbol", symbol, "side", side, "entry", price, "tp", pos.TP, "sl", pos.SL,
	)
	return true
}

// underHourlyCap prunes the open-time window and checks the hourly cap.
// Caller holds e.mu.
func (e *Engine) underHourlyCap(now time.Time) bool {
	if e.cfg.MaxTradesPerHr <= 0 {
		return true
	}
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(e.openTimes) && e.openTimes[i].Before(cutoff) {
		i++
	}
	e.openTimes = e.openTimes[i:]
	return len(e.openTimes) < e.cfg.MaxTradesPerHr
}

// HandlePrice checks the open position on symbol against its TP and SL.
// TP wins when a single tick crosses both levels. Returns the close
// result when the position was closed.
func (e *Engine) HandlePrice(symbol string, price float64, now time.Time) (CloseResult, bool) {
	e.mu.Lock()
	pos, ok := e.positions[symbol]
	if !ok {
		e.mu.Unlock()
		return CloseResult{}, false
	}

	var reason types.CloseReason
	var exit float64
	switch {
	case pos.Side == types.Long && price >= pos.TP:
		reason, exit = types.ReasonTP, pos.TP
	case pos.Side == types.Short && price <= pos.TP:
		reason, exit = types.ReasonTP, pos.TP
	case pos.Side == types.Long && price <= pos.SL:
		reason, exit = types.ReasonSL, pos.SL
	case pos.Side == types.Short && price >= pos.SL:
		reason, exit = types.ReasonSL, pos.SL
	default:
		e.mu.Unlock()
		return CloseResult{}, false
	}

	res := e.closeLocked(pos, exit, reason, now)
	e.mu.Unlock()
	return res, true
}

// TimedOut snapshots the positions held longer than MaxHolding. The
// sweeper fetches prices outside the lock and closes each via
// CloseTimeout, which re-checks presence.
func (e *Engine) TimedOut(now time.Time) []Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.MaxHolding <= 0 {
		return nil
	}
	var out []Position
	for _, pos := range e.positions {
		if now.Sub(pos.OpenedAt) >= e.cfg.MaxHolding {
			out = append(out, *pos)
		}
	}
	return out
}

// CloseTimeout closes a timed-out position at exit, if it is still open.
// A tick may have closed it between the snapshot and this call.
func (e *Engine) CloseTimeout(symbol string, exit float64, now time.Time) (CloseResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[symbol]
	if !ok || exit <= 0 || now.Sub(pos.OpenedAt) < e.cfg.MaxHolding {
		return CloseResult{}, false
	}
	return e.closeLocked(pos, exit, types.ReasonTimeout, now), true
}

// OpenCount returns the number of open simulated positions.
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

// closeLocked removes the position, writes the CLOSE event, and applies
// the streak rules. Caller holds e.mu.
func (e *Engine) closeLocked(pos *Position, exit float64, reason types.CloseReason, now time.Time) CloseResult {
	delete(e.positions, pos.Symbol)
	e.lastCloseAt[pos.Symbol] = now

	pnlPct := (exit - pos.Entry) / pos.Entry * 100
	if pos.Side == types.Short {
		pnlPct = -pnlPct
	}
	netUSD := e.cfg.NotionalUSD * pnlPct / 100

	res := CloseResult{Reason: reason, PnlPct: pnlPct}
	if !e.frozen {
		switch {
		case reason == types.ReasonTP, pnlPct > 0:
			e.streaks[pos.Symbol] = 0
		default:
			// SL, or a non-positive timeout/other close.
			e.streaks[pos.Symbol]++
		}
		res.Streak = e.streaks[pos.Symbol]
		if res.Streak >= e.cfg.LossStreakToArm {
			e.frozen = true
			e.triggerSymbol = pos.Symbol
			res.Armed = true
		}
	} else {
		res.Streak = e.streaks[pos.Symbol]
	}

	if err := e.log.Append(types.PaperEvent{
		Time: now, Symbol: pos.Symbol, Side: pos.Side, Event: "CLOSE",
		Entry: pos.Entry, Exit: exit, TP: pos.TP, SL: pos.SL,
		PnlPct: pnlPct, NetPnlUSD: netUSD, Reason: reason,
		HoldSec: int64(now.Sub(pos.OpenedAt).Seconds()),
	}); err != nil {
		e.logger.Error("paper log write failed", "error", err)
	}

	e.logger.Info("paper close",
		"symbol", pos.Symbol, "side", pos.Side, "reason", reason,
		"pnl_pct", pnlPct, "streak", res.Streak, "armed", res.Armed,
	)
	return res
}

// ResetAllStreaks clears every streak and the frozen/armed state. Called
// after a live episode resolves, whatever its outcome.
func (e *Engine) ResetAllStreaks() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streaks = make(map[string]int)
	e.frozen = false
	e.triggerSymbol = ""
	e.logger.Info("streaks reset")
}
