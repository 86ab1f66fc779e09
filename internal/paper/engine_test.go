package paper

import (
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"asterbot/internal/config"
	"asterbot/pkg/types"
)

type memLog struct {
	mu     sync.Mutex
	events []types.PaperEvent
}

func (m *memLog) Append(ev types.PaperEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memLog) last(t *testing.T) types.PaperEvent {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		t.Fatal("no events logged")
	}
	return m.events[len(m.events)-1]
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func newEngine(cfg config.PaperConfig) (*Engine, *memLog) {
	if cfg.NotionalUSD == 0 {
		cfg.NotionalUSD = 75
	}
	if cfg.TPPct == 0 {
		cfg.TPPct = 0.60
	}
	if cfg.SLPct == 0 {
		cfg.SLPct = 0.20
	}
	if cfg.LossStreakToArm == 0 {
		cfg.LossStreakToArm = 3
	}
	log := &memLog{}
	return NewEngine(cfg, log, testLogger()), log
}

func TestOpenSetsBracketLevels(t *testing.T) {
	t.Parallel()

	e, log := newEngine(config.PaperConfig{})
	if !e.TryOpen("BTCUSDT", types.Long, 50000, t0) {
		t.Fatal("open refused")
	}

	ev := log.last(t)
	if ev.Event != "OPEN" || ev.Entry != 50000 {
		t.Fatalf("event = %+v", ev)
	}
	if ev.TP != 50000*1.006 || ev.SL != 50000*0.998 {
		t.Errorf("tp/sl = %v/%v", ev.TP, ev.SL)
	}
}

func TestOpenShortInvertsLevels(t *testing.T) {
	t.Parallel()

	e, log := newEngine(config.PaperConfig{})
	e.TryOpen("ETHUSDT", types.Short, 3000, t0)

	ev := log.last(t)
	if ev.TP != 3000*0.994 || ev.SL != 3000*1.002 {
		t.Errorf("tp/sl = %v/%v", ev.TP, ev.SL)
	}
}

func TestSecondOpenOnSameSymbolRefused(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(config.PaperConfig{})
	e.TryOpen("BTCUSDT", types.Long, 50000, t0)
	if e.TryOpen("BTCUSDT", types.Short, 50000, t0) {
		t.Fatal("second open on same symbol accepted")
	}
	if !e.TryOpen("ETHUSDT", types.Long, 3000, t0) {
		t.Fatal("open on other symbol refused")
	}
}

func TestTPWinsWhenTickCrossesBoth(t *testing.T) {
	t.Parallel()

	// Wide brackets so one price can cross TP and SL: not realistic for a
	// single tick, but exactly what a data gap produces.
	e, _ := newEngine(config.PaperConfig{TPPct: 0.1, SLPct: 50})
	e.TryOpen("BTCUSDT", types.Long, 50000, t0)

	res, closed := e.HandlePrice("BTCUSDT", 50000*1.001, t0.Add(time.Second))
	if !closed {
		t.Fatal("not closed")
	}
	if res.Reason != types.ReasonTP {
		t.Fatalf("reason = %s", res.Reason)
	}
}

func TestSLClosesAndCountsStreak(t *testing.T) {
	t.Parallel()

	e, log := newEngine(config.PaperConfig{})
	e.TryOpen("BTCUSDT", types.Long, 50000, t0)

	res, closed := e.HandlePrice("BTCUSDT", 49000, t0.Add(time.Second))
	if !closed || res.Reason != types.ReasonSL {
		t.Fatalf("res = %+v closed = %v", res, closed)
	}
	if res.Streak != 1 {
		t.Errorf("streak = %d", res.Streak)
	}
	if ev := log.last(t); ev.PnlPct >= 0 {
		t.Errorf("pnl = %v", ev.PnlPct)
	}
}

func TestTPResetsStreak(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(config.PaperConfig{})

	// Two losses, then a win.
	for i := 0; i < 2; i++ {
		e.TryOpen("BTCUSDT", types.Long, 50000, t0)
		e.HandlePrice("BTCUSDT", 49000, t0)
	}
	if e.Streak("BTCUSDT") != 2 {
		t.Fatalf("streak = %d", e.Streak("BTCUSDT"))
	}

	e.TryOpen("BTCUSDT", types.Long, 50000, t0)
	res, _ := e.HandlePrice("BTCUSDT", 51000, t0)
	if res.Reason != types.ReasonTP || res.Streak != 0 {
		t.Fatalf("res = %+v", res)
	}
}

func TestThirdLossArmsAndFreezes(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(config.PaperConfig{})
	var last CloseResult
	for i := 0; i < 3; i++ {
		e.TryOpen("BTCUSDT", types.Short, 50000, t0)
		last, _ = e.HandlePrice("BTCUSDT", 51000, t0)
	}

	if !last.Armed {
		t.Fatal("third loss did not arm")
	}
	if !e.Frozen() {
		t.Fatal("engine not frozen")
	}
	sym, ok := e.Armed()
	if !ok || sym != "BTCUSDT" {
		t.Fatalf("armed = %q/%v", sym, ok)
	}
}

func TestFrozenEngineRefusesOpensEverywhere(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(config.PaperConfig{})
	for i := 0; i < 3; i++ {
		e.TryOpen("BTCUSDT", types.Long, 50000, t0)
		e.HandlePrice("BTCUSDT", 49000, t0)
	}
	if !e.Frozen() {
		t.Fatal("not frozen")
	}

	if e.TryOpen("ETHUSDT", types.Long, 3000, t0) {
		t.Fatal("frozen engine opened a new position")
	}
	if e.TryOpen("BTCUSDT", types.Long, 50000, t0) {
		t.Fatal("frozen engine opened on the trigger symbol")
	}
}

func TestFrozenEngineManagesExistingPositions(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(config.PaperConfig{})

	// ETHUSDT opens before the freeze lands.
	e.TryOpen("ETHUSDT", types.Long, 3000, t0)
	for i := 0; i < 3; i++ {
		e.TryOpen("BTCUSDT", types.Long, 50000, t0)
		e.HandlePrice("BTCUSDT", 49000, t0)
	}
	if !e.Frozen() {
		t.Fatal("not frozen")
	}

	// The surviving position closes normally, but its loss neither counts
	// toward a streak nor moves the trigger.
	res, closed := e.HandlePrice("ETHUSDT", 2900, t0)
	if !closed {
		t.Fatal("frozen engine refused to close existing position")
	}
	if res.Streak != 0 || res.Armed {
		t.Fatalf("res = %+v", res)
	}
	if sym, _ := e.Armed(); sym != "BTCUSDT" {
		t.Fatalf("trigger moved to %s", sym)
	}
}

func TestTimeoutWithZeroPnlCountsAsLoss(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(config.PaperConfig{MaxHolding: time.Minute})
	e.TryOpen("BTCUSDT", types.Long, 50000, t0)

	timedOut := e.TimedOut(t0.Add(2 * time.Minute))
	if len(timedOut) != 1 || timedOut[0].Symbol != "BTCUSDT" {
		t.Fatalf("timedOut = %+v", timedOut)
	}

	res, closed := e.CloseTimeout("BTCUSDT", 50000, t0.Add(2*time.Minute))
	if !closed {
		t.Fatal("not closed")
	}
	if res.Reason != types.ReasonTimeout || res.Streak != 1 {
		t.Fatalf("res = %+v", res)
	}
}

func TestTimeoutWithProfitResetsStreak(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(config.PaperConfig{MaxHolding: time.Minute})
	e.TryOpen("BTCUSDT", types.Long, 50000, t0)
	e.HandlePrice("BTCUSDT", 49000, t0) // streak 1

	e.TryOpen("BTCUSDT", types.Long, 50000, t0.Add(time.Second))
	res, closed := e.CloseTimeout("BTCUSDT", 50100, t0.Add(2*time.Minute))
	if !closed || res.Streak != 0 {
		t.Fatalf("res = %+v closed = %v", res, closed)
	}
}

func TestSweepSkipsYoungPositions(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(config.PaperConfig{MaxHolding: 10 * time.Minute})
	e.TryOpen("BTCUSDT", types.Long, 50000, t0)

	if timedOut := e.TimedOut(t0.Add(time.Minute)); len(timedOut) != 0 {
		t.Fatalf("timedOut = %+v", timedOut)
	}
	// CloseTimeout re-checks the deadline itself.
	if _, closed := e.CloseTimeout("BTCUSDT", 50000, t0.Add(time.Minute)); closed {
		t.Fatal("young position closed")
	}
	if !e.HasPosition("BTCUSDT") {
		t.Fatal("position gone")
	}
}

func TestCloseTimeoutSkipsAlreadyClosed(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(config.PaperConfig{MaxHolding: time.Minute})
	e.TryOpen("BTCUSDT", types.Long, 50000, t0)

	// A tick closes the position between the snapshot and the sweep close.
	e.HandlePrice("BTCUSDT", 51000, t0.Add(90*time.Second))
	if _, closed := e.CloseTimeout("BTCUSDT", 50000, t0.Add(2*time.Minute)); closed {
		t.Fatal("closed a position that was already gone")
	}
}

func TestCooldownBlocksReopen(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(config.PaperConfig{Cooldown: time.Minute})
	e.TryOpen("BTCUSDT", types.Long, 50000, t0)
	e.HandlePrice("BTCUSDT", 49000, t0.Add(time.Second))

	if e.TryOpen("BTCUSDT", types.Long, 50000, t0.Add(30*time.Second)) {
		t.Fatal("open inside cooldown accepted")
	}
	if !e.TryOpen("BTCUSDT", types.Long, 50000, t0.Add(2*time.Minute)) {
		t.Fatal("open after cooldown refused")
	}
}

func TestHourlyCap(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(config.PaperConfig{MaxTradesPerHr: 2})
	if !e.TryOpen("AUSDT", types.Long, 10, t0) || !e.TryOpen("BUSDT", types.Long, 10, t0) {
		t.Fatal("opens under cap refused")
	}
	if e.TryOpen("CUSDT", types.Long, 10, t0.Add(time.Minute)) {
		t.Fatal("open over cap accepted")
	}
	// Window slides: the first two opens age out after an hour.
	if !e.TryOpen("CUSDT", types.Long, 10, t0.Add(61*time.Minute)) {
		t.Fatal("open after window slide refused")
	}
}

func TestResetAllStreaks(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(config.PaperConfig{})
	for i := 0; i < 3; i++ {
		e.TryOpen("BTCUSDT", types.Long, 50000, t0)
		e.HandlePrice("BTCUSDT", 49000, t0)
	}
	if !e.Frozen() {
		t.Fatal("not frozen")
	}

	e.ResetAllStreaks()
	if e.Frozen() {
		t.Fatal("still frozen after reset")
	}
	if _, ok := e.Armed(); ok {
		t.Fatal("still armed after reset")
	}
	if e.Streak("BTCUSDT") != 0 {
		t.Fatalf("streak = %d", e.Streak("BTCUSDT"))
	}
}
