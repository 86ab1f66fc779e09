// Package universe selects the active trading symbol set.
//
// The builder combines exchangeInfo metadata with 24h volume ranking under
// three modes: WHITELIST_ONLY trades exactly the configured list,
// AUTO_ONLY trades the top volume-ranked symbols, and HYBRID_PRIORITY
// merges both with the whitelist optionally ranked first. Snapshots are
// rebuilt on an interval and published on a channel; the consumer swaps
// its stream subscriptions when the set changes.
package universe

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"asterbot/internal/config"
	"asterbot/internal/exchange"
	"asterbot/pkg/types"
)

// marketData is the slice of the REST client the builder consumes.
type marketData interface {
	ExchangeInfo(ctx context.Context) (map[string]exchange.SymbolInfo, error)
	Tickers24h(ctx context.Context) ([]types.Ticker24h, error)
}

// Snapshot is one resolved universe: the ordered active symbols and their
// trading filters.
type Snapshot struct {
	Symbols []string
	Filters map[string]types.SymbolFilters
	BuiltAt time.Time
}

// Builder periodically rebuilds the active symbol set.
type Builder struct {
	client  marketData
	cfg     config.UniverseConfig
	logger  *slog.Logger
	results chan Snapshot
}

// NewBuilder creates a universe builder.
func NewBuilder(client marketData, cfg config.UniverseConfig, logger *slog.Logger) *Builder {
	return &Builder{
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "universe"),
		results: make(chan Snapshot, 1),
	}
}

// Results returns the channel of universe snapshots. Only the latest
// snapshot is retained if the consumer lags.
func (b *Builder) Results() <-chan Snapshot { return b.results }

// Run rebuilds the universe immediately and then on the refresh interval
// until ctx is cancelled.
func (b *Builder) Run(ctx context.Context) {
	b.refresh(ctx)

	interval := b.cfg.RefreshInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.refresh(ctx)
		}
	}
}

func (b *Builder) refresh(ctx context.Context) {
	snap, err := b.Build(ctx)
	if err != nil {
		b.logger.Error("universe build failed", "error", err)
		if len(b.cfg.Whitelist) == 0 {
			return
		}
		// Degrade to the whitelist so trading can continue without
		// exchange metadata. No filters: live sizing falls back to its
		// cached or freshly fetched exchangeInfo.
		snap = Snapshot{
			Symbols: slices.Clone(b.cfg.Whitelist),
			Filters: map[string]types.SymbolFilters{},
			BuiltAt: time.Now(),
		}
		b.logger.Warn("falling back to whitelist", "symbols", len(snap.Symbols))
	}

	// Replace a stale unconsumed snapshot rather than block.
	select {
	case b.results <- snap:
	default:
		select {
		case <-b.results:
		default:
		}
		b.results <- snap
	}
}

// Build resolves the active symbol set once.
func (b *Builder) Build(ctx context.Context) (Snapshot, error) {
	info, err := b.client.ExchangeInfo(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	tradable := make(map[string]bool, len(info))
	filters := make(map[string]types.SymbolFilters, len(info))
	for sym, si := range info {
		filters[sym] = si.Filters
		if b.isTradable(si) {
			tradable[sym] = true
		}
	}

	var symbols []string
	switch b.cfg.SymbolMode {
	case "WHITELIST_ONLY":
		symbols = keepTradable(b.cfg.Whitelist, tradable)
	case "AUTO_ONLY":
		ranked, err := b.rankByVolume(ctx, tradable)
		if err != nil {
			return Snapshot{}, err
		}
		symbols = ranked
	default: // HYBRID_PRIORITY
		ranked, err := b.rankByVolume(ctx, tradable)
		if err != nil {
			return Snapshot{}, err
		}
		wl := keepTradable(b.cfg.Whitelist, tradable)
		if b.cfg.WhitelistPriority {
			symbols = merge(wl, ranked)
		} else {
			symbols = merge(ranked, wl)
		}
	}

	if len(symbols) > b.cfg.TargetSymbols {
		symbols = symbols[:b.cfg.TargetSymbols]
	}

	b.logger.Info("universe built",
		"mode", b.cfg.SymbolMode, "symbols", len(symbols), "tradable", len(tradable),
	)
	return Snapshot{Symbols: symbols, Filters: filters, BuiltAt: time.Now()}, nil
}

// isTradable applies the metadata gates: quote suffix, blacklist, status,
// and contract type. Venues that omit contractType are accepted.
func (b *Builder) isTradable(si exchange.SymbolInfo) bool {
	if !strings.HasSuffix(si.Symbol, b.cfg.Quote) {
		return false
	}
	if slices.Contains(b.cfg.Blacklist, si.Symbol) {
		return false
	}
	if si.Status != "" && si.Status != "TRADING" {
		return false
	}
	if si.ContractType != "" && si.ContractType != "PERPETUAL" {
		return false
	}
	return true
}

// rankByVolume returns tradable symbols above the volume floor, sorted by
// descending 24h quote volume, truncated to AutoTopN.
func (b *Builder) rankByVolume(ctx context.Context, tradable map[string]bool) ([]string, error) {
	tickers, err := b.client.Tickers24h(ctx)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		symbol string
		volume float64
	}
	rows := make([]ranked, 0, len(tickers))
	for _, t := range tickers {
		if !tradable[t.Symbol] {
			continue
		}
		vol, _ := t.QuoteVolume.Float64()
		if vol < b.cfg.Min24hQuoteVolume {
			continue
		}
		rows = append(rows, ranked{t.Symbol, vol})
	}
	slices.SortStableFunc(rows, func(a, b ranked) int {
		switch {
		case a.volume > b.volume:
			return -1
		case a.volume < b.volume:
			return 1
		default:
			return strings.Compare(a.symbol, b.symbol)
		}
	})

	n := b.cfg.AutoTopN
	if n <= 0 || n > len(rows) {
		n = len(rows)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = rows[i].symbol
	}
	return out, nil
}

// keepTradable filters a symbol list down to tradable entries, preserving
// order. The whitelist deliberately skips the volume floor.
func keepTradable(symbols []string, tradable map[string]bool) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if tradable[s] {
			out = append(out, s)
		}
	}
	return out
}

// merge concatenates two lists, dropping duplicates from the second.
func merge(first, second []string) []string {
	out := slices.Clone(first)
	seen := make(map[string]bool, len(first))
	for _, s := range first {
		seen[s] = true
	}
	for _, s := range second {
		if !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	return out
}
