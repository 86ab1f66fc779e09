// Package config defines all configuration for the trading controller.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ASTER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"asterbot/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Universe UniverseConfig `mapstructure:"universe"`
	Signal   SignalConfig   `mapstructure:"signal"`
	Paper    PaperConfig    `mapstructure:"paper"`
	Live     LiveConfig     `mapstructure:"live"`
	Watch    WatchConfig    `mapstructure:"watch"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// APIConfig holds venue endpoints, credentials, and the stream wire variant.
type APIConfig struct {
	RestBase  string `mapstructure:"rest_base"`
	WSBase    string `mapstructure:"ws_base"`
	WSMode    string `mapstructure:"ws_mode"` // AUTO, COMBINED, SUBSCRIBE
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// UniverseConfig controls how the active symbol set is selected.
//
//   - SymbolMode: WHITELIST_ONLY, HYBRID_PRIORITY, or AUTO_ONLY.
//   - Whitelist/Blacklist: comma-free symbol lists, upper-cased on load.
//   - SkipSymbols: never traded even if streamed.
//   - Quote: required quote-asset suffix (e.g. USDT).
//   - AutoTopN: how many volume-ranked symbols the auto selection keeps.
//   - TargetSymbols: hard cap on the active set.
//   - WhitelistPriority: in HYBRID mode, whitelist symbols rank first.
type UniverseConfig struct {
	SymbolMode        string        `mapstructure:"symbol_mode"`
	Whitelist         []string      `mapstructure:"whitelist"`
	Blacklist         []string      `mapstructure:"blacklist"`
	SkipSymbols       []string      `mapstructure:"skip_symbols"`
	Quote             string        `mapstructure:"quote"`
	AutoTopN          int           `mapstructure:"auto_top_n"`
	TargetSymbols     int           `mapstructure:"target_symbols"`
	RefreshInterval   time.Duration `mapstructure:"refresh_universe_sec"`
	Min24hQuoteVolume float64       `mapstructure:"min_24h_quote_vol"`
	WhitelistPriority bool          `mapstructure:"whitelist_priority"`
}

// SignalConfig tunes the impulse breakout detector.
//
//   - ImpulseLookback: window for the short impulse return.
//   - BreakoutBufferPct: minimum |impulse| to fire, in percent.
//   - MaxSpreadPct / MinATRPct: liquidity and volatility gates.
//   - TFSec: bar timeframe; LookbackMinutes sizes the bar ring.
//   - ATRPeriod: bars averaged for ATR.
type SignalConfig struct {
	ImpulseLookback   time.Duration `mapstructure:"impulse_lookback_sec"`
	BreakoutBufferPct float64       `mapstructure:"breakout_buffer_pct"`
	MaxSpreadPct      float64       `mapstructure:"max_spread_pct"`
	MinATRPct         float64       `mapstructure:"min_atr_pct"`
	TFSec             int           `mapstructure:"tf_sec"`
	LookbackMinutes   int           `mapstructure:"lookback_minutes"`
	ATRPeriod         int           `mapstructure:"atr_period"`
}

// PaperConfig tunes the shadow strategy and its streak accounting.
// MaxTradesPerHour = 0 means unlimited. LossStreakToArm is how many
// consecutive paper losses on one symbol freeze the engine and arm a
// live promotion for that symbol.
type PaperConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	LogPath         string        `mapstructure:"log_path"`
	NotionalUSD     float64       `mapstructure:"trade_notional_usd"`
	MaxHolding      time.Duration `mapstructure:"max_holding_sec"`
	MaxTradesPerHr  int           `mapstructure:"max_trades_per_hour"`
	Cooldown        time.Duration `mapstructure:"cooldown_after_trade_sec"`
	TPPct           float64       `mapstructure:"tp_pct"`
	SLPct           float64       `mapstructure:"sl_pct"`
	LossStreakToArm int           `mapstructure:"loss_streak_to_arm"`
}

// LiveConfig sizes and gates the single real position.
type LiveConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	LogPath         string        `mapstructure:"log_path"`
	NotionalUSD     float64       `mapstructure:"live_notional_usd"`
	Leverage        int           `mapstructure:"live_leverage"`
	MaxPositions    int           `mapstructure:"live_max_positions"`
	MaxDeviationPct float64       `mapstructure:"max_deviation_pct"`
	CloseRetries    int           `mapstructure:"live_close_retries"`
	CloseRetrySleep time.Duration `mapstructure:"live_close_retry_sleep_sec"`
	ReconcileEvery  time.Duration `mapstructure:"live_reconcile_every_sec"`
}

// WatchConfig sets the live watch-loop deadlines.
//
//   - PollInterval: reconcile cadence while a live position is open.
//   - ProfitTimeout: close at this age if pnl is positive (fires once).
//   - HardTimeout: at this age either emergency-close or re-arm the timer.
type WatchConfig struct {
	PollInterval    time.Duration `mapstructure:"watch_poll_sec"`
	ProfitTimeout   time.Duration `mapstructure:"watch_profit_timeout_sec"`
	HardTimeout     time.Duration `mapstructure:"watch_hard_timeout_sec"`
	EmergencyOnHard bool          `mapstructure:"emergency_close_on_hard_timeout"`
}

// MonitorConfig tunes the supervisor loops.
type MonitorConfig struct {
	HeartbeatMin time.Duration `mapstructure:"heartbeat_min_sec"`
	HeartbeatMax time.Duration `mapstructure:"heartbeat_max_sec"`
	WSStale      time.Duration `mapstructure:"ws_stale_sec"`
	WSStaleHits  int           `mapstructure:"ws_stale_hits_to_reconnect"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ASTER_API_KEY, ASTER_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ASTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ASTER_API_KEY"); key != "" {
		cfg.API.APIKey = key
	}
	if secret := os.Getenv("ASTER_API_SECRET"); secret != "" {
		cfg.API.APISecret = secret
	}

	cfg.normalize()
	return &cfg, nil
}

// setDefaults mirrors the documented defaults so a minimal YAML file works.
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.rest_base", "https://fapi.asterdex.com")
	v.SetDefault("api.ws_base", "wss://fstream.asterdex.com")
	v.SetDefault("api.ws_mode", "AUTO")

	v.SetDefault("universe.symbol_mode", "HYBRID_PRIORITY")
	v.SetDefault("universe.quote", "USDT")
	v.SetDefault("universe.auto_top_n", 30)
	v.SetDefault("universe.target_symbols", 15)
	v.SetDefault("universe.refresh_universe_sec", "900s")
	v.SetDefault("universe.min_24h_quote_vol", 5_000_000.0)
	v.SetDefault("universe.whitelist_priority", true)

	v.SetDefault("signal.impulse_lookback_sec", "10s")
	v.SetDefault("signal.breakout_buffer_pct", 0.05)
	v.SetDefault("signal.max_spread_pct", 0.08)
	v.SetDefault("signal.min_atr_pct", 0.025)
	v.SetDefault("signal.tf_sec", 60)
	v.SetDefault("signal.lookback_minutes", 20)
	v.SetDefault("signal.atr_period", 14)

	v.SetDefault("paper.enabled", true)
	v.SetDefault("paper.log_path", "data/paper_trades.csv")
	v.SetDefault("paper.trade_notional_usd", 75.0)
	v.SetDefault("paper.max_holding_sec", "600s")
	v.SetDefault("paper.max_trades_per_hour", 0)
	v.SetDefault("paper.cooldown_after_trade_sec", "0s")
	v.SetDefault("paper.tp_pct", 0.60)
	v.SetDefault("paper.sl_pct", 0.20)
	v.SetDefault("paper.loss_streak_to_arm", 3)

	v.SetDefault("live.enabled", false)
	v.SetDefault("live.log_path", "data/live_trades.csv")
	v.SetDefault("live.live_notional_usd", 5.0)
	v.SetDefault("live.live_leverage", 2)
	v.SetDefault("live.live_max_positions", 1)
	v.SetDefault("live.max_deviation_pct", 0.5)
	v.SetDefault("live.live_close_retries", 5)
	v.SetDefault("live.live_close_retry_sleep_sec", "2s")
	v.SetDefault("live.live_reconcile_every_sec", "10s")

	v.SetDefault("watch.watch_poll_sec", "2s")
	v.SetDefault("watch.watch_profit_timeout_sec", "300s")
	v.SetDefault("watch.watch_hard_timeout_sec", "1800s")
	v.SetDefault("watch.emergency_close_on_hard_timeout", false)

	v.SetDefault("monitor.heartbeat_min_sec", "30s")
	v.SetDefault("monitor.heartbeat_max_sec", "60s")
	v.SetDefault("monitor.ws_stale_sec", "30s")
	v.SetDefault("monitor.ws_stale_hits_to_reconnect", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// normalize upper-cases symbol lists and trims endpoint slashes, matching
// how operators actually fill these fields in.
func (c *Config) normalize() {
	c.API.RestBase = strings.TrimRight(strings.TrimSpace(c.API.RestBase), "/")
	c.API.WSBase = strings.TrimRight(strings.TrimSpace(c.API.WSBase), "/")
	c.API.WSMode = strings.ToUpper(strings.TrimSpace(c.API.WSMode))

	c.Universe.SymbolMode = strings.ToUpper(strings.TrimSpace(c.Universe.SymbolMode))
	c.Universe.Quote = strings.ToUpper(strings.TrimSpace(c.Universe.Quote))
	c.Universe.Whitelist = upperList(c.Universe.Whitelist)
	c.Universe.Blacklist = upperList(c.Universe.Blacklist)
	c.Universe.SkipSymbols = upperList(c.Universe.SkipSymbols)
}

func upperList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.RestBase == "" {
		return fmt.Errorf("api.rest_base is required")
	}
	if c.API.WSBase == "" {
		return fmt.Errorf("api.ws_base is required")
	}
	switch types.WSMode(c.API.WSMode) {
	case types.WSModeAuto, types.WSModeCombined, types.WSModeSubscribe:
	default:
		return fmt.Errorf("api.ws_mode must be one of: AUTO, COMBINED, SUBSCRIBE")
	}
	switch c.Universe.SymbolMode {
	case "WHITELIST_ONLY", "HYBRID_PRIORITY", "AUTO_ONLY":
	default:
		return fmt.Errorf("universe.symbol_mode must be one of: WHITELIST_ONLY, HYBRID_PRIORITY, AUTO_ONLY")
	}
	if c.Universe.SymbolMode == "WHITELIST_ONLY" && len(c.Universe.Whitelist) == 0 {
		return fmt.Errorf("universe.whitelist is required in WHITELIST_ONLY mode")
	}
	if c.Universe.Quote == "" {
		return fmt.Errorf("universe.quote is required")
	}
	if c.Universe.TargetSymbols <= 0 {
		return fmt.Errorf("universe.target_symbols must be > 0")
	}
	if c.Signal.TFSec <= 0 {
		return fmt.Errorf("signal.tf_sec must be > 0")
	}
	if c.Signal.ATRPeriod <= 0 {
		return fmt.Errorf("signal.atr_period must be > 0")
	}
	if c.Paper.NotionalUSD <= 0 {
		return fmt.Errorf("paper.trade_notional_usd must be > 0")
	}
	if c.Paper.TPPct <= 0 || c.Paper.SLPct <= 0 {
		return fmt.Errorf("paper.tp_pct and paper.sl_pct must be > 0")
	}
	if c.Paper.LossStreakToArm <= 0 {
		return fmt.Errorf("paper.loss_streak_to_arm must be > 0")
	}
	if c.Live.Enabled {
		if !c.Paper.Enabled {
			return fmt.Errorf("live.enabled requires paper.enabled: promotion is driven by paper loss streaks")
		}
		if c.API.APIKey == "" || c.API.APISecret == "" {
			return fmt.Errorf("api.api_key and api.api_secret are required when live.enabled (set ASTER_API_KEY / ASTER_API_SECRET)")
		}
		if c.Live.NotionalUSD <= 0 {
			return fmt.Errorf("live.live_notional_usd must be > 0")
		}
		if c.Live.Leverage <= 0 {
			return fmt.Errorf("live.live_leverage must be > 0")
		}
	}
	if c.Live.MaxPositions != 1 {
		return fmt.Errorf("live.live_max_positions must be 1 (multiple concurrent live positions are not supported)")
	}
	if c.Live.CloseRetries <= 0 {
		return fmt.Errorf("live.live_close_retries must be > 0")
	}
	if c.Watch.PollInterval <= 0 {
		return fmt.Errorf("watch.watch_poll_sec must be > 0")
	}
	if c.Monitor.HeartbeatMin <= 0 || c.Monitor.HeartbeatMax < c.Monitor.HeartbeatMin {
		return fmt.Errorf("monitor.heartbeat_min_sec/max_sec must satisfy 0 < min <= max")
	}
	if c.Monitor.WSStaleHits <= 0 {
		return fmt.Errorf("monitor.ws_stale_hits_to_reconnect must be > 0")
	}
	return nil
}
