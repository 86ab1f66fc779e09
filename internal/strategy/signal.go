// Package strategy implements the impulse-breakout signal.
//
// A signal fires when the short impulse return clears the breakout buffer
// in either direction, provided volatility (ATR) is high enough and the
// quoted spread is tight enough. All gates fail closed: a missing ATR or
// an unknown spread yields no signal.
package strategy

import (
	"asterbot/internal/config"
	"asterbot/pkg/types"
)

// Inputs are the per-tick measurements fed to the detector.
// The OK flags mirror the indicator availability: enough closed bars for
// ATR, and a fresh two-sided book for the spread.
type Inputs struct {
	ImpulsePct  float64
	ImpulseOK   bool
	ATRPct      float64
	ATROK       bool
	SpreadPct   float64
	SpreadKnown bool
}

// Detector evaluates the entry gates.
type Detector struct {
	cfg config.SignalConfig
}

// NewDetector creates a detector with the configured thresholds.
func NewDetector(cfg config.SignalConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Evaluate returns the entry signal for one tick.
func (d *Detector) Evaluate(in Inputs) types.Signal {
	if !in.ImpulseOK || !in.ATROK || !in.SpreadKnown {
		return types.SignalNone
	}
	if in.ATRPct < d.cfg.MinATRPct {
		return types.SignalNone
	}
	if in.SpreadPct > d.cfg.MaxSpreadPct {
		return types.SignalNone
	}

	switch {
	case in.ImpulsePct >= d.cfg.BreakoutBufferPct:
		return types.SignalLong
	case in.ImpulsePct <= -d.cfg.BreakoutBufferPct:
		return types.SignalShort
	default:
		return types.SignalNone
	}
}
