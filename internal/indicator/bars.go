// Package indicator maintains the per-symbol market state derived from the
// trade stream: fixed-timeframe OHLC bars with ATR, and a short tick window
// for the impulse return. Everything here is float64 — this is the hot
// per-tick path and no exchange-facing precision is required.
package indicator

import "time"

// Bar is one closed (or forming) OHLC bar.
type Bar struct {
	Start time.Time
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// BarSeries aggregates ticks into fixed-timeframe bars and keeps a bounded
// ring of closed bars for ATR. Not safe for concurrent use; the engine
// serializes all tick handling.
type BarSeries struct {
	tf      time.Duration
	maxBars int

	closed  []Bar
	current *Bar
}

// NewBarSeries creates a series with tfSec-second bars, retaining enough
// closed bars for an ATR over lookbackMinutes of history.
func NewBarSeries(tfSec, lookbackMinutes int) *BarSeries {
	need := lookbackMinutes*60/tfSec + 10
	if need < 200 {
		need = 200
	}
	return &BarSeries{
		tf:      time.Duration(tfSec) * time.Second,
		maxBars: need,
	}
}

// Update folds one tick into the series, closing the current bar when the
// tick falls into a later bucket.
func (s *BarSeries) Update(price float64, ts time.Time) {
	bucket := ts.Truncate(s.tf)

	if s.current == nil {
		s.current = &Bar{Start: bucket, Open: price, High: price, Low: price, Close: price}
		return
	}

	if bucket.After(s.current.Start) {
		s.closed = append(s.closed, *s.current)
		if len(s.closed) > s.maxBars {
			s.closed = s.closed[len(s.closed)-s.maxBars:]
		}
		s.current = &Bar{Start: bucket, Open: price, High: price, Low: price, Close: price}
		return
	}

	if price > s.current.High {
		s.current.High = price
	}
	if price < s.current.Low {
		s.current.Low = price
	}
	s.current.Close = price
}

// ClosedBars returns the number of completed bars.
func (s *BarSeries) ClosedBars() int { return len(s.closed) }

// ATRPct returns the average true range over the last period closed bars,
// as a percentage of the latest close. ok is false until period+1 closed
// bars exist (the true range needs a previous close).
func (s *BarSeries) ATRPct(period int) (float64, bool) {
	if period <= 0 || len(s.closed) < period+1 {
		return 0, false
	}

	sum := 0.0
	for i := len(s.closed) - period; i < len(s.closed); i++ {
		bar := s.closed[i]
		prevClose := s.closed[i-1].Close
		tr := bar.High - bar.Low
		if d := abs(bar.High - prevClose); d > tr {
			tr = d
		}
		if d := abs(bar.Low - prevClose); d > tr {
			tr = d
		}
		sum += tr
	}

	lastClose := s.closed[len(s.closed)-1].Close
	if lastClose <= 0 {
		return 0, false
	}
	return sum / float64(period) / lastClose * 100, true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
