package indicator

import (
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestBarSeriesRollsOnBucketBoundary(t *testing.T) {
	t.Parallel()

	s := NewBarSeries(60, 20)
	s.Update(100, t0)
	s.Update(105, t0.Add(10*time.Second))
	s.Update(98, t0.Add(30*time.Second))
	if s.ClosedBars() != 0 {
		t.Fatalf("closed = %d before roll", s.ClosedBars())
	}

	s.Update(101, t0.Add(61*time.Second))
	if s.ClosedBars() != 1 {
		t.Fatalf("closed = %d after roll", s.ClosedBars())
	}

	bar := s.closed[0]
	if bar.Open != 100 || bar.High != 105 || bar.Low != 98 || bar.Close != 98 {
		t.Errorf("bar = %+v", bar)
	}
	if !bar.Start.Equal(t0) {
		t.Errorf("start = %v", bar.Start)
	}
}

func TestBarSeriesSkipsEmptyBuckets(t *testing.T) {
	t.Parallel()

	s := NewBarSeries(60, 20)
	s.Update(100, t0)
	// Next tick three buckets later: only one bar closes, no synthetic fill.
	s.Update(102, t0.Add(200*time.Second))
	if s.ClosedBars() != 1 {
		t.Fatalf("closed = %d", s.ClosedBars())
	}
}

func TestATRPctNeedsPeriodPlusOne(t *testing.T) {
	t.Parallel()

	s := NewBarSeries(60, 20)
	for i := 0; i < 14; i++ {
		s.Update(100, t0.Add(time.Duration(i)*time.Minute))
	}
	// 13 closed bars so far; period 14 needs 15.
	if _, ok := s.ATRPct(14); ok {
		t.Fatal("ATR reported with insufficient bars")
	}
}

func TestATRPctConstantRange(t *testing.T) {
	t.Parallel()

	s := NewBarSeries(60, 20)
	// Each bar: open=close=100, high=101, low=99. TR = 2, close = 100.
	for i := 0; i < 20; i++ {
		base := t0.Add(time.Duration(i) * time.Minute)
		s.Update(100, base)
		s.Update(101, base.Add(10*time.Second))
		s.Update(99, base.Add(20*time.Second))
		s.Update(100, base.Add(30*time.Second))
	}

	got, ok := s.ATRPct(14)
	if !ok {
		t.Fatal("ATR unavailable")
	}
	if math.Abs(got-2.0) > 1e-9 {
		t.Fatalf("ATRPct = %v, want 2.0", got)
	}
}

func TestATRPctUsesGapToPrevClose(t *testing.T) {
	t.Parallel()

	s := NewBarSeries(60, 20)
	// Flat bars at 100, then one bar gapping to 110 with no intrabar range:
	// its TR is the 10-point gap from the previous close.
	for i := 0; i < 15; i++ {
		s.Update(100, t0.Add(time.Duration(i)*time.Minute))
	}
	s.Update(110, t0.Add(15*time.Minute))
	s.Update(110, t0.Add(16*time.Minute)) // closes the gap bar

	got, ok := s.ATRPct(14)
	if !ok {
		t.Fatal("ATR unavailable")
	}
	// 13 flat bars (TR 0) + one gap bar (TR 10) over period 14, close 110.
	want := 10.0 / 14.0 / 110.0 * 100.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("ATRPct = %v, want %v", got, want)
	}
}

func TestImpulsePct(t *testing.T) {
	t.Parallel()

	b := NewTickBuffer(10 * time.Second)

	if _, ok := b.ImpulsePct(t0); ok {
		t.Fatal("impulse with no samples")
	}

	b.Add(100, t0)
	if _, ok := b.ImpulsePct(t0); ok {
		t.Fatal("impulse with one sample")
	}

	b.Add(101, t0.Add(5*time.Second))
	b.Add(102, t0.Add(9*time.Second))

	got, ok := b.ImpulsePct(t0.Add(9 * time.Second))
	if !ok {
		t.Fatal("impulse unavailable")
	}
	// Baseline is the oldest sample inside [now-10s, now]: price 100.
	if math.Abs(got-2.0) > 1e-9 {
		t.Fatalf("ImpulsePct = %v, want 2.0", got)
	}
}

func TestImpulsePctFallsBackToEarliest(t *testing.T) {
	t.Parallel()

	b := NewTickBuffer(10 * time.Second)
	b.Add(100, t0)
	b.Add(95, t0.Add(2*time.Second))

	// Every sample is older than the window; the earliest retained sample
	// becomes the baseline.
	got, ok := b.ImpulsePct(t0.Add(30 * time.Second))
	if !ok {
		t.Fatal("impulse unavailable")
	}
	if math.Abs(got-(-5.0)) > 1e-9 {
		t.Fatalf("ImpulsePct = %v, want -5.0", got)
	}
}
