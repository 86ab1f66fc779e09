package indicator

import "time"

type tickSample struct {
	price float64
	ts    time.Time
}

// TickBuffer keeps recent ticks for the short impulse-return window.
// Not safe for concurrent use.
type TickBuffer struct {
	lookback time.Duration
	samples  []tickSample
}

// NewTickBuffer creates a buffer covering the impulse lookback window.
func NewTickBuffer(lookback time.Duration) *TickBuffer {
	return &TickBuffer{lookback: lookback}
}

// Add records one tick and evicts samples older than twice the lookback.
// The extra slack keeps a reference sample just outside the window so the
// impulse baseline does not jump when ticks are sparse.
func (b *TickBuffer) Add(price float64, ts time.Time) {
	b.samples = append(b.samples, tickSample{price, ts})

	cutoff := ts.Add(-2 * b.lookback)
	i := 0
	for i < len(b.samples)-1 && b.samples[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = b.samples[i:]
	}
}

// ImpulsePct returns the percentage return from the start of the lookback
// window to the latest tick. The baseline is the oldest sample inside the
// window, or the earliest retained sample when none fall inside. ok is
// false with fewer than two samples or a non-positive baseline.
func (b *TickBuffer) ImpulsePct(now time.Time) (float64, bool) {
	if len(b.samples) < 2 {
		return 0, false
	}

	last := b.samples[len(b.samples)-1]
	windowStart := now.Add(-b.lookback)

	base := b.samples[0]
	for _, s := range b.samples {
		if !s.ts.Before(windowStart) {
			base = s
			break
		}
	}
	if base.price <= 0 {
		return 0, false
	}
	return (last.price - base.price) / base.price * 100, true
}
