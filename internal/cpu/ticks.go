package cpu

import (
	"math"
	"math/bits"
	"time"
)

// DefaultCounterFrequency is the frequency reported through CNTFRQ_EL0.
const DefaultCounterFrequency = 19_200_000

// TickSource backs the emulated counter registers and the virtual timer.
type TickSource interface {
	Frequency() uint64
	Counter() uint64
}

type monotonicTicks struct {
	freq  uint64
	start time.Time
}

// NewTickSource returns a counter running at freq ticks per second from
// now. A zero freq selects DefaultCounterFrequency.
func NewTickSource(freq uint64) TickSource {
	if freq == 0 {
		freq = DefaultCounterFrequency
	}
	return &monotonicTicks{freq: freq, start: time.Now()}
}

func (t *monotonicTicks) Frequency() uint64 { return t.freq }

func (t *monotonicTicks) Counter() uint64 {
	hi, lo := bits.Mul64(uint64(time.Since(t.start)), t.freq)
	q, _ := bits.Div64(hi, lo, uint64(time.Second))
	return q
}

// ticksToDuration converts n ticks at freq to wall time.
func ticksToDuration(n, freq uint64) time.Duration {
	hi, lo := bits.Mul64(n, uint64(time.Second))
	if hi >= freq {
		return time.Duration(math.MaxInt64)
	}
	q, _ := bits.Div64(hi, lo, freq)
	return time.Duration(min(q, math.MaxInt64))
}
