// Package timebase converts between absolute nanosecond timestamps and sample
// numbers at a rational edit rate without accumulating rounding error, so that
// non-integer rates such as 60000/1001 stay exact over long runs.
package timebase

import (
	"math"
	"math/big"
	"math/bits"
	"time"

	"github.com/zsiec/phasemux/internal/media"
)

const nanosPerSecond = uint64(time.Second)

// SampleNumber returns the index of the sample at the given rate whose start
// is nearest to ns: round(ns * Num / (Den * 1e9)).
func SampleNumber(ns int64, rate media.EditRate) int64 {
	den, ok := mul(uint64(rate.Den), nanosPerSecond)
	if !ok {
		return bigRound(big.NewInt(ns), big.NewInt(rate.Num), new(big.Int).Mul(big.NewInt(rate.Den), big.NewInt(int64(nanosPerSecond))))
	}
	return signedMulDivRound(ns, uint64(rate.Num), den)
}

// Nanoseconds returns the start of sample sn at the given rate, rounded to the
// nearest nanosecond: round(sn * Den * 1e9 / Num).
func Nanoseconds(sn int64, rate media.EditRate) int64 {
	num, ok := mul(uint64(rate.Den), nanosPerSecond)
	if !ok {
		return bigRound(big.NewInt(sn), new(big.Int).Mul(big.NewInt(rate.Den), big.NewInt(int64(nanosPerSecond))), big.NewInt(rate.Num))
	}
	return signedMulDivRound(sn, num, uint64(rate.Num))
}

// Span returns the duration of sample sn, computed from the boundaries of sn
// and sn+1 so that consecutive spans tile the timeline exactly.
func Span(sn int64, rate media.EditRate) int64 {
	return Nanoseconds(sn+1, rate) - Nanoseconds(sn, rate)
}

// CeilDuration returns the duration of n samples at the given rate, rounded
// up to the next multiple of unit.
func CeilDuration(n int64, rate media.EditRate, unit time.Duration) time.Duration {
	// n * Den * 1e9 / (Num * unit), rounded up.
	num := new(big.Int).Mul(big.NewInt(n), big.NewInt(rate.Den))
	num.Mul(num, big.NewInt(int64(nanosPerSecond)))
	den := new(big.Int).Mul(big.NewInt(rate.Num), big.NewInt(int64(unit)))
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsInt64() {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(q.Int64()) * unit
}

func mul(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

// signedMulDivRound computes round(v * m / d), rounding half away from zero.
func signedMulDivRound(v int64, m, d uint64) int64 {
	neg := v < 0
	abs := uint64(v)
	if neg {
		abs = uint64(-v)
	}

	hi, lo := bits.Mul64(abs, m)
	lo, carry := bits.Add64(lo, d/2, 0)
	hi += carry
	if hi >= d {
		r := bigRound(big.NewInt(v), new(big.Int).SetUint64(m), new(big.Int).SetUint64(d))
		return r
	}
	q, _ := bits.Div64(hi, lo, d)
	if q > math.MaxInt64 {
		q = math.MaxInt64
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}

func bigRound(v, m, d *big.Int) int64 {
	p := new(big.Int).Mul(v, m)
	neg := p.Sign() < 0
	p.Abs(p)
	p.Add(p, new(big.Int).Rsh(d, 1))
	p.Quo(p, d)
	if neg {
		p.Neg(p)
	}
	if !p.IsInt64() {
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	return p.Int64()
}
