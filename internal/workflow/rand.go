package workflow

import "math/rand/v2"

// RandFunc returns a value in [0, n). Tests substitute a deterministic one.
type RandFunc func(n int64) int64

var DefaultRand RandFunc = rand.Int64N

// Uniform draws from [lo, hi] inclusive. A collapsed or inverted range
// returns lo.
func Uniform(r RandFunc, lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	if r == nil {
		r = DefaultRand
	}
	return lo + r(hi-lo+1)
}
