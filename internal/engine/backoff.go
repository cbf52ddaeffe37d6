package engine

import (
	"math/rand"
	"time"
)

// backoffDelay returns the reconnect delay for the given attempt:
// exponential from base, capped, with up to 20% jitter so a fleet of
// workers does not reconnect in lockstep.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = time.Minute
	}

	// attempt counts from 1, so the first retry waits the base delay.
	d := base
	for i := 1; i < attempt && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}

	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d - jitter
}
