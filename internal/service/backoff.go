package service

import "time"

// RetryDelay returns the bounded exponential delay before the n-th retry of
// an outbox entry: base * 2^(n-1), capped. The curve is a tunable, not a
// correctness requirement; only the bounds matter.
func RetryDelay(retry int, base, cap time.Duration) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// pollBackoff drives the dispatcher's adaptive interval: the fast floor while
// cycles find work, the slow ceiling once idleThreshold consecutive cycles
// come back empty. Activity snaps it back to the floor.
type pollBackoff struct {
	fast          time.Duration
	slow          time.Duration
	idleThreshold int
	idleCycles    int
}

func newPollBackoff(fast, slow time.Duration, idleThreshold int) *pollBackoff {
	if fast <= 0 {
		fast = time.Second
	}
	if slow < fast {
		slow = 30 * time.Second
	}
	if idleThreshold <= 0 {
		idleThreshold = 3
	}
	return &pollBackoff{fast: fast, slow: slow, idleThreshold: idleThreshold}
}

func (b *pollBackoff) observe(foundWork bool) {
	if foundWork {
		b.idleCycles = 0
		return
	}
	if b.idleCycles < b.idleThreshold {
		b.idleCycles++
	}
}

func (b *pollBackoff) interval() time.Duration {
	if b.idleCycles >= b.idleThreshold {
		return b.slow
	}
	return b.fast
}
