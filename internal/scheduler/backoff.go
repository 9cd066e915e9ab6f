package scheduler

import "time"

// backoffDelay computes the retry delay after a given attempt: exponential
// from base, jittered by ±jitter, never above max. attempt starts at 1.
func backoffDelay(base, max time.Duration, jitter float64, attempt int, randFloat func() float64) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 60 * time.Second
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	if jitter > 0 && randFloat != nil {
		r := (randFloat()*2 - 1) * jitter // [-jitter, +jitter]
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > max {
		d = max
	}
	return d
}
