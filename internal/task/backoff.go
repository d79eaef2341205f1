package task

import (
	"math/rand/v2"
	"time"
)

// Idle backoff bounds for the poll loop.
const (
	MinIdleInterval = time.Second
	MaxIdleInterval = 60 * time.Second
)

// nextIdleInterval doubles cur and clamps the result to [MinIdleInterval, max].
func nextIdleInterval(cur, max time.Duration) time.Duration {
	if max <= 0 {
		max = MaxIdleInterval
	}
	if cur >= max/2 {
		return max
	}
	next := cur * 2
	if next < MinIdleInterval {
		next = MinIdleInterval
	}
	if next > max {
		next = max
	}
	return next
}

// BackoffConfig parameterises ExponentialRetryDelay.
type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter draws the delay uniformly from [0, computed delay].
	Jitter bool
	// Int64N overrides the jitter source; nil uses math/rand/v2.
	Int64N func(n int64) int64
}

// ExponentialRetryDelay returns a RetryDelayFunc yielding
// BaseDelay * 2^(attempts-1), capped at MaxDelay. A non-positive BaseDelay
// disables retry delays entirely and the function returns nil.
func ExponentialRetryDelay(cfg BackoffConfig) RetryDelayFunc {
	if cfg.BaseDelay <= 0 {
		return nil
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Hour
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	pick := cfg.Int64N
	if pick == nil {
		pick = rand.Int64N
	}

	return func(attempts int) time.Duration {
		if attempts < 1 {
			attempts = 1
		}
		delay := cfg.BaseDelay
		for i := 1; i < attempts; i++ {
			if delay > cfg.MaxDelay/2 {
				delay = cfg.MaxDelay
				break
			}
			delay *= 2
		}
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		if cfg.Jitter {
			delay = time.Duration(pick(int64(delay) + 1))
		}
		return delay
	}
}
