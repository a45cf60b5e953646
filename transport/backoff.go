package transport

import (
	"math/rand"
	"time"
)

// ReconnectPolicy configures ClientEndpoint's backoff-with-jitter reconnect
// algorithm (spec §4.3).
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 = unbounded
}

// DefaultReconnectPolicy matches the spec's stated defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// delay computes the backoff sleep for the given 1-indexed attempt number:
// min(max_delay, initial_delay * multiplier^(attempt-1)) * random(0.5, 1.5)
// (testable property 10: the k-th delay falls within [0.5*base_k, 1.5*base_k]).
func (p ReconnectPolicy) delay(attempt int) time.Duration {
	base := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		base *= p.Multiplier
		if base > float64(p.MaxDelay) {
			base = float64(p.MaxDelay)
			break
		}
	}
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(base * jitter)
}

// exhausted reports whether attempt has used up the configured retry
// budget. MaxAttempts == 0 means unbounded.
func (p ReconnectPolicy) exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
