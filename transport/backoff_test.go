package transport

import (
	"testing"
	"time"
)

// TestBackoffWithinJitterBounds implements testable property 10: the k-th
// delay falls within [0.5*base_k, 1.5*base_k] where base_k =
// min(max_delay, initial_delay * multiplier^(k-1)).
func TestBackoffWithinJitterBounds(t *testing.T) {
	p := ReconnectPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2.0}

	bases := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second, // capped
	}

	for k := 1; k <= len(bases); k++ {
		base := bases[k-1]
		lo := time.Duration(float64(base) * 0.5)
		hi := time.Duration(float64(base) * 1.5)
		for i := 0; i < 50; i++ {
			d := p.delay(k)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v] (base %v)", k, d, lo, hi, base)
			}
		}
	}
}

func TestReconnectExhaustion(t *testing.T) {
	p := ReconnectPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 3}
	if p.exhausted(3) {
		t.Error("attempt 3 should not yet be exhausted with MaxAttempts=3")
	}
	if !p.exhausted(4) {
		t.Error("attempt 4 should be exhausted with MaxAttempts=3")
	}
}

func TestReconnectUnboundedByDefault(t *testing.T) {
	p := DefaultReconnectPolicy()
	if p.exhausted(1000) {
		t.Error("MaxAttempts=0 should never report exhausted")
	}
}
