package link

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// resetThreshold is the connection lifetime after which the next
// reconnect starts from the initial interval again.
const resetThreshold = 30 * time.Second

// newReconnectBackoff creates the reconnect schedule: initial → max,
// multiplier 2x, ±20% jitter.
func newReconnectBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}
