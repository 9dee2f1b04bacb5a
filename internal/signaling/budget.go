package signaling

import (
	"math"
	"time"

	"github.com/cenkalti/backoff"
)

// Budget is the reconnect budget of one transport: attempt n (0-based)
// waits base*factor^n, and after MaxAttempts consecutive failures the
// budget is exhausted. A successful connect resets it.
//
// Budget is not safe for concurrent use; Transport guards it with its own
// mutex.
type Budget struct {
	maxAttempts int
	attempt     int
	curve       *backoff.ExponentialBackOff
}

// NewBudget creates a budget. maxDelay caps a single delay; zero means no
// cap. Jitter is disabled so the schedule is exactly geometric.
func NewBudget(base time.Duration, factor float64, maxAttempts int, maxDelay time.Duration) *Budget {
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}

	curve := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          factor,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	curve.Reset()

	return &Budget{maxAttempts: maxAttempts, curve: curve}
}

// Next consumes one attempt and returns the delay before it. ok is false
// once MaxAttempts attempts have been consumed since the last Reset.
func (b *Budget) Next() (delay time.Duration, ok bool) {
	if b.attempt >= b.maxAttempts {
		return 0, false
	}
	b.attempt++
	return b.curve.NextBackOff(), true
}

// Reset zeroes the attempt counter and restarts the delay curve at base.
func (b *Budget) Reset() {
	b.attempt = 0
	b.curve.Reset()
}

// Attempt returns the number of attempts consumed since the last Reset.
func (b *Budget) Attempt() int { return b.attempt }

// MaxAttempts returns the configured cap.
func (b *Budget) MaxAttempts() int { return b.maxAttempts }
