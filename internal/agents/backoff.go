package agents

import (
	"math/rand/v2"
	"time"
)

// Backoff yields exponentially growing delays with symmetric jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	attempt int
	rand    func() float64
}

// NewBackoff returns the agent's default policy: 1s doubling up to 60s,
// with +-20% jitter.
func NewBackoff() *Backoff {
	return &Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.2, rand: rand.Float64}
}

// Next returns the delay before the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.Max
	if b.attempt < 32 {
		if exp := b.Base << b.attempt; exp > 0 && exp < b.Max {
			d = exp
		}
	}
	b.attempt++

	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	spread := float64(d) * b.Jitter
	return time.Duration(float64(d) + (r()*2-1)*spread)
}

// Reset starts the sequence over after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns how many delays were handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}
