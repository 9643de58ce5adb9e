package client

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff yields exponentially growing reconnect delays. Jitter only ever
// stretches a delay, so successive delays never shrink before the cap.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	mu      sync.Mutex
	attempt int
	last    time.Duration
	rand    func() float64
}

func NewBackoff(base, ceiling time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	if jitter < 0 || jitter >= 1 {
		jitter = 0.2
	}
	return &Backoff{Base: base, Max: ceiling, Jitter: jitter, rand: rand.Float64}
}

// Next returns the delay before the next attempt and counts it.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.Base << min(b.attempt, 30)
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	d += time.Duration(float64(d) * b.Jitter * b.rand())
	if d > b.Max {
		d = b.Max
	}
	// base·2^n·(1+j) < base·2^(n+1) holds for j < 1; the clamp keeps it true
	// once the cap is reached.
	if d < b.last {
		d = b.last
	}
	b.last = d
	b.attempt++
	return d
}

// Reset is called after a successful connection only.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
	b.last = 0
}

func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
