package gemini

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = 60 * time.Second
	backoffMax    = 600 * time.Second
	backoffJitter = 0.2
)

// Backoff produces the quota-exhausted retry delays: doubling from the base
// up to the cap, each with ±20% jitter. Not safe for concurrent use; the
// engine owns one.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
	rand    func() float64
}

// NewBackoff returns a backoff at the standard 60s..600s schedule.
func NewBackoff() *Backoff {
	return &Backoff{base: backoffBase, max: backoffMax, rand: rand.Float64}
}

// Next returns the delay for the next retry and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.base << b.attempt
	if d > b.max {
		d = b.max
	} else {
		b.attempt++
	}

	jitter := float64(d) * backoffJitter
	offset := (b.rand()*2 - 1) * jitter
	return d + time.Duration(offset)
}

// Reset rewinds the schedule after a successful acquisition.
func (b *Backoff) Reset() {
	b.attempt = 0
}
