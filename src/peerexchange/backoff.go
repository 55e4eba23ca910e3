package peerexchange

import (
	"math/rand"
	"time"
)

// Backoff computes exponentially growing retry delays with jitter. It is not
// safe for concurrent use.
type Backoff struct {
	min, max time.Duration
	attempt  int
	rnd      *rand.Rand
}

// NewBackoff returns a Backoff starting at min and capped at max.
func NewBackoff(min, max time.Duration, rnd *rand.Rand) *Backoff {
	if max < min {
		max = min
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{min: min, max: max, rnd: rnd}
}

// Next returns the delay before the next attempt. The base delay doubles with
// every call until it reaches max; the result is drawn uniformly from the
// upper half of the base delay.
func (b *Backoff) Next() time.Duration {
	shift := b.attempt
	if shift > 30 {
		shift = 30
	}
	b.attempt++

	d := b.min << uint(shift)
	if d > b.max || d <= 0 {
		d = b.max
	}

	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(b.rnd.Int63n(int64(half)+1))
}

// Attempts is the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset ...
func (b *Backoff) Reset() {
	b.attempt = 0
}
