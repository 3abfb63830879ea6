package channel

import "time"

const (
	DefaultReconnectBase = time.Second
	DefaultReconnectMax  = 30 * time.Second
)

// Backoff produces capped exponential reconnect delays: Base, 2*Base,
// 4*Base and so on, never more than Max. The zero value uses the defaults.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	next time.Duration
}

// Next returns the delay before the next attempt and doubles the one after.
func (b *Backoff) Next() time.Duration {
	base, max := b.bounds()
	if b.next <= 0 {
		b.next = base
	}
	d := b.next
	b.next = min(d*2, max)
	return min(d, max)
}

// Reset starts the sequence over; called after every successful connection.
func (b *Backoff) Reset() {
	b.next = 0
}

func (b *Backoff) bounds() (time.Duration, time.Duration) {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if max <= 0 {
		max = DefaultReconnectMax
	}
	if max < base {
		max = base
	}
	return base, max
}
