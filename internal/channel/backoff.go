package channel

import "time"

// Default reconnect bounds, matching a Modbus/serial friendly pace.
const (
	defaultBackoffInitial    = 200 * time.Millisecond
	defaultBackoffMax        = 5 * time.Second
	defaultBackoffMultiplier = 2.0
)

// Backoff bounds the delay between reconnection attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// MaxAttempts of 0 retries until the channel is disconnected.
	MaxAttempts int
}

// withDefaults fills zero fields.
func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = defaultBackoffInitial
	}
	if b.Max < b.Initial {
		b.Max = defaultBackoffMax
		if b.Max < b.Initial {
			b.Max = b.Initial
		}
	}
	if b.Multiplier < 1 {
		b.Multiplier = defaultBackoffMultiplier
	}
	return b
}

// next returns the delay following current, capped at Max.
func (b Backoff) next(current time.Duration) time.Duration {
	if current <= 0 {
		return b.Initial
	}
	n := time.Duration(float64(current) * b.Multiplier)
	if n > b.Max || n <= 0 {
		return b.Max
	}
	return n
}

// exhausted reports whether attempt (1-based) was the last one allowed.
func (b Backoff) exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}
