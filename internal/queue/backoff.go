package queue

import "time"

const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// maxBackoff caps exponential growth.
const maxBackoff = time.Hour

type Backoff struct {
	Type  string
	Delay time.Duration
}

// Next returns the delay before the given retry attempt (1-based).
// Exponential backoff is delay * 2^(attempt-1), without jitter.
func (b Backoff) Next(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	switch b.Type {
	case BackoffFixed:
		return b.Delay
	case BackoffExponential, "":
		d := b.Delay
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxBackoff {
				return maxBackoff
			}
		}
		return d
	default:
		return b.Delay
	}
}
