package amqputil

import (
	"math/rand/v2"
	"time"
)

// RetryWaitDuration calculates the wait duration for a retry.
// It is calculated using exponential backoff with jitter.
// It grows with each retry and stops growing after thirteenth retry
// where it is chosen from the interval (32.4s, 97.4s).
// The first retry number is 0, the thirteenth is 12.
func RetryWaitDuration(retry int) time.Duration {
	n := max(min(retry, 12), 0)
	second := int(time.Second)

	// start with 0.5s
	duration := second / 2

	// multiply by 1.5 to the power of n
	for i := 0; i < n; i++ {
		duration /= 2
		duration *= 3
	}

	// add or subtract up to 50%
	jitter := rand.IntN(duration) - duration/2
	duration += jitter

	return time.Duration(duration)
}
