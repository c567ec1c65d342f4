// README: Exponential redelivery backoff for failed handlers.
package queue

import "time"

// Backoff returns base * 2^(delivery-1), capped at max.
func Backoff(base, max time.Duration, delivery int) time.Duration {
	if delivery < 1 {
		delivery = 1
	}
	d := base
	for i := 1; i < delivery; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
