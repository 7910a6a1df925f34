package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter is a per-connection token bucket: capacity messages at once,
// refilled at capacity per interval.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := interval / time.Duration(capacity)
	if every <= 0 {
		every = time.Nanosecond
	}

	return &rateLimiter{limiter: rate.NewLimiter(rate.Every(every), capacity)}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
