package gateway

import (
	"golang.org/x/time/rate"
	"sync"
)

// RateLimiter applies a soft per-client requests-per-minute cap, §5
// "Backpressure". rpm <= 0 disables limiting entirely.
type RateLimiter struct {
	rpm   int
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	return &RateLimiter{rpm: rpm, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (rl *RateLimiter) Enabled() bool { return rl.rpm > 0 }

// Allow reports whether clientID may proceed now, lazily creating a
// per-client token bucket refilling at rpm/minute.
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.Enabled() {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(rl.rpm)/60.0), rl.burst)
		rl.limiters[clientID] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}
