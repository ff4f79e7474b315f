package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter throttles activation requests per originating page origin,
// so one misbehaving host page cannot monopolize the workflow.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a limiter allowing requestsPerHour activations
// per origin, with the given burst.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	r := rate.Limit(float64(requestsPerHour) / 3600.0)

	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// GetLimiter returns the rate limiter for a specific origin
func (l *Limiter) GetLimiter(origin string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[origin]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[origin] = limiter
	}

	return limiter
}

// Allow checks if a request from the given origin is allowed
func (l *Limiter) Allow(origin string) bool {
	return l.GetLimiter(origin).Allow()
}

// Tokens returns the current number of available tokens for an origin
func (l *Limiter) Tokens(origin string) float64 {
	return l.GetLimiter(origin).Tokens()
}
