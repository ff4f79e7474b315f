package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/snaprelay/snaprelay/internal/ratelimit"
)

// RateLimitMiddleware creates a middleware that enforces per-origin
// activation rate limits
func RateLimitMiddleware(limiter *ratelimit.Limiter, requestsPerHour int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := requestOrigin(r)

			if origin == "" {
				// No attributable origin, skip rate limiting
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(origin) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.WriteHeader(http.StatusTooManyRequests)

				json.NewEncoder(w).Encode(map[string]string{
					"error": "Rate limit exceeded for this origin.",
				})
				return
			}

			tokens := limiter.Tokens(origin)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(tokens)))

			next.ServeHTTP(w, r)
		})
	}
}

// requestOrigin attributes a request to the host page that sent it
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}

	if referer := r.Referer(); referer != "" {
		if u, err := url.Parse(referer); err == nil && u.Host != "" {
			return u.Scheme + "://" + u.Host
		}
	}

	return ""
}
