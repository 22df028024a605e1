package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/flowpbx/astmrf/internal/ratelimit"
	"golang.org/x/time/rate"
)

// DefaultRateLimitConfig returns the limits for operator API calls:
// 20 requests/second with burst of 40.
func DefaultRateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		Rate:            rate.Limit(20),
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// TokenRateLimitConfig returns the limits for the token endpoint:
// one attempt every two seconds with burst of 5.
func TokenRateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		Rate:            rate.Every(2 * time.Second),
		Burst:           5,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// RateLimit returns HTTP middleware that rate limits requests by client IP.
// When the limit is exceeded, it returns 429 Too Many Requests with a
// Retry-After header.
func RateLimit(limiter *ratelimit.Keyed) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)

			if !limiter.Allow(ip) {
				slog.Warn("rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", limiter.RetryAfter())
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client IP address from the request. It uses
// RemoteAddr and strips the port. The chi RealIP middleware should run
// before this to set RemoteAddr from X-Forwarded-For / X-Real-IP if
// the server is behind a reverse proxy.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
