package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"librarysync/internal/util"
)

// Limiter is satisfied by FixedWindowLimiter.
type Limiter interface {
	Allow(key string) bool
}

// Middleware rejects over-quota requests with 429. Only methods that mutate
// state are counted; reads pass through. A nil limiter disables the check.
func Middleware(limiter Limiter, scope string, trusted *util.TrustedProxies, retryAfterSeconds int, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		key := scope + ":" + util.ClientIP(r, trusted)
		if limiter.Allow(key) {
			next.ServeHTTP(w, r)
			return
		}
		if retryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":     "too many requests",
			"code":      "RATE_LIMITED",
			"requestId": util.RequestIDFromRequest(r),
		})
	})
}
