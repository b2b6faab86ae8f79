package auth

import (
	"net/http"
	"strings"

	"github.com/Coldaine/coldProxy/pkg/logger"
	"github.com/Coldaine/coldProxy/pkg/telemetry"
	"github.com/Coldaine/coldProxy/pkg/utils"
)

// ClientIP resolves the rate-limit key: first x-forwarded-for entry,
// then x-real-ip, then "unknown".
func ClientIP(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	return "unknown"
}

// RateLimit rejects requests over the pool's per-IP budget with a
// stable too_many_requests code.
func RateLimit(pool *LimiterPool, metrics *telemetry.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !pool.Allow(ip) {
			if metrics != nil {
				metrics.RateLimited.Inc()
			}
			logger.Warn("rate_limited", "ip", ip, "path", r.URL.Path)
			utils.JSONError(w, http.StatusTooManyRequests, "too_many_requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
