// Package server provides the HTTP API for intent execution, memory
// retrieval, and risk-event inspection.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/wardenlabs/warden/internal/riskevent"
)

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// SetTenantID stores tenant_id in the request context.
func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantIDFromContext returns the tenant_id from context, or "" if not set.
func TenantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey).(string); ok {
		return v
	}
	return ""
}

// AuthMiddleware validates X-Warden-Key or Authorization: Bearer <key> and
// sets tenant_id in context. apiKeys maps key -> tenant_id.
func AuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Warden-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if key == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			var tenantID string
			for k, t := range apiKeys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					tenantID = t
					break
				}
			}
			if tenantID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			r = r.WithContext(SetTenantID(r.Context(), tenantID))
			next.ServeHTTP(w, r)
		})
	}
}

// tenantLimiter holds one token bucket per tenant.
type tenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newTenantLimiter(rps float64, burst int) *tenantLimiter {
	return &tenantLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (tl *tenantLimiter) allow(tenantID string) bool {
	tl.mu.Lock()
	lim, ok := tl.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(tl.limit, tl.burst)
		tl.limiters[tenantID] = lim
	}
	tl.mu.Unlock()
	return lim.Allow()
}

// RateLimitMiddleware returns 429 when a tenant's token bucket is exhausted
// and records a rate_limit_exceeded risk event. A nil limiter disables the
// check.
func RateLimitMiddleware(tl *tenantLimiter, events EventLogger) func(http.Handler) http.Handler {
	if tl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := TenantIDFromContext(r.Context())
			if tenantID == "" || tl.allow(tenantID) {
				next.ServeHTTP(w, r)
				return
			}
			if events != nil {
				ev := riskevent.NewEvent(tenantID, riskevent.TypeRateLimitExceeded).
					WithDetail("path", r.URL.Path)
				if err := events.Log(r.Context(), ev); err != nil {
					log.Debug().Err(err).Msg("risk_event_log_failed")
				}
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
				"request rate limit exceeded for tenant")
		})
	}
}

// writeError writes a JSON error response. Defined here so the middleware
// can use it; handlers.go uses the same helper.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
