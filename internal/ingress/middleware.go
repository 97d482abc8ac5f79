package ingress

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/agentpay/gateway/internal/gwerr"
)

type requestIDKey struct{}

const requestIDHeader = "X-Request-ID"

// requestID assigns each inbound request a uuid (reusing one supplied by an
// upstream proxy in requestIDHeader, if present), echoes it back on the
// response, and logs one line carrying it when the request completes so the
// gateway's structured logs can be correlated per request.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		slog.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"durationMs", time.Since(start).Milliseconds(),
		)
	})
}

// securityHeaders adds the strict headers required by §4.9.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "x-wallet-address", "x-payment", "x-test-key", "payment-signature"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}

// rateLimit is the exempt-aware per-IP token-bucket middleware of §4.9.
func rateLimit(l *limiter) func(http.Handler) http.Handler {
	exempt := map[string]bool{"/health": true, "/status": true, "/metrics": true}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if !l.allow(clientIP(r)) {
				writeError(w, gwerr.RateLimited())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
