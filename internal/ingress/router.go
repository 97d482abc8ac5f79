// Package ingress is the Ingress of §4.9: HTTP transport, CORS, security
// headers, per-IP coarse rate limiting, and routing for every endpoint of
// §6.
//
// Built on go-chi/chi/v5 + go-chi/cors (grounded on bugielektrik-library,
// which pairs exactly these two), replacing a single
// http.ListenAndServe(addr, mw) handler with chi's Mux routing table.
package ingress

import (
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/agentpay/gateway/internal/gwctx"
	"github.com/agentpay/gateway/internal/orchestrator"
)

// Router assembles the gateway's HTTP routing table.
type Router struct {
	ctx          *gwctx.Context
	orchestrator *orchestrator.Orchestrator
	mux          *chi.Mux
	limiter      *limiter
	testPeers    []netip.Prefix
	cron         *cron.Cron
}

// New builds the chi.Mux with every route of §6 wired up, plus a shared
// cron.Cron housekeeping job (rate-limit buckets today; the replay set and
// discovery cache evict on their own TTLs via patrickmn/go-cache, so the
// sweep here only needs to cover the hand-rolled token bucket).
func New(ctx *gwctx.Context, orch *orchestrator.Orchestrator, testPeers []netip.Prefix) *Router {
	rt := &Router{
		ctx:          ctx,
		orchestrator: orch,
		limiter:      newLimiter(ctx.Config.RateLimitPerWindow, ctx.Config.RateLimitWindow),
		testPeers:    testPeers,
		cron:         cron.New(),
	}

	mux := chi.NewRouter()
	mux.Use(requestID)
	mux.Use(securityHeaders)
	mux.Use(corsMiddleware(ctx.Config.CORSOrigins))
	mux.Use(rateLimit(rt.limiter))

	mux.Get("/health", rt.handleHealth)
	mux.Get("/status", rt.handleStatus)
	mux.Get("/capabilities", rt.handleCapabilities)
	mux.Get("/mcp", rt.handleMCP)
	mux.Get("/providers", rt.handleProviders)
	mux.Get("/discover", rt.handleDiscover)
	mux.Post("/do", rt.handleDo)
	mux.Post("/do/chain", rt.handleDoChain)
	mux.Get("/usage", rt.handleUsageTotals)
	mux.Get("/usage/capabilities", rt.handleUsageByCapability)
	mux.Get("/usage/timeline", rt.handleUsageTimeline)
	mux.Handle("/metrics", promhttp.Handler())

	rt.mux = mux

	rt.cron.AddFunc("@every 1m", rt.limiter.sweep)
	rt.cron.Start()

	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// Stop halts the housekeeping cron job. Call during graceful shutdown.
func (rt *Router) Stop() {
	rt.cron.Stop()
}
