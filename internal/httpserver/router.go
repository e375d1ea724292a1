// Package httpserver wires the route table, middleware chain, and
// background health prober into a single fasthttp.Server. Grounded on the
// teacher's internal/proxy router/middleware/healthchecker shape, adapted
// from a multi-provider LLM gateway to a single-upstream key-pool gateway.
package httpserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/salesmanchatbot/gemini-gateway/internal/admin"
	"github.com/salesmanchatbot/gemini-gateway/internal/metrics"
	"github.com/salesmanchatbot/gemini-gateway/internal/pool"
	"github.com/salesmanchatbot/gemini-gateway/internal/retry"
	"github.com/salesmanchatbot/gemini-gateway/pkg/apierr"
)

// globalLimiter is the safety-valve rate limiter gating all proxy traffic,
// independent of the per-key limits enforced inside the Key Pool. Satisfied
// by *ratelimit.RPMLimiter; kept as an interface so httpserver never needs
// an opinion on Redis.
type globalLimiter interface {
	Allow(ctx context.Context) (bool, error)
}

// Server owns the fasthttp.Server and every route it exposes.
type Server struct {
	pool        *pool.Pool
	controller  *retry.Controller
	admin       *admin.Surface
	metrics     *metrics.Registry
	health      *HealthChecker
	rpmLimit    globalLimiter
	adminToken  string
	corsOrigins []string

	srv *fasthttp.Server
}

// Config collects the dependencies Server.Register needs.
type Config struct {
	Pool           *pool.Pool
	Controller     *retry.Controller
	Admin          *admin.Surface
	Metrics        *metrics.Registry
	Health         *HealthChecker
	RPMLimit       globalLimiter
	AdminToken     string
	CORSOrigins    []string
	MetricsEnabled bool
}

// New builds a Server with the full route table and middleware chain
// mounted, ready for ListenAndServe.
func New(cfg Config) *Server {
	s := &Server{
		pool:        cfg.Pool,
		controller:  cfg.Controller,
		admin:       cfg.Admin,
		metrics:     cfg.Metrics,
		health:      cfg.Health,
		rpmLimit:    cfg.RPMLimit,
		adminToken:  cfg.AdminToken,
		corsOrigins: cfg.CORSOrigins,
	}

	r := router.New()

	proxyHandler := func(ctx *fasthttp.RequestCtx) {
		s.controller.Handle(ctx)
	}
	guarded := func(ctx *fasthttp.RequestCtx) {
		clientAuth(s.pool, s.adminToken, s.safetyValve(proxyHandler))(ctx)
	}

	r.GET("/v1/models", guarded)
	r.POST("/v1/chat/completions", guarded)
	r.POST("/chat/completions", guarded)
	r.POST("/v1/completions", guarded)
	r.POST("/completions", guarded)
	r.POST("/v1/embeddings", guarded)
	r.POST("/embeddings", guarded)

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if cfg.MetricsEnabled && s.metrics != nil {
		r.GET("/metrics", func(ctx *fasthttp.RequestCtx) { s.metrics.Handler()(ctx) })
	}

	if s.admin != nil {
		s.admin.Register(r)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
		s.instrumented,
	)

	s.srv = &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return s
}

// safetyValve rejects requests once the global RPM limit is exceeded. It is
// a blunt, workspace-wide backstop above the Key Pool's per-key windows —
// absent when no Redis-backed limiter was configured.
func (s *Server) safetyValve(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.rpmLimit == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		allowed, err := s.rpmLimit.Allow(ctx)
		if err != nil || !allowed {
			apierr.WriteRateLimit(ctx)
			return
		}
		next(ctx)
	}
}

// instrumented records the generic HTTP-level metrics around every request,
// regardless of route.
func (s *Server) instrumented(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.metrics == nil {
			next(ctx)
			return
		}
		s.metrics.IncInFlight()
		defer s.metrics.DecInFlight()

		start := time.Now()
		next(ctx)
		route := string(ctx.Path())
		s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}
}

// ListenAndServe starts the HTTP server on addr (e.g. ":8080") and blocks
// until the listener is closed.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully drains in-flight connections.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
