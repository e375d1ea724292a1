package httpserver

import (
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/salesmanchatbot/gemini-gateway/internal/admin"
	"github.com/salesmanchatbot/gemini-gateway/internal/datastore"
	"github.com/salesmanchatbot/gemini-gateway/internal/forwarder"
	"github.com/salesmanchatbot/gemini-gateway/internal/metrics"
	"github.com/salesmanchatbot/gemini-gateway/internal/pool"
	"github.com/salesmanchatbot/gemini-gateway/internal/retry"
	"github.com/salesmanchatbot/gemini-gateway/internal/rewrite"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	p := pool.New([]*pool.KeyState{
		pool.NewKeyState("pool-credential", 0, time.Now()),
	}, pool.Limits{RPM: 60, RPH: 1000, RPD: 10000})
	r := rewrite.New(rewrite.Config{UpstreamBaseURL: "http://upstream"})
	f := forwarder.New(nil, 5*time.Second, nil)
	controller := retry.New(p, r, f, "test-model")

	store := datastore.NewMemory()
	surface := admin.New(store, p, "admin-token", pool.Limits{RPM: 60, RPH: 1000, RPD: 10000}, nil)
	reg := metrics.New()

	return New(Config{
		Pool:           p,
		Controller:     controller,
		Admin:          surface,
		Metrics:        reg,
		AdminToken:     "admin-token",
		CORSOrigins:    []string{"*"},
		MetricsEnabled: true,
	})
}

func doRequest(s *Server, method, path, token string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if token != "" {
		ctx.Request.Header.Set("Authorization", "Bearer "+token)
	}
	s.srv.Handler(ctx)
	return ctx
}

func TestRouter_HealthIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	ctx := doRequest(s, fasthttp.MethodGet, "/health", "")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d, want 200", ctx.Response.StatusCode())
	}
}

func TestRouter_ProxyRouteRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	ctx := doRequest(s, fasthttp.MethodGet, "/v1/models", "")
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
	}
}

func TestRouter_ProxyRouteAcceptsPoolCredential(t *testing.T) {
	s := newTestServer(t)
	ctx := doRequest(s, fasthttp.MethodGet, "/v1/models", "pool-credential")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d, want 200", ctx.Response.StatusCode())
	}
}

func TestRouter_AdminRouteRequiresAdminToken(t *testing.T) {
	s := newTestServer(t)
	ctx := doRequest(s, fasthttp.MethodGet, "/admin/status", "pool-credential")
	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Errorf("status = %d, want 403 — a pool credential must not satisfy admin auth", ctx.Response.StatusCode())
	}
}

func TestRouter_MetricsExposedWhenEnabled(t *testing.T) {
	s := newTestServer(t)
	ctx := doRequest(s, fasthttp.MethodGet, "/metrics", "")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d, want 200", ctx.Response.StatusCode())
	}
}

func TestRouter_UnrecognizedPathIs404(t *testing.T) {
	s := newTestServer(t)
	ctx := doRequest(s, fasthttp.MethodGet, "/not-a-real-route", "")
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("status = %d, want 404", ctx.Response.StatusCode())
	}
}
