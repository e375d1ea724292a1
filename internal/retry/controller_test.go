package retry

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/salesmanchatbot/gemini-gateway/internal/forwarder"
	"github.com/salesmanchatbot/gemini-gateway/internal/pool"
	"github.com/salesmanchatbot/gemini-gateway/internal/rewrite"
)

func newPool(t *testing.T, n int) *pool.Pool {
	t.Helper()
	states := make([]*pool.KeyState, n)
	for i := range states {
		states[i] = pool.NewKeyState("key-value-"+string(rune('a'+i)), 0, time.Now())
	}
	return pool.New(states, pool.Limits{RPM: 60, RPH: 1000, RPD: 10000})
}

func newController(t *testing.T, n int, handler fasthttp.RequestHandler) (*Controller, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, handler) }()

	p := newPool(t, n)
	r := rewrite.New(rewrite.Config{UpstreamBaseURL: "http://upstream"})
	f := forwarder.New(nil, 5*time.Second, nil)
	f.SetDialer(func(addr string) (net.Conn, error) {
		return ln.Dial()
	})

	c := New(p, r, f, "salesmanchatbot-pro")
	return c, func() { ln.Close() }
}

func requestCtx(method, path string, body []byte) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	ctx.Request.SetBody(body)
	return ctx
}

func TestHandle_UnrecognizedPath404sWithoutTouchingUpstream(t *testing.T) {
	c, cleanup := newController(t, 2, func(ctx *fasthttp.RequestCtx) {
		t.Fatal("upstream should never be hit for an unrecognized path")
	})
	defer cleanup()

	ctx := requestCtx(fasthttp.MethodGet, "/v1/not-a-real-route", nil)
	c.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("status = %d, want 404", ctx.Response.StatusCode())
	}
}

func TestHandle_ModelListingGETNeverTouchesUpstream(t *testing.T) {
	c, cleanup := newController(t, 2, func(ctx *fasthttp.RequestCtx) {
		t.Fatal("GET /v1/models must be synthesized, never forwarded")
	})
	defer cleanup()

	ctx := requestCtx(fasthttp.MethodGet, "/v1/models", nil)
	c.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d, want 200", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "salesmanchatbot-pro") {
		t.Errorf("body = %q, want the public alias advertised", ctx.Response.Body())
	}
}

func TestHandle_ModelExecutionSuccessOnFirstKey(t *testing.T) {
	c, cleanup := newController(t, 3, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(`{"id":"resp-1"}`)
	})
	defer cleanup()

	ctx := requestCtx(fasthttp.MethodPost, "/v1/chat/completions", []byte(`{"model":"salesmanchatbot-pro"}`))
	c.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d, want 200", ctx.Response.StatusCode())
	}
}

func TestHandle_ClassifiedFailureReturnsVerbatimWithoutRetrying(t *testing.T) {
	attempts := 0
	c, cleanup := newController(t, 2, func(ctx *fasthttp.RequestCtx) {
		attempts++
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetBodyString(`{"error":"down"}`)
	})
	defer cleanup()

	ctx := requestCtx(fasthttp.MethodPost, "/v1/chat/completions", []byte(`{}`))
	c.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("expected the first attempt's classified failure to return verbatim, got %d", ctx.Response.StatusCode())
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want exactly 1 — a classified failure is not retried", attempts)
	}
}

func TestHandle_TransportErrorsExhaustPoolInto429(t *testing.T) {
	ln := fasthttputil.NewInmemoryListener()
	ln.Close() // every dial fails: simulates a fully unreachable upstream

	p := newPool(t, 2)
	r := rewrite.New(rewrite.Config{UpstreamBaseURL: "http://upstream"})
	f := forwarder.New(nil, 2*time.Second, nil)
	f.SetDialer(func(addr string) (net.Conn, error) {
		return ln.Dial()
	})
	c := New(p, r, f, "salesmanchatbot-pro")

	ctx := requestCtx(fasthttp.MethodPost, "/v1/chat/completions", []byte(`{}`))
	c.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 after every key's transport attempt fails", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "all keys unavailable") {
		t.Errorf("body = %q, want the all-keys-unavailable envelope", ctx.Response.Body())
	}
}

// denyAllKeyLimiter simulates a distributed per-credential limiter that has
// seen every key in the pool exceed its cross-instance RPM window.
type denyAllKeyLimiter struct{ calls int }

func (d *denyAllKeyLimiter) AllowKey(context.Context, string, int) (bool, error) {
	d.calls++
	return false, nil
}

func TestHandle_KeyLimiterDenialSkipsKeyWithoutDispatching(t *testing.T) {
	attempts := 0
	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
			attempts++
			ctx.SetStatusCode(fasthttp.StatusOK)
		})
	}()
	defer ln.Close()

	p := newPool(t, 2)
	r := rewrite.New(rewrite.Config{UpstreamBaseURL: "http://upstream"})
	f := forwarder.New(nil, 5*time.Second, nil)
	f.SetDialer(func(addr string) (net.Conn, error) { return ln.Dial() })

	limiter := &denyAllKeyLimiter{}
	c := New(p, r, f, "salesmanchatbot-pro", WithKeyLimiter(limiter))

	ctx := requestCtx(fasthttp.MethodPost, "/v1/chat/completions", []byte(`{}`))
	c.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 once the key limiter denies every candidate", ctx.Response.StatusCode())
	}
	if attempts != 0 {
		t.Errorf("upstream was dispatched to %d times, want 0 — every key should have been skipped by the key limiter", attempts)
	}
	if limiter.calls == 0 {
		t.Error("expected the key limiter to be consulted at least once")
	}
}

func TestHandle_EmptyPoolReturns429Immediately(t *testing.T) {
	c, cleanup := newController(t, 0, func(ctx *fasthttp.RequestCtx) {
		t.Fatal("no keys means no dispatch at all")
	})
	defer cleanup()

	ctx := requestCtx(fasthttp.MethodPost, "/v1/chat/completions", []byte(`{}`))
	c.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", ctx.Response.StatusCode())
	}
}
