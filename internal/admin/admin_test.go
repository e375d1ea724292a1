package admin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/salesmanchatbot/gemini-gateway/internal/datastore"
	"github.com/salesmanchatbot/gemini-gateway/internal/pool"
)

const testToken = "test-admin-token"

func newSurface(t *testing.T, store datastore.Gateway) (*router.Router, *pool.Pool) {
	t.Helper()
	p := pool.New(nil, pool.Limits{RPM: 60, RPH: 1000, RPD: 10000})
	s := New(store, p, testToken, pool.Limits{RPM: 60, RPH: 1000, RPD: 10000}, nil)
	r := router.New()
	s.Register(r)
	return r, p
}

func adminRequest(method, path, token string, body []byte) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if token != "" {
		ctx.Request.Header.Set("Authorization", "Bearer "+token)
	}
	ctx.Request.SetBody(body)
	return ctx
}

func TestAuth_MissingBearerToken401s(t *testing.T) {
	r, _ := newSurface(t, datastore.NewMemory())
	ctx := adminRequest(fasthttp.MethodGet, "/admin/status", "", nil)
	r.Handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
	}
}

func TestAuth_WrongBearerToken403s(t *testing.T) {
	r, _ := newSurface(t, datastore.NewMemory())
	ctx := adminRequest(fasthttp.MethodGet, "/admin/status", "not-the-token", nil)
	r.Handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Errorf("status = %d, want 403", ctx.Response.StatusCode())
	}
}

func TestListKeys_RedactsCredentialToPreview(t *testing.T) {
	store := datastore.NewMemory(datastore.KeyRecord{Provider: "google-gemini", Model: "gemini-2.5-flash", API: "super-secret-credential-value"})
	r, _ := newSurface(t, store)

	ctx := adminRequest(fasthttp.MethodGet, "/admin/keys", testToken, nil)
	r.Handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	var views []keyView
	if err := json.Unmarshal(ctx.Response.Body(), &views); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d views, want 1", len(views))
	}
	if views[0].APIPreview == "super-secret-credential-value" {
		t.Error("full credential leaked into the key listing")
	}
	if views[0].APIPreview != "super-sec" && len(views[0].APIPreview) > 8 {
		t.Errorf("preview = %q, want an 8-char-bounded preview", views[0].APIPreview)
	}
}

func TestAddKey_ReturnsNewID(t *testing.T) {
	r, _ := newSurface(t, datastore.NewMemory())
	body, _ := json.Marshal(addKeyRequest{Provider: "google-gemini", Model: "gemini-2.5-flash", API: "new-key-value", Status: "active"})

	ctx := adminRequest(fasthttp.MethodPost, "/admin/keys", testToken, body)
	r.Handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	var got struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID == 0 {
		t.Error("expected a non-zero id")
	}
}

func TestRevealKey_ReturnsFullCredential(t *testing.T) {
	store := datastore.NewMemory(datastore.KeyRecord{ID: 1, Provider: "google-gemini", Model: "gemini-2.5-flash", API: "full-credential-value"})
	r, _ := newSurface(t, store)

	ctx := adminRequest(fasthttp.MethodPost, "/admin/keys/1/reveal", testToken, nil)
	r.Handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	var got struct {
		API string `json:"api"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.API != "full-credential-value" {
		t.Errorf("api = %q, want the full credential", got.API)
	}
}

func TestUpdateConfig_AppliesToPoolImmediately(t *testing.T) {
	r, p := newSurface(t, datastore.NewMemory())
	body, _ := json.Marshal(datastore.Limits{RPM: 5, RPH: 50, RPD: 500})

	ctx := adminRequest(fasthttp.MethodPut, "/admin/config", testToken, body)
	r.Handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("status = %d, want 204", ctx.Response.StatusCode())
	}
	if got := p.Limits(); got.RPM != 5 || got.RPH != 50 || got.RPD != 500 {
		t.Errorf("pool limits = %+v, want {5 50 500}", got)
	}
}

func TestReload_RebuildsPoolFromDatastore(t *testing.T) {
	store := datastore.NewMemory(
		datastore.KeyRecord{Provider: "google-gemini", Model: "gemini-2.5-flash", API: "key-one", Status: "active"},
		datastore.KeyRecord{Provider: "google-gemini", Model: "gemini-2.5-flash", API: "key-two", Status: "active"},
	)
	r, p := newSurface(t, store)

	if got := p.Len(); got != 0 {
		t.Fatalf("pool started with %d keys, want 0", got)
	}

	ctx := adminRequest(fasthttp.MethodPost, "/admin/reload", testToken, nil)
	r.Handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	if got := p.Len(); got != 2 {
		t.Errorf("pool has %d keys after reload, want 2", got)
	}
}

type fakeBroadcaster struct {
	published []string
}

func (f *fakeBroadcaster) Publish(_ context.Context, channel string, _ any) error {
	f.published = append(f.published, channel)
	return nil
}

func TestReload_BroadcastsWhenConfigured(t *testing.T) {
	store := datastore.NewMemory(datastore.KeyRecord{Provider: "google-gemini", Model: "gemini-2.5-flash", API: "key-one", Status: "active"})
	p := pool.New(nil, pool.Limits{RPM: 60, RPH: 1000, RPD: 10000})
	fb := &fakeBroadcaster{}
	s := New(store, p, testToken, pool.Limits{RPM: 60, RPH: 1000, RPD: 10000}, nil, WithBroadcast(fb))
	r := router.New()
	s.Register(r)

	ctx := adminRequest(fasthttp.MethodPost, "/admin/reload", testToken, nil)
	r.Handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	if len(fb.published) != 1 || fb.published[0] != ReloadChannel {
		t.Errorf("published = %v, want one message on %q", fb.published, ReloadChannel)
	}
}

func TestStatus_ReportsUptimeAndKeySnapshots(t *testing.T) {
	store := datastore.NewMemory(datastore.KeyRecord{Provider: "google-gemini", Model: "gemini-2.5-flash", API: "key-one", Status: "active"})
	r, p := newSurface(t, store)
	p.Reload([]*pool.KeyState{pool.NewKeyState("key-one", 0, time.Now())})

	ctx := adminRequest(fasthttp.MethodGet, "/admin/status", testToken, nil)
	r.Handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	var got statusResponse
	if err := json.Unmarshal(ctx.Response.Body(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Keys) != 1 {
		t.Errorf("got %d key snapshots, want 1", len(got.Keys))
	}
}
