package apierr_test

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/salesmanchatbot/gemini-gateway/pkg/apierr"
)

func TestWriteAllKeysUnavailable(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	apierr.WriteAllKeysUnavailable(ctx, []string{"ab12cd34", "ef56gh78"})

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", ctx.Response.StatusCode())
	}

	var body struct {
		Error string   `json:"error"`
		Tried []string `json:"tried"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error != "all keys unavailable" {
		t.Errorf("error = %q", body.Error)
	}
	if len(body.Tried) != 2 {
		t.Errorf("tried = %v, want 2 entries", body.Tried)
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", ""},
		{"", ""},
		{"Basic xyz", ""},
	}
	for _, c := range cases {
		if got := apierr.BearerToken(c.header); got != c.want {
			t.Errorf("BearerToken(%q) = %q, want %q", c.header, got, c.want)
		}
	}
}

func TestWriteNotFound(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	apierr.WriteNotFound(ctx, "/v1/unsupported")
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("status = %d, want 404", ctx.Response.StatusCode())
	}
}
