// Package rewrite implements the Request Rewriter: path remap, header
// sanitization, and the model-alias/thinking-chain body transform.
package rewrite

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"
)

// recognizedTails is the whitelist of client path tails the gateway
// forwards. Everything else 404s before a key is acquired (SPEC_FULL.md
// §12's resolution of the source spec's §4.5/§6 tension).
var recognizedTails = map[string]bool{
	"chat/completions": true,
	"completions":      true,
	"embeddings":       true,
}

// hopByHopHeaders are never forwarded upstream.
var hopByHopHeaders = map[string]bool{
	"host":              true,
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
}

// Config holds the Request Rewriter's static configuration.
type Config struct {
	UpstreamBaseURL      string
	ModelAliases         map[string]string
	ThinkingChainEnabled bool
}

// Rewriter performs the Request Rewriter's path, header, and body
// transforms.
type Rewriter struct {
	cfg Config
}

// New builds a Rewriter.
func New(cfg Config) *Rewriter {
	return &Rewriter{cfg: cfg}
}

// MapPath strips a leading v1/ segment and maps the remaining client path
// to its upstream tail. The second return value is false for any path
// outside the recognized whitelist — callers must 404 without acquiring a
// key.
func MapPath(clientPath string) (upstreamTail string, recognized bool) {
	tail := strings.TrimPrefix(clientPath, "/")
	tail = strings.TrimPrefix(tail, "v1/")

	if tail == "models" || strings.HasPrefix(tail, "models/") {
		return "openai/models", true
	}
	if recognizedTails[tail] {
		return "openai/" + tail, true
	}
	return "", false
}

// UpstreamURL joins the configured upstream base with a mapped tail.
func (r *Rewriter) UpstreamURL(upstreamTail string) string {
	return strings.TrimRight(r.cfg.UpstreamBaseURL, "/") + "/" + upstreamTail
}

// IsModelListing reports whether the mapped tail is the model-listing
// path, which never touches upstream.
func IsModelListing(upstreamTail string) bool {
	return upstreamTail == "openai/models"
}

// CopyHeaders forwards every client header except the hop-by-hop set, sets
// Authorization to the acquired key, and defaults Content-Type to
// application/json when absent.
func CopyHeaders(dst *fasthttp.Request, src *fasthttp.RequestHeader, acquiredKey string) {
	src.VisitAll(func(key, value []byte) {
		if hopByHopHeaders[strings.ToLower(string(key))] {
			return
		}
		dst.Header.SetBytesKV(key, value)
	})

	dst.Header.Set("Authorization", "Bearer "+acquiredKey)
	if len(dst.Header.ContentType()) == 0 {
		dst.Header.SetContentType("application/json")
	}
}

// TransformBody rewrites the public model alias to its canonical upstream
// name and optionally injects the thinking-chain parameter. JSON parse
// failure is a silent passthrough — SPEC_FULL.md §4.5 requires the body
// transform to never reject a malformed body.
func (r *Rewriter) TransformBody(body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}

	if model := gjson.GetBytes(body, "model"); model.Exists() {
		if canonical, ok := r.cfg.ModelAliases[model.String()]; ok {
			if out, err := sjson.SetBytes(body, "model", canonical); err == nil {
				body = out
			}
		}
	}

	if r.cfg.ThinkingChainEnabled {
		if !gjson.GetBytes(body, "extra_body.google.thinking_config").Exists() {
			out, err := sjson.SetBytes(body, "extra_body.google.thinking_config", map[string]any{
				"thinking_budget":  32768,
				"include_thoughts": true,
			})
			if err == nil {
				body = out
			}
		}
	}

	return body
}

// IsStreaming reports whether the request should be dispatched in
// streaming mode: the query string carries stream=true, or the parsed JSON
// body's top-level stream field is true.
func IsStreaming(queryStream bool, body []byte) bool {
	if queryStream {
		return true
	}
	return gjson.GetBytes(body, "stream").Bool()
}
