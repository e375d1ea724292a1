package httpserver

import (
	"crypto/subtle"

	"github.com/valyala/fasthttp"

	"github.com/salesmanchatbot/gemini-gateway/internal/pool"
	"github.com/salesmanchatbot/gemini-gateway/pkg/apierr"
)

// clientAuth gates the proxy routes: the bearer token must match either the
// admin token or any credential currently held by the Key Pool (§6). Unlike
// the admin surface's auth, a match against any pool key is accepted —
// clients authenticate with the same credentials the pool itself rotates
// through.
func clientAuth(p *pool.Pool, adminToken string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := apierr.BearerToken(string(ctx.Request.Header.Peek("Authorization")))
		if token == "" {
			apierr.WriteUnauthorized(ctx)
			return
		}
		if !tokenAuthorized(p, adminToken, token) {
			apierr.WriteForbidden(ctx)
			return
		}
		next(ctx)
	}
}

func tokenAuthorized(p *pool.Pool, adminToken, token string) bool {
	if adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) == 1 {
		return true
	}
	for _, ks := range p.States() {
		if subtle.ConstantTimeCompare([]byte(token), []byte(ks.Key())) == 1 {
			return true
		}
	}
	return false
}
