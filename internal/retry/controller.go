// Package retry implements the Retry Controller: the top-level per-request
// loop that validates the path, branches model-listing off before a key is
// ever acquired, and otherwise walks the Key Pool until a response is
// produced or every key has been tried.
package retry

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/salesmanchatbot/gemini-gateway/internal/forwarder"
	"github.com/salesmanchatbot/gemini-gateway/internal/pool"
	"github.com/salesmanchatbot/gemini-gateway/internal/rewrite"
	"github.com/salesmanchatbot/gemini-gateway/pkg/apierr"
)

// upstreamTimeout bounds a single dispatch attempt (§5 of SPEC_FULL.md).
const upstreamTimeout = 300 * time.Second

// keyLimiter is a distributed, cross-instance complement to the Key Pool's
// in-process per-key windows. Satisfied by *ratelimit.RPMLimiter; kept as a
// narrow interface so retry never needs an opinion on Redis.
type keyLimiter interface {
	AllowKey(ctx context.Context, credential string, limit int) (bool, error)
}

// Controller wires the Key Pool, Request Rewriter, and Forwarder into one
// per-request dispatch loop.
type Controller struct {
	pool       *pool.Pool
	rewriter   *rewrite.Rewriter
	forwarder  *forwarder.Forwarder
	modelName  string // public alias advertised by the synthetic model listing
	keyLimiter keyLimiter
}

// Option configures optional Controller behaviour.
type Option func(*Controller)

// WithKeyLimiter makes handleModelExecution consult l for every candidate
// key before dispatching, in addition to the Key Pool's own local window —
// the only way a multi-instance deployment sharing one Redis can keep a
// single credential's effective RPM bounded across instances that don't
// share in-process state.
func WithKeyLimiter(l keyLimiter) Option {
	return func(c *Controller) { c.keyLimiter = l }
}

// New builds a Controller. modelName is the public alias returned by the
// synthetic model-listing response.
func New(p *pool.Pool, r *rewrite.Rewriter, f *forwarder.Forwarder, modelName string, opts ...Option) *Controller {
	c := &Controller{pool: p, rewriter: r, forwarder: f, modelName: modelName}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Handle is the fasthttp entry point for every proxied (non-admin) route.
func (c *Controller) Handle(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	tail, recognized := rewrite.MapPath(path)
	if !recognized {
		apierr.WriteNotFound(ctx, path)
		return
	}

	method := string(ctx.Method())

	if rewrite.IsModelListing(tail) {
		c.handleModelListing(ctx, method, tail)
		return
	}

	c.handleModelExecution(ctx, method, tail)
}

func (c *Controller) handleModelListing(ctx *fasthttp.RequestCtx, method, tail string) {
	if method == fasthttp.MethodGet {
		c.writeModelListing(ctx)
		return
	}

	key, ok := c.pickKeyForListing()
	if !ok {
		apierr.WriteAllKeysUnavailable(ctx, nil)
		return
	}

	c.dispatchOnce(ctx, tail, key, true)
}

// pickKeyForListing selects one key uniformly at random among the
// currently-available ones; if none are available it falls back to the key
// with the earliest banned_until, so a non-GET models request still has
// somewhere to go rather than failing outright (§4.7).
func (c *Controller) pickKeyForListing() (*pool.KeyState, bool) {
	states := c.pool.States()
	if len(states) == 0 {
		return nil, false
	}

	now := time.Now()
	limits := c.pool.Limits()

	var available []*pool.KeyState
	for _, ks := range states {
		if ks.IsAvailable(now, limits) {
			available = append(available, ks)
		}
	}
	if len(available) > 0 {
		return available[rand.Intn(len(available))], true
	}

	earliest := states[0]
	for _, ks := range states[1:] {
		if ks.BannedUntil().Before(earliest.BannedUntil()) {
			earliest = ks
		}
	}
	return earliest, true
}

func (c *Controller) handleModelExecution(ctx *fasthttp.RequestCtx, method, tail string) {
	queryStream := string(ctx.QueryArgs().Peek("stream")) == "true"
	body := c.rewriter.TransformBody(ctx.PostBody())
	streaming := rewrite.IsStreaming(queryStream, body)

	iterations := c.pool.Len()
	if iterations == 0 {
		apierr.WriteAllKeysUnavailable(ctx, nil)
		return
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()

	tried := make([]string, 0, iterations)
	for i := 0; i < iterations; i++ {
		key, ok := c.pool.NextAvailable(time.Now())
		if !ok {
			break
		}

		if c.keyLimiter != nil {
			limit := c.pool.Limits().RPM
			if allowed, err := c.keyLimiter.AllowKey(dispatchCtx, key.Key(), limit); err == nil && !allowed {
				continue
			}
		}

		tried = append(tried, key.Preview())

		hdrReq := &fasthttp.Request{}
		rewrite.CopyHeaders(hdrReq, &ctx.Request.Header, key.Key())

		up := forwarder.Request{
			Method:    method,
			URL:       c.rewriter.UpstreamURL(tail),
			Header:    hdrReq.Header,
			Body:      body,
			Streaming: streaming,
		}

		if err := c.forwarder.Forward(dispatchCtx, ctx, up, key, false); err != nil {
			key.MarkFailure(time.Now())
			continue
		}
		return
	}

	apierr.WriteAllKeysUnavailable(ctx, tried)
}

// dispatchOnce forwards a single request against key without looping —
// used by the model-listing non-GET branch, which never retries across
// keys (§4.7).
func (c *Controller) dispatchOnce(ctx *fasthttp.RequestCtx, tail string, key *pool.KeyState, egressDisabled bool) {
	dispatchCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()

	hdrReq := &fasthttp.Request{}
	rewrite.CopyHeaders(hdrReq, &ctx.Request.Header, key.Key())

	up := forwarder.Request{
		Method: string(ctx.Method()),
		URL:    c.rewriter.UpstreamURL(tail),
		Header: hdrReq.Header,
		Body:   ctx.PostBody(),
	}

	if err := c.forwarder.Forward(dispatchCtx, ctx, up, key, egressDisabled); err != nil {
		key.MarkFailure(time.Now())
		apierr.WriteAllKeysUnavailable(ctx, []string{key.Preview()})
	}
}

type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

func (c *Controller) writeModelListing(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(struct {
		Object string           `json:"object"`
		Data   []modelListEntry `json:"data"`
	}{
		Object: "list",
		Data: []modelListEntry{
			{ID: c.modelName, Object: "model", OwnedBy: "gemini-gateway"},
		},
	})
	ctx.SetBody(body)
}
