// Package forwarder implements the Forwarder: executes one attempted
// dispatch against an acquired key, buffered or streaming, and classifies
// the outcome into success/failure/terminal.
package forwarder

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"

	"github.com/salesmanchatbot/gemini-gateway/internal/egress"
	"github.com/salesmanchatbot/gemini-gateway/internal/pool"
)

// errorBodyLimit bounds the in-memory read of a streamed error body
// (SPEC_FULL.md §4.6, resolving the source spec's preserved Open Question).
const errorBodyLimit = 64 * 1024

var failureStatuses = map[int]bool{
	fasthttp.StatusTooManyRequests:     true,
	fasthttp.StatusForbidden:           true,
	fasthttp.StatusInternalServerError: true,
	fasthttp.StatusBadGateway:          true,
	fasthttp.StatusServiceUnavailable:  true,
}

var egressBadStatuses = map[int]bool{
	fasthttp.StatusProxyAuthRequired:  true,
	fasthttp.StatusBadGateway:         true,
	fasthttp.StatusServiceUnavailable: true,
}

// Request is one rewritten, header-sanitized request ready to dispatch.
type Request struct {
	Method    string
	URL       string
	Header    fasthttp.RequestHeader
	Body      []byte
	Streaming bool
}

// Forwarder dispatches Requests against an acquired Key State and reports
// the outcome back onto it (and onto the Egress Proxy Selector, when a
// proxy was used).
type Forwarder struct {
	direct          *fasthttp.Client
	egress          *egress.Selector
	upstreamTimeout time.Duration
	onSuccess       func(dayCount int, credential string, at time.Time)
}

// New builds a Forwarder. onUsageSync is invoked on every successful
// dispatch with the resulting day-count, for the caller to enqueue a Usage
// Sync task — kept as a callback so this package has no dependency on
// internal/usagesync.
func New(egressSelector *egress.Selector, upstreamTimeout time.Duration, onUsageSync func(dayCount int, credential string, at time.Time)) *Forwarder {
	return &Forwarder{
		direct:          &fasthttp.Client{},
		egress:          egressSelector,
		upstreamTimeout: upstreamTimeout,
		onSuccess:       onUsageSync,
	}
}

// SetDialer overrides the dial function used for direct (non-egress)
// connections. Exposed so callers can point a Forwarder at an in-memory or
// unix-socket listener instead of a real network dial.
func (f *Forwarder) SetDialer(dial fasthttp.DialFunc) {
	f.direct.Dial = dial
}

func (f *Forwarder) clientAndProxy(egressDisabled bool) (*fasthttp.Client, bool) {
	if egressDisabled || f.egress == nil {
		return f.direct, false
	}
	proxyURL, ok := f.egress.Resolve()
	if !ok || proxyURL == "" {
		return f.direct, false
	}
	dialAddr := strings.TrimPrefix(strings.TrimPrefix(proxyURL, "http://"), "https://")
	client := &fasthttp.Client{
		Dial: fasthttpproxy.FasthttpHTTPDialerTimeout(dialAddr, f.dialTimeout()),
	}
	return client, true
}

func (f *Forwarder) dialTimeout() time.Duration {
	if f.upstreamTimeout <= 0 {
		return 300 * time.Second
	}
	return f.upstreamTimeout
}

// Forward dispatches up against key, writes the upstream's status/body/
// content-type (or the synthesized error body) verbatim to inbound, and
// marks the key's outcome. A non-nil error means a transient transport
// failure (connection error, transport error, timeout) — the Retry
// Controller marks the key failed and continues its loop rather than
// treating this as a terminal response.
func (f *Forwarder) Forward(ctx context.Context, inbound *fasthttp.RequestCtx, up Request, key *pool.KeyState, egressDisabled bool) error {
	client, egressUsed := f.clientAndProxy(egressDisabled)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(up.URL)
	req.Header.SetMethod(up.Method)
	up.Header.CopyTo(&req.Header)
	req.SetBody(up.Body)

	deadline := time.Now().Add(f.dialTimeout())
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	now := time.Now()

	if up.Streaming {
		resp.StreamBody = true
		if err := client.DoDeadline(req, resp, deadline); err != nil {
			return err
		}
		return f.finishStreaming(ctx, inbound, resp, key, egressUsed, now)
	}

	if err := client.DoDeadline(req, resp, deadline); err != nil {
		return err
	}
	f.finishBuffered(inbound, resp, key, egressUsed, now)
	return nil
}

func (f *Forwarder) finishBuffered(inbound *fasthttp.RequestCtx, resp *fasthttp.Response, key *pool.KeyState, egressUsed bool, now time.Time) {
	status := resp.StatusCode()

	if failureStatuses[status] {
		key.MarkFailure(now)
	} else {
		dayCount := key.MarkSuccess(now)
		if f.onSuccess != nil {
			f.onSuccess(dayCount, key.Key(), now)
		}
	}

	if egressUsed {
		f.egress.MarkOutcome(!egressBadStatuses[status])
	}

	inbound.SetStatusCode(status)
	inbound.SetContentTypeBytes(resp.Header.ContentType())
	inbound.SetBody(resp.Body())
}

func (f *Forwarder) finishStreaming(ctx context.Context, inbound *fasthttp.RequestCtx, resp *fasthttp.Response, key *pool.KeyState, egressUsed bool, now time.Time) error {
	status := resp.StatusCode()

	if status >= 400 {
		limited := io.LimitReader(resp.BodyStream(), errorBodyLimit)
		errBody, _ := io.ReadAll(limited)

		key.MarkFailure(now)
		if egressUsed && egressBadStatuses[status] {
			f.egress.MarkOutcome(false)
		}

		inbound.SetStatusCode(status)
		inbound.SetContentTypeBytes(resp.Header.ContentType())
		inbound.SetBody(errBody)
		return nil
	}

	dayCount := key.MarkSuccess(now)
	if f.onSuccess != nil {
		f.onSuccess(dayCount, key.Key(), now)
	}
	if egressUsed {
		f.egress.MarkOutcome(true)
	}

	inbound.SetStatusCode(fasthttp.StatusOK)
	inbound.Response.Header.Set("Content-Type", "text/event-stream")
	inbound.Response.Header.Set("Cache-Control", "no-cache")
	inbound.Response.Header.Set("X-Accel-Buffering", "no")

	stream := resp.BodyStream()
	inbound.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // streaming writer runs detached, recover keeps a client disconnect from taking the process down

		buf := make([]byte, 32*1024)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			n, err := stream.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				if ferr := w.Flush(); ferr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	})
	return nil
}
