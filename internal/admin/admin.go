// Package admin implements the Admin Surface: key CRUD, global configuration
// read/write, pool reload, and a status snapshot, gated by a single opaque
// bearer token.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/salesmanchatbot/gemini-gateway/internal/datastore"
	"github.com/salesmanchatbot/gemini-gateway/internal/pool"
	"github.com/salesmanchatbot/gemini-gateway/pkg/apierr"
)

// ReloadChannel is the Redis pub/sub channel a reload broadcast is published
// on, so sibling gateway instances can pick up the same key set.
const ReloadChannel = "gateway:pool-reload"

// broadcaster publishes a reload notification to sibling instances.
// Satisfied by *redis.Client. Kept as a narrow interface so admin never
// needs an opinion on the rest of go-redis's surface.
type broadcaster interface {
	Publish(ctx context.Context, channel string, message any) error
}

// Surface wires the Datastore Gateway and Key Pool into the admin routes.
type Surface struct {
	store       datastore.Gateway
	pool        *pool.Pool
	adminToken  string
	log         *slog.Logger
	startedAt   time.Time
	defaultLim  pool.Limits
	broadcaster broadcaster
}

// Option configures optional Surface behaviour.
type Option func(*Surface)

// WithBroadcast makes a successful /admin/reload also publish on
// ReloadChannel so other instances sharing the same Redis can reload their
// own pool from the Datastore Gateway.
func WithBroadcast(b broadcaster) Option {
	return func(s *Surface) { s.broadcaster = b }
}

// New builds a Surface. defaultLimits seeds SetLimits when no Global
// Configuration record has been persisted yet.
func New(store datastore.Gateway, p *pool.Pool, adminToken string, defaultLimits pool.Limits, log *slog.Logger, opts ...Option) *Surface {
	s := &Surface{
		store:      store,
		pool:       p,
		adminToken: adminToken,
		log:        log,
		startedAt:  time.Now(),
		defaultLim: defaultLimits,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register attaches every admin route to r under /admin, each wrapped with
// bearer-token authentication.
func (s *Surface) Register(r *router.Router) {
	r.GET("/admin/keys", s.auth(s.listKeys))
	r.POST("/admin/keys", s.auth(s.addKey))
	r.DELETE("/admin/keys/:id", s.auth(s.deleteKey))
	r.PATCH("/admin/keys/:credential", s.auth(s.updateKey))
	r.POST("/admin/keys/:id/reveal", s.auth(s.revealKey))
	r.GET("/admin/config", s.auth(s.getConfig))
	r.PUT("/admin/config", s.auth(s.updateConfig))
	r.POST("/admin/reload", s.auth(s.reload))
	r.GET("/admin/status", s.auth(s.status))
}

// auth wraps handler with a constant-time bearer-token check. The
// login/session mechanism that issues the token is named-only per the
// source spec (§10.4) — this is the one ambient concern in the repository
// implemented directly on the standard library, by design.
func (s *Surface) auth(handler fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := apierr.BearerToken(string(ctx.Request.Header.Peek("Authorization")))
		if token == "" {
			apierr.WriteUnauthorized(ctx)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			apierr.WriteForbidden(ctx)
			return
		}
		handler(ctx)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}

type keyView struct {
	ID         int64  `json:"id"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	APIPreview string `json:"api_preview"`
	Status     string `json:"status"`
	UsageToday int    `json:"usage_today"`
}

func previewOf(credential string) string {
	if len(credential) <= 8 {
		return credential
	}
	return credential[:8]
}

func (s *Surface) listKeys(ctx *fasthttp.RequestCtx) {
	recs, err := s.store.ListKeys(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	views := make([]keyView, len(recs))
	for i, r := range recs {
		views[i] = keyView{ID: r.ID, Provider: r.Provider, Model: r.Model, APIPreview: previewOf(r.API), Status: r.Status, UsageToday: r.UsageToday}
	}
	writeJSON(ctx, views)
}

type addKeyRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	API      string `json:"api"`
	Status   string `json:"status"`
}

func (s *Surface) addKey(ctx *fasthttp.RequestCtx) {
	var req addKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "malformed request body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	id, err := s.store.InsertKey(ctx, datastore.KeyRecord{
		Provider: req.Provider,
		Model:    req.Model,
		API:      req.API,
		Status:   req.Status,
	})
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, struct {
		ID int64 `json:"id"`
	}{ID: id})
}

func (s *Surface) deleteKey(ctx *fasthttp.RequestCtx) {
	id, ok := pathInt64(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := s.store.DeleteKey(ctx, id); err != nil {
		writeStoreErr(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

type updateKeyRequest struct {
	Status   *string `json:"status"`
	Model    *string `json:"model"`
	Provider *string `json:"provider"`
}

func (s *Surface) updateKey(ctx *fasthttp.RequestCtx) {
	credential, _ := ctx.UserValue("credential").(string)
	var req updateKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "malformed request body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	patch := datastore.KeyPatch{Status: req.Status, Model: req.Model, Provider: req.Provider}
	if err := s.store.UpdateKey(ctx, credential, patch); err != nil {
		writeStoreErr(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// revealKey discloses the full credential for one record id. Logged at WARN
// without the credential itself ever appearing in the log line (§4.8).
func (s *Surface) revealKey(ctx *fasthttp.RequestCtx) {
	id, ok := pathInt64(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	credential, err := s.store.RevealKey(ctx, id)
	if err != nil {
		writeStoreErr(ctx, err)
		return
	}

	if s.log != nil {
		s.log.Warn("admin_reveal_key", slog.Int64("id", id))
	}
	writeJSON(ctx, struct {
		API string `json:"api"`
	}{API: credential})
}

func (s *Surface) getConfig(ctx *fasthttp.RequestCtx) {
	limits, found, err := s.store.LoadLimits(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	if !found {
		limits = s.defaultLim
	}
	writeJSON(ctx, limits)
}

func (s *Surface) updateConfig(ctx *fasthttp.RequestCtx) {
	var limits datastore.Limits
	if err := json.Unmarshal(ctx.PostBody(), &limits); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "malformed request body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := s.store.SaveLimits(ctx, limits); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	s.pool.SetLimits(pool.Limits{RPM: limits.RPM, RPH: limits.RPH, RPD: limits.RPD})
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// reload re-reads the active Gemini-family key set from the datastore and
// atomically swaps the Key Pool's state list. In-flight requests holding a
// prior *KeyState are unaffected (§5).
func (s *Surface) reload(ctx *fasthttp.RequestCtx) {
	loaded, err := s.ReloadKeys(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if s.broadcaster != nil {
		if err := s.broadcaster.Publish(ctx, ReloadChannel, "reload"); err != nil {
			s.logError("reload broadcast failed", err)
		}
	}

	writeJSON(ctx, struct {
		Loaded int `json:"loaded"`
	}{Loaded: loaded})
}

// ReloadKeys reloads the Key Pool from the Datastore Gateway and atomically
// swaps it in, returning the number of keys loaded. Exported so a
// cross-instance reload subscriber can trigger the same local reload this
// route performs.
func (s *Surface) ReloadKeys(ctx context.Context) (int, error) {
	recs, err := s.store.LoadKeys(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	states := make([]*pool.KeyState, len(recs))
	for i, rec := range recs {
		states[i] = pool.NewKeyState(rec.API, rec.UsageToday, now)
	}
	s.pool.Reload(states)
	return len(states), nil
}

func (s *Surface) logError(msg string, err error) {
	if s.log == nil {
		return
	}
	s.log.Error(msg, slog.String("error", err.Error()))
}

type statusResponse struct {
	UptimeSeconds float64         `json:"uptime_seconds"`
	Keys          []pool.Snapshot `json:"keys"`
}

func (s *Surface) status(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, statusResponse{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Keys:          s.pool.Snapshot(time.Now()),
	})
}

func writeStoreErr(ctx *fasthttp.RequestCtx, err error) {
	if err == datastore.ErrNotFound {
		apierr.Write(ctx, fasthttp.StatusNotFound, "no such key record", apierr.TypeInvalidRequest, apierr.CodeNotFound)
		return
	}
	apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
}

func pathInt64(ctx *fasthttp.RequestCtx, name string) (int64, bool) {
	raw, _ := ctx.UserValue(name).(string)
	if raw == "" {
		return 0, false
	}
	var id int64
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, false
		}
		id = id*10 + int64(c-'0')
	}
	return id, true
}
