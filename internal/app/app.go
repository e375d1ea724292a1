// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order: config (supplied by the caller) → logger → datastore → key
// pool → usage sync → egress selector → metrics → HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/salesmanchatbot/gemini-gateway/internal/admin"
	"github.com/salesmanchatbot/gemini-gateway/internal/config"
	"github.com/salesmanchatbot/gemini-gateway/internal/datastore"
	"github.com/salesmanchatbot/gemini-gateway/internal/egress"
	"github.com/salesmanchatbot/gemini-gateway/internal/httpserver"
	"github.com/salesmanchatbot/gemini-gateway/internal/logger"
	"github.com/salesmanchatbot/gemini-gateway/internal/metrics"
	"github.com/salesmanchatbot/gemini-gateway/internal/pool"
	"github.com/salesmanchatbot/gemini-gateway/internal/ratelimit"
	"github.com/salesmanchatbot/gemini-gateway/internal/usagesync"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb    *redis.Client
	chConn driver.Conn

	store     datastore.Gateway
	reqLogger *logger.Logger
	keyPool   *pool.Pool
	syncer    *usagesync.Syncer
	egressSel *egress.Selector
	rpmLimit  *ratelimit.RPMLimiter
	reloadSub *redis.PubSub

	prom   *metrics.Registry
	health *httpserver.HealthChecker
	srv    *httpserver.Server
}

// New initialises all subsystems and returns a ready-to-run App. Any
// failure rolls back everything already initialised via Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"datastore", a.initDatastore},
		{"logger", a.initLogger},
		{"pool", a.initPool},
		{"usagesync", a.initUsageSync},
		{"egress", a.initEgress},
		{"metrics", a.initMetrics},
		{"httpserver", a.initHTTPServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("pool_size", a.keyPool.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("http server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.reloadSub != nil {
		_ = a.reloadSub.Close()
		a.reloadSub = nil
	}
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.syncer != nil {
		a.syncer.Close()
		a.syncer = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.chConn != nil {
		if err := a.chConn.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chConn = nil
	}
	if closer, ok := a.store.(interface{ Close() }); ok {
		closer.Close()
		a.store = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisBroadcaster adapts *redis.Client's Publish (which returns an *IntCmd)
// to the admin.broadcaster interface (which returns a plain error).
type redisBroadcaster struct {
	rdb *redis.Client
}

func (b redisBroadcaster) Publish(ctx context.Context, channel string, message any) error {
	return b.rdb.Publish(ctx, channel, message).Err()
}

// startReloadSubscriber listens on admin.ReloadChannel and reloads the Key
// Pool from the Datastore Gateway whenever a sibling instance broadcasts a
// reload, keeping multiple gateway instances sharing one Redis roughly in
// sync without a shared in-process pool.
func (a *App) startReloadSubscriber(surface *admin.Surface) {
	sub := a.rdb.Subscribe(a.baseCtx, admin.ReloadChannel)
	a.reloadSub = sub

	go func() {
		ch := sub.Channel()
		for range ch {
			ctx, cancel := context.WithTimeout(a.baseCtx, 5*time.Second)
			if _, err := surface.ReloadKeys(ctx); err != nil {
				a.log.Error("cross-instance pool reload failed", slog.String("error", err.Error()))
			} else {
				a.log.Info("pool reloaded from cross-instance broadcast")
			}
			cancel()
		}
	}()
}

// rpmLimitOrNil returns a.rpmLimit as a httpserver.Config.RPMLimit value,
// returning a true nil interface (rather than a non-nil interface wrapping a
// nil *ratelimit.RPMLimiter) when no safety-valve limiter was configured.
func (a *App) rpmLimitOrNil() interface {
	Allow(ctx context.Context) (bool, error)
} {
	if a.rpmLimit == nil {
		return nil
	}
	return a.rpmLimit
}

// modelAlias returns the single {public: canonical} pair from
// cfg.ModelAliases. Config validation guarantees exactly one entry.
func modelAlias(aliases map[string]string) string {
	for public := range aliases {
		return public
	}
	return ""
}
