package httpserver

import (
	"context"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/salesmanchatbot/gemini-gateway/internal/pool"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// UpstreamProber builds a fresh, narrow probe against the Gemini API for
// one pool credential. Exercises the same genai SDK path the provider would
// use for real traffic, with PageSize: 1 to keep the probe cheap.
type UpstreamProber struct {
	baseURL string
}

func NewUpstreamProber(baseURL string) *UpstreamProber {
	return &UpstreamProber{baseURL: baseURL}
}

func (u *UpstreamProber) Probe(ctx context.Context, apiKey string) error {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: u.baseURL},
	})
	if err != nil {
		return err
	}
	_, err = client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	return err
}

// HealthChecker runs background probes and exposes the latest results for
// the three components that determine readiness: upstream Gemini
// reachability, datastore reachability, and whether the Key Pool currently
// holds at least one available key.
type HealthChecker struct {
	pool     *pool.Pool
	upstream *UpstreamProber
	dbPing   func(ctx context.Context) error
	baseCtx  context.Context

	upstreamStatus componentStatus
	dbStatus       componentStatus
	poolStatus     componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts
// background probes. dbPing may be nil (treated as always reachable, e.g.
// the in-memory datastore fake).
func NewHealthChecker(ctx context.Context, p *pool.Pool, upstream *UpstreamProber, dbPing func(context.Context) error) *HealthChecker {
	if ctx == nil {
		panic("httpserver: context must not be nil")
	}
	hc := &HealthChecker{
		pool:      p,
		upstream:  upstream,
		dbPing:    dbPing,
		startTime: time.Now(),
		done:      make(chan struct{}),
		baseCtx:   ctx,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot reports the current health state for all components.
type HealthSnapshot struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Upstream      string `json:"upstream"`
	Database      string `json:"database"`
	Pool          string `json:"pool"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	upstream := hc.upstreamStatus.get()
	db := hc.dbStatus.get()
	poolSt := hc.poolStatus.get()

	overall := "ok"
	if upstream != "ok" || poolSt != "ok" {
		overall = "degraded"
	}
	if db == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Upstream:      upstream,
		Database:      db,
		Pool:          poolSt,
	}
}

// ReadinessOK returns true when the datastore is reachable — fails closed
// until the first successful probe (§6 expansion).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		hc.probeUpstream(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.dbPing == nil || hc.dbPing(ctx) == nil {
			hc.dbStatus.set("ok")
		} else {
			hc.dbStatus.set("down")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		hc.probePool()
	}()

	wg.Wait()
}

func (hc *HealthChecker) probeUpstream(ctx context.Context) {
	states := hc.pool.States()
	if hc.upstream == nil || len(states) == 0 {
		hc.upstreamStatus.set("unknown")
		return
	}
	if err := hc.upstream.Probe(ctx, states[0].Key()); err != nil {
		hc.upstreamStatus.set("degraded")
		return
	}
	hc.upstreamStatus.set("ok")
}

func (hc *HealthChecker) probePool() {
	states := hc.pool.States()
	if len(states) == 0 {
		hc.poolStatus.set("down")
		return
	}
	now := time.Now()
	for _, ks := range states {
		if ks.Snapshot(now).AvailableIn == 0 {
			hc.poolStatus.set("ok")
			return
		}
	}
	hc.poolStatus.set("degraded")
}
