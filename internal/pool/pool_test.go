package pool_test

import (
	"sync"
	"testing"
	"time"

	"github.com/salesmanchatbot/gemini-gateway/internal/pool"
)

func generousLimits() pool.Limits {
	return pool.Limits{RPM: 1000, RPH: 10000, RPD: 100000}
}

func TestPool_RoundRobinFairness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	k0 := pool.NewKeyState("key0", 0, now)
	k1 := pool.NewKeyState("key1", 0, now)
	k2 := pool.NewKeyState("key2", 0, now)
	p := pool.New([]*pool.KeyState{k0, k1, k2}, generousLimits())

	want := []*pool.KeyState{k0, k1, k2, k0, k1}
	for i, w := range want {
		got, ok := p.NextAvailable(now)
		if !ok {
			t.Fatalf("acquisition %d: expected a key, got none", i)
		}
		if got != w {
			t.Fatalf("acquisition %d: got %s, want %s", i, got.Preview(), w.Preview())
		}
	}
}

func TestPool_NextAvailable_NoneWhenAllBanned(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	k0 := pool.NewKeyState("key0", 0, now)
	k0.MarkFailure(now)
	p := pool.New([]*pool.KeyState{k0}, generousLimits())

	if _, ok := p.NextAvailable(now); ok {
		t.Fatal("expected no available key while banned")
	}
}

func TestPool_MutualExclusionUnderConcurrency(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	k0 := pool.NewKeyState("key0", 0, now)
	limits := pool.Limits{RPM: 1, RPH: 1000, RPD: 1000}
	p := pool.New([]*pool.KeyState{k0}, limits)

	const workers = 50
	var wg sync.WaitGroup
	var acquired atomic32
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, ok := p.NextAvailable(now); ok {
				acquired.add(1)
			}
		}()
	}
	wg.Wait()

	if acquired.load() != 1 {
		t.Fatalf("exactly one concurrent caller should acquire the rpm=1 key, got %d", acquired.load())
	}
}

func TestPool_ReloadReplacesStateList(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	k0 := pool.NewKeyState("key0", 0, now)
	p := pool.New([]*pool.KeyState{k0}, generousLimits())

	k1 := pool.NewKeyState("key1", 0, now)
	p.Reload([]*pool.KeyState{k1})

	got, ok := p.NextAvailable(now)
	if !ok || got != k1 {
		t.Fatal("expected reload to replace the pool with the new key")
	}
}

func TestPool_Snapshot_NeverLeaksFullCredential(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	k0 := pool.NewKeyState("AIzaSyVeryLongSecretCredentialValue", 0, now)
	p := pool.New([]*pool.KeyState{k0}, generousLimits())

	snaps := p.Snapshot(now)
	if len(snaps) != 1 {
		t.Fatalf("len(snaps) = %d, want 1", len(snaps))
	}
	if snaps[0].KeyPreview == k0.Key() {
		t.Fatal("snapshot must not expose the full credential")
	}
	if len(snaps[0].KeyPreview) != 8 {
		t.Fatalf("preview length = %d, want 8", len(snaps[0].KeyPreview))
	}
}

// atomic32 is a tiny test-only counter avoiding an extra import just for one test.
type atomic32 struct {
	mu sync.Mutex
	n  int
}

func (a *atomic32) add(d int) {
	a.mu.Lock()
	a.n += d
	a.mu.Unlock()
}

func (a *atomic32) load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
