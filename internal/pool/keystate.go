// Package pool implements the credential pool: per-key rate-limit and
// backoff state, and the round-robin collection that selects among them.
package pool

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	minBackoff = 5 * time.Second
	maxBackoff = 600 * time.Second

	minuteWindow = time.Minute
	hourWindow   = time.Hour
	dayWindow    = 24 * time.Hour
)

// Limits is the Global Configuration record: the three numeric limits every
// Key State reads on every availability check. There is no per-key override.
type Limits struct {
	RPM int
	RPH int
	RPD int
}

// KeyState holds the rate-limit and backoff bookkeeping for one provisioned
// credential. Sliding windows, the backoff timer, and the daily baseline are
// guarded by mu; success/failure counters are atomics so the status
// endpoint can read them without synchronizing against the request path.
type KeyState struct {
	mu sync.Mutex

	key string

	backoffSeconds time.Duration
	bannedUntil    time.Time

	requestsMinute []time.Time
	requestsHour   []time.Time
	requestsDay    []time.Time

	usageDayBaseline int
	lastDayBucket    string // YYYY-MM-DD, UTC

	successCount atomic.Uint64
	failureCount atomic.Uint64
}

// NewKeyState creates a Key State seeded with the day-usage baseline read
// from the datastore at load time.
func NewKeyState(key string, usageDayBaseline int, now time.Time) *KeyState {
	return &KeyState{
		key:              key,
		usageDayBaseline: usageDayBaseline,
		lastDayBucket:    dateBucket(now),
	}
}

// Key returns the raw credential. Callers outside this package should prefer
// Preview for anything that crosses a trust boundary.
func (k *KeyState) Key() string { return k.key }

// Preview returns an 8-character preview of the credential, safe to log or
// return from the status endpoint.
func (k *KeyState) Preview() string {
	if len(k.key) <= 8 {
		return k.key
	}
	return k.key[:8]
}

func dateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

// rollDayBucketLocked resets the daily baseline when the UTC date has
// advanced since the last evaluation. Must be called with mu held.
func (k *KeyState) rollDayBucketLocked(now time.Time) {
	bucket := dateBucket(now)
	if bucket != k.lastDayBucket {
		k.usageDayBaseline = 0
		k.lastDayBucket = bucket
	}
}

// tryAcquireLocked evaluates is_available(now) and, if true, performs
// mark_picked(now) — append now to all three windows — in the same critical
// section. Returns whether the key was acquired. Must be called with mu
// held.
func (k *KeyState) tryAcquireLocked(now time.Time, limits Limits) bool {
	k.rollDayBucketLocked(now)

	if now.Before(k.bannedUntil) {
		return false
	}

	k.requestsMinute = pruneBefore(k.requestsMinute, now.Add(-minuteWindow))
	if len(k.requestsMinute) >= limits.RPM {
		return false
	}

	k.requestsHour = pruneBefore(k.requestsHour, now.Add(-hourWindow))
	if len(k.requestsHour) >= limits.RPH {
		return false
	}

	k.requestsDay = pruneBefore(k.requestsDay, now.Add(-dayWindow))
	if len(k.requestsDay)+k.usageDayBaseline >= limits.RPD {
		return false
	}

	k.requestsMinute = append(k.requestsMinute, now)
	k.requestsHour = append(k.requestsHour, now)
	k.requestsDay = append(k.requestsDay, now)
	return true
}

// TryAcquire is the exported, self-locking form of tryAcquireLocked, used
// directly by tests and by the Retry Controller's model-listing fallback
// path (which picks one key outside the pool's round-robin scan).
func (k *KeyState) TryAcquire(now time.Time, limits Limits) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tryAcquireLocked(now, limits)
}

// IsAvailable reports is_available(now) without mutating any state. Used by
// the status snapshot and by the model-listing fallback's "earliest
// banned_until" selection.
func (k *KeyState) IsAvailable(now time.Time, limits Limits) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.rollDayBucketLocked(now)
	if now.Before(k.bannedUntil) {
		return false
	}
	if len(pruneBefore(k.requestsMinute, now.Add(-minuteWindow))) >= limits.RPM {
		return false
	}
	if len(pruneBefore(k.requestsHour, now.Add(-hourWindow))) >= limits.RPH {
		return false
	}
	if len(pruneBefore(k.requestsDay, now.Add(-dayWindow)))+k.usageDayBaseline >= limits.RPD {
		return false
	}
	return true
}

// MarkSuccess clears the backoff/ban and increments the success counter.
// Returns the current day-count, for the caller to enqueue a usage-sync
// task. This mutates the Key State without the pool mutex — safe because a
// key is only mutated by the goroutine that currently holds it.
func (k *KeyState) MarkSuccess(now time.Time) (dayCount int) {
	k.mu.Lock()
	k.backoffSeconds = 0
	k.bannedUntil = time.Time{}
	k.rollDayBucketLocked(now)
	dayCount = len(pruneBefore(k.requestsDay, now.Add(-dayWindow))) + k.usageDayBaseline
	k.mu.Unlock()

	k.successCount.Add(1)
	return dayCount
}

// MarkFailure doubles the backoff timer (5s floor, 600s cap) and sets
// banned_until to now + backoff_seconds.
func (k *KeyState) MarkFailure(now time.Time) {
	k.mu.Lock()
	if k.backoffSeconds == 0 {
		k.backoffSeconds = minBackoff
	} else {
		k.backoffSeconds *= 2
		if k.backoffSeconds > maxBackoff {
			k.backoffSeconds = maxBackoff
		}
	}
	k.bannedUntil = now.Add(k.backoffSeconds)
	k.mu.Unlock()

	k.failureCount.Add(1)
}

// Snapshot is the read-only projection exposed through the admin status
// endpoint. It never includes the full credential.
type Snapshot struct {
	KeyPreview  string
	AvailableIn time.Duration
	Success     uint64
	Failure     uint64
}

// Snapshot reports the current {key_preview, available_in, success, fail}
// projection.
func (k *KeyState) Snapshot(now time.Time) Snapshot {
	k.mu.Lock()
	bannedUntil := k.bannedUntil
	k.mu.Unlock()

	availableIn := bannedUntil.Sub(now)
	if availableIn < 0 {
		availableIn = 0
	}

	return Snapshot{
		KeyPreview:  k.Preview(),
		AvailableIn: availableIn,
		Success:     k.successCount.Load(),
		Failure:     k.failureCount.Load(),
	}
}

// BannedUntil returns the current ban expiry, used by the model-listing
// fallback's "earliest banned_until" tiebreak.
func (k *KeyState) BannedUntil() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.bannedUntil
}
