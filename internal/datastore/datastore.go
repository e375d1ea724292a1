// Package datastore is the Datastore Gateway: read-through for the initial
// key load and global limits, write-through for usage counters and admin
// mutations. The external representation matches the original project's
// `api_list` table: {id, provider, model, api, status, usage_today,
// last_used_at}.
package datastore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by RevealKey/UpdateKey/DeleteKey when no record
// matches the given id.
var ErrNotFound = errors.New("datastore: record not found")

// KeyRecord is the Persisted Key Record.
type KeyRecord struct {
	ID         int64
	Provider   string
	Model      string
	API        string // the credential; never logged in full
	Status     string
	UsageToday int
	LastUsedAt time.Time
}

// Limits is the Global Configuration record.
type Limits struct {
	RPM int
	RPH int
	RPD int
}

// KeyPatch carries the optional fields `update key` may mutate. Nil fields
// are left unchanged.
type KeyPatch struct {
	Status   *string
	Model    *string
	Provider *string
}

// Gateway is the Datastore Gateway's interface. Both the Postgres
// implementation (postgres.go) and the in-memory test fake (memory.go)
// satisfy it.
type Gateway interface {
	// LoadKeys returns every record whose provider matches the Gemini
	// family and whose status is "active" — the set the Key Pool loads.
	LoadKeys(ctx context.Context) ([]KeyRecord, error)

	// LoadLimits reads the persisted Global Configuration record. If none
	// exists yet, implementations return the zero value and no error; the
	// caller is expected to fall back to configured defaults.
	LoadLimits(ctx context.Context) (Limits, bool, error)

	// SaveLimits overwrites the persisted Global Configuration record.
	SaveLimits(ctx context.Context, limits Limits) error

	// UpdateUsage is the Usage Sync write-back: sets usage_today and
	// last_used_at for the record matching the given credential.
	UpdateUsage(ctx context.Context, credential string, usageToday int, lastUsedAt time.Time) error

	// ListKeys returns every Gemini-family record, active or not, for the
	// admin surface's `list keys` operation.
	ListKeys(ctx context.Context) ([]KeyRecord, error)

	// RevealKey returns the full credential for one record id.
	RevealKey(ctx context.Context, id int64) (string, error)

	// InsertKey adds a new record and returns its id.
	InsertKey(ctx context.Context, rec KeyRecord) (int64, error)

	// DeleteKey removes a record by id.
	DeleteKey(ctx context.Context, id int64) error

	// UpdateKey mutates the non-nil fields of patch on the record matching
	// the given credential.
	UpdateKey(ctx context.Context, credential string, patch KeyPatch) error

	// Close releases any held connections.
	Close()
}

// isGeminiProvider mirrors the original diagnostic query's
// `provider ILIKE '%google%' OR provider ILIKE '%gemini%'` filter.
func isGeminiProvider(provider string) bool {
	p := strings.ToLower(provider)
	return strings.Contains(p, "google") || strings.Contains(p, "gemini")
}
