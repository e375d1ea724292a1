package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// limitsConfigKey is the gateway_config row holding the Global
// Configuration record, matching SPEC_FULL.md's `gemini_limits` entry.
const limitsConfigKey = "gemini_limits"

// Postgres is the production Gateway implementation, backed by a pgx
// connection pool against the api_list / gateway_config tables.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a connection pool against dsn and verifies
// reachability with a ping.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("datastore: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("datastore: ping: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// Ping verifies the connection pool is still reachable, for use by the
// health prober.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) LoadKeys(ctx context.Context) ([]KeyRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, provider, model, api, status, usage_today, last_used_at
		FROM api_list
		WHERE status = 'active' AND (provider ILIKE '%google%' OR provider ILIKE '%gemini%')
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("datastore: load keys: %w", err)
	}
	defer rows.Close()

	return scanKeyRecords(rows)
}

func (p *Postgres) ListKeys(ctx context.Context) ([]KeyRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, provider, model, api, status, usage_today, last_used_at
		FROM api_list
		WHERE provider ILIKE '%google%' OR provider ILIKE '%gemini%'
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("datastore: list keys: %w", err)
	}
	defer rows.Close()

	return scanKeyRecords(rows)
}

func scanKeyRecords(rows pgx.Rows) ([]KeyRecord, error) {
	var out []KeyRecord
	for rows.Next() {
		var rec KeyRecord
		var lastUsed *time.Time
		if err := rows.Scan(&rec.ID, &rec.Provider, &rec.Model, &rec.API, &rec.Status, &rec.UsageToday, &lastUsed); err != nil {
			return nil, fmt.Errorf("datastore: scan: %w", err)
		}
		if lastUsed != nil {
			rec.LastUsedAt = *lastUsed
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) LoadLimits(ctx context.Context) (Limits, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM gateway_config WHERE key = $1`, limitsConfigKey).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Limits{}, false, nil
		}
		return Limits{}, false, fmt.Errorf("datastore: load limits: %w", err)
	}

	var limits Limits
	if err := json.Unmarshal(raw, &limits); err != nil {
		return Limits{}, false, fmt.Errorf("datastore: decode limits: %w", err)
	}
	return limits, true, nil
}

func (p *Postgres) SaveLimits(ctx context.Context, limits Limits) error {
	raw, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("datastore: encode limits: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO gateway_config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		limitsConfigKey, raw)
	if err != nil {
		return fmt.Errorf("datastore: save limits: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateUsage(ctx context.Context, credential string, usageToday int, lastUsedAt time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE api_list SET usage_today = $1, last_used_at = $2 WHERE api = $3`,
		usageToday, lastUsedAt, credential)
	if err != nil {
		return fmt.Errorf("datastore: update usage: %w", err)
	}
	return nil
}

func (p *Postgres) RevealKey(ctx context.Context, id int64) (string, error) {
	var api string
	err := p.pool.QueryRow(ctx, `SELECT api FROM api_list WHERE id = $1`, id).Scan(&api)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("datastore: reveal key: %w", err)
	}
	return api, nil
}

func (p *Postgres) InsertKey(ctx context.Context, rec KeyRecord) (int64, error) {
	status := rec.Status
	if status == "" {
		status = "active"
	}

	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO api_list (provider, model, api, status, usage_today)
		VALUES ($1, $2, $3, $4, 0)
		RETURNING id`,
		rec.Provider, rec.Model, rec.API, status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("datastore: insert key: %w", err)
	}
	return id, nil
}

func (p *Postgres) DeleteKey(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM api_list WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("datastore: delete key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateKey(ctx context.Context, credential string, patch KeyPatch) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE api_list SET
			status   = COALESCE($1, status),
			model    = COALESCE($2, model),
			provider = COALESCE($3, provider)
		WHERE api = $4`,
		patch.Status, patch.Model, patch.Provider, credential)
	if err != nil {
		return fmt.Errorf("datastore: update key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
