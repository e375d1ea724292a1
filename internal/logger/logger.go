// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs. When a ClickHouse sink is configured, every
// flushed batch is additionally inserted into a request_log table via a
// native-protocol prepared batch, alongside (not instead of) the slog JSON
// line — so request history survives even when log aggregation is down.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one proxied request's access-log record.
type RequestLog struct {
	ID           uuid.UUID
	KeyPreview   string
	UpstreamPath string
	Status       uint16
	LatencyMs    uint32
	Stream       bool
	EgressUsed   bool
	CreatedAt    time.Time
}

// ClickHouseSink inserts flushed batches into ClickHouse. Satisfied directly
// by clickhouse-go/v2's driver.Conn (PrepareBatch + Batch.AppendStruct +
// Batch.Send) — no wrapper type needed.
type ClickHouseSink interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	ch2     ClickHouseSink
	table   string
}

// Option configures optional Logger behavior.
type Option func(*Logger)

// WithClickHouse enables the ClickHouse sink. table is the target table name
// (e.g. "request_log"); rows are appended via AppendStruct, so its columns
// must match requestLogRow's field order.
func WithClickHouse(conn ClickHouseSink, table string) Option {
	return func(l *Logger) {
		l.ch2 = conn
		l.table = table
	}
}

func New(ctx context.Context, slogger *slog.Logger, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		table:   "request_log",
	}
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.ID.String()),
				slog.String("key_preview", e.KeyPreview),
				slog.String("upstream_path", e.UpstreamPath),
				slog.Uint64("status", uint64(e.Status)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Bool("stream", e.Stream),
				slog.Bool("egress_used", e.EgressUsed),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		if l.ch2 != nil {
			if err := l.insertBatch(ctx, batch); err != nil {
				l.log.ErrorContext(ctx, "clickhouse batch insert failed", slog.String("error", err.Error()))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

// requestLogRow is the ClickHouse column shape for the request_log table,
// in AppendStruct field order: (id, key_preview, upstream_path, status,
// latency_ms, stream, egress_used, created_at).
type requestLogRow struct {
	ID           string
	KeyPreview   string
	UpstreamPath string
	Status       uint16
	LatencyMs    uint32
	Stream       bool
	EgressUsed   bool
	CreatedAt    time.Time
}

// insertBatch prepares and sends one native-protocol batch. A batch is
// atomic in ClickHouse, but the row-append loop aborts early on the first
// append error rather than silently dropping rows.
func (l *Logger) insertBatch(ctx context.Context, entries []RequestLog) error {
	b, err := l.ch2.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", l.table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range entries {
		row := requestLogRow{
			ID:           e.ID.String(),
			KeyPreview:   e.KeyPreview,
			UpstreamPath: e.UpstreamPath,
			Status:       e.Status,
			LatencyMs:    e.LatencyMs,
			Stream:       e.Stream,
			EgressUsed:   e.EgressUsed,
			CreatedAt:    normalizeTime(e.CreatedAt),
		}
		if err := b.AppendStruct(&row); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}

	if err := b.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
