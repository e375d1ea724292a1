// Package usagesync implements the Usage Sync component: a bounded,
// fire-and-forget worker pool that writes per-key daily usage counters back
// to the Datastore Gateway without ever blocking the request path.
package usagesync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/salesmanchatbot/gemini-gateway/internal/datastore"
)

// queueDepth matches the teacher's channel-buffer convention for
// non-blocking background work (internal/logger/logger.go: channelBuffer).
const queueDepth = 10_000

// Task is one write-back: usage_today ← DayCount, last_used_at ← At, keyed
// by Credential.
type Task struct {
	Credential string
	DayCount   int
	At         time.Time
}

// Syncer drains Tasks into the Datastore Gateway using a small worker pool.
// Failures are logged and dropped — usage sync never affects the request
// response.
type Syncer struct {
	ch      chan Task
	store   datastore.Gateway
	log     *slog.Logger
	wg      sync.WaitGroup
	dropped atomic.Int64
	closed  sync.Once
}

// New starts workers goroutines draining the sync queue into store.
func New(ctx context.Context, store datastore.Gateway, log *slog.Logger, workers int) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}

	s := &Syncer{
		ch:    make(chan Task, queueDepth),
		store: store,
		log:   log,
	}

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.run(ctx)
	}
	return s
}

func (s *Syncer) run(ctx context.Context) {
	defer s.wg.Done()
	for task := range s.ch {
		if err := s.store.UpdateUsage(ctx, task.Credential, task.DayCount, task.At); err != nil {
			s.log.WarnContext(ctx, "usage sync write-back failed",
				slog.String("key_preview", preview(task.Credential)),
				slog.Any("error", err),
			)
		}
	}
}

// Enqueue schedules a write-back without blocking. If the queue is full the
// task is dropped and counted.
func (s *Syncer) Enqueue(task Task) {
	select {
	case s.ch <- task:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of tasks dropped due to a full queue.
func (s *Syncer) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting new work and waits for queued tasks to drain.
func (s *Syncer) Close() {
	s.closed.Do(func() {
		close(s.ch)
	})
	s.wg.Wait()
}

func preview(credential string) string {
	if len(credential) <= 8 {
		return credential
	}
	return credential[:8]
}
