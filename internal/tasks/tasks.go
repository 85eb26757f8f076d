// Package tasks implements the background task manager (C10): tracked
// fire-and-forget jobs (e.g. a post-restore RAG reindex) with a timed
// graceful shutdown, built on golang.org/x/sync/errgroup's wait-group idiom
// rather than a hand-rolled sync.WaitGroup.
package tasks

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Manager tracks fire-and-forget jobs started via Create and can await or
// cancel them on Shutdown. The zero value is not usable; use New.
type Manager struct {
	log zerolog.Logger

	mu      sync.Mutex
	eg      *errgroup.Group
	cancels map[int64]context.CancelFunc
	nextID  int64
	closed  bool
}

// New returns a Manager ready to track tasks.
func New(log zerolog.Logger) *Manager {
	return &Manager{
		log:     log.With().Str("component", "tasks").Logger(),
		eg:      &errgroup.Group{},
		cancels: map[int64]context.CancelFunc{},
	}
}

// Create defers execution of fn until the current goroutine yields control
// (so HTTP handlers can return a response before the job starts), then runs
// it in a tracked goroutine via the manager's errgroup. name is used only
// for logging. Create is a no-op once Shutdown has been called.
func (m *Manager) Create(ctx context.Context, name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.log.Warn().Str("task", name).Msg("task manager shut down, dropping task")
		return
	}
	id := m.nextID
	m.nextID++
	taskCtx, cancel := context.WithCancel(detach(ctx))
	m.cancels[id] = cancel
	eg := m.eg
	m.mu.Unlock()

	eg.Go(func() error {
		defer func() {
			m.mu.Lock()
			delete(m.cancels, id)
			m.mu.Unlock()
			cancel()
		}()
		// Yield once so the caller's own frame (e.g. an HTTP handler) can
		// return before the job starts doing work.
		runtime.Gosched()
		if err := fn(taskCtx); err != nil {
			m.log.Error().Err(err).Str("task", name).Msg("background task failed")
			return nil
		}
		m.log.Debug().Str("task", name).Msg("background task completed")
		return nil
	})
}

// Shutdown awaits all tracked tasks up to timeout, then cancels whatever
// remains and waits briefly for cancellation to propagate. Subsequent calls
// to Create are rejected.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	m.closed = true
	eg := m.eg
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
	}

	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		m.log.Warn().Msg("background tasks did not finish after cancellation")
	}
}

// detach strips any deadline/cancellation from ctx while preserving its
// values (trace info, etc.), so a background task outlives the request that
// spawned it.
func detach(ctx context.Context) context.Context {
	return detachedContext{parent: ctx}
}

type detachedContext struct {
	parent context.Context
}

func (d detachedContext) Deadline() (time.Time, bool)   { return time.Time{}, false }
func (d detachedContext) Done() <-chan struct{}         { return nil }
func (d detachedContext) Err() error                    { return nil }
func (d detachedContext) Value(key any) any             { return d.parent.Value(key) }
