package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCreateRunsAndShutdownWaits(t *testing.T) {
	m := New(zerolog.Nop())
	var ran atomic.Bool
	m.Create(context.Background(), "mark", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	m.Shutdown(time.Second)
	require.True(t, ran.Load())
}

func TestShutdownCancelsSlowTasks(t *testing.T) {
	m := New(zerolog.Nop())
	started := make(chan struct{})
	cancelled := make(chan struct{})
	m.Create(context.Background(), "slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	<-started
	m.Shutdown(10 * time.Millisecond)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected task to be cancelled on shutdown timeout")
	}
}

func TestCreateAfterShutdownIsNoop(t *testing.T) {
	m := New(zerolog.Nop())
	m.Shutdown(time.Second)
	var ran atomic.Bool
	m.Create(context.Background(), "late", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	time.Sleep(10 * time.Millisecond)
	require.False(t, ran.Load())
}
