package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2, time.Minute, zerolog.Nop())
	go pool.Run()
	defer pool.Stop()

	release := make(chan struct{})
	finished := make(chan string, 4)

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("job-%d", i)
		pool.Submit(context.Background(), id, func(ctx context.Context) {
			<-release
			finished <- id
		})
	}

	require.Eventually(t, func() bool { return pool.InFlight() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, pool.QueueDepth())

	close(release)
	for i := 0; i < 4; i++ {
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatal("job did not finish")
		}
	}

	require.Eventually(t, func() bool {
		return pool.InFlight() == 0 && pool.QueueDepth() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPoolAppliesPerJobTimeout(t *testing.T) {
	pool := NewPool(1, 20*time.Millisecond, zerolog.Nop())
	go pool.Run()
	defer pool.Stop()

	errs := make(chan error, 1)
	pool.Submit(context.Background(), "slow", func(ctx context.Context) {
		<-ctx.Done()
		errs <- ctx.Err()
	})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("job context never expired")
	}
}

func TestPoolPropagatesParentCancellation(t *testing.T) {
	pool := NewPool(1, time.Minute, zerolog.Nop())
	go pool.Run()
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	pool.Submit(ctx, "cancelled", func(runCtx context.Context) {
		<-runCtx.Done()
		errs <- runCtx.Err()
	})

	require.Eventually(t, func() bool { return pool.InFlight() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("job never observed cancellation")
	}
}

func TestPoolStopDoesNotStartQueued(t *testing.T) {
	pool := NewPool(1, time.Minute, zerolog.Nop())
	go pool.Run()

	blocker := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(context.Background(), "running", func(ctx context.Context) {
		close(started)
		<-blocker
	})

	var queuedRan atomic.Bool
	pool.Submit(context.Background(), "queued", func(ctx context.Context) {
		queuedRan.Store(true)
	})

	<-started
	pool.Stop()
	close(blocker)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, queuedRan.Load(), "queued job must not start after Stop")
}

func TestPoolDefaults(t *testing.T) {
	pool := NewPool(0, 0, zerolog.Nop())
	assert.Equal(t, 1, pool.workers)
	assert.Equal(t, DefaultJobTimeout, pool.timeout)
}
