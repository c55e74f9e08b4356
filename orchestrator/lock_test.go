package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForWaiters(t *testing.T, l *fifoLock, n int) {
	t.Helper()
	for i := 0; i < 200; i++ {
		l.mu.Lock()
		queued := len(l.waiters)
		l.mu.Unlock()
		if queued >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never saw %d queued waiters", n)
}

func TestFifoLockHandsOffInOrder(t *testing.T) {
	l := &fifoLock{}
	require.NoError(t, l.Lock(context.Background()))

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		waitForWaiters(t, l, i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, l.Lock(context.Background()))
			order <- i
			l.Unlock()
		}(i)
		waitForWaiters(t, l, i+1)
	}

	l.Unlock()
	wg.Wait()
	close(order)

	var got []int
	for i := range order {
		got = append(got, i)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestFifoLockCancelWhileQueued(t *testing.T) {
	l := &fifoLock{}
	require.NoError(t, l.Lock(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Lock(ctx) }()

	waitForWaiters(t, l, 1)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// The cancelled waiter must not block hand-off.
	l.Unlock()
	require.NoError(t, l.Lock(context.Background()))
	l.Unlock()
}

func TestFifoLockUncontended(t *testing.T) {
	l := &fifoLock{}
	require.NoError(t, l.Lock(context.Background()))
	l.Unlock()
	require.NoError(t, l.Lock(context.Background()))
	l.Unlock()
}
