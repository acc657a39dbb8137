package mutation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "outliner-backend/internal/errors"
)

func TestGateRunsWaitersInIssueOrder(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 50; round++ {
		g := newGate()
		release, err := g.acquire(ctx, "n")
		require.NoError(t, err)

		var (
			mu    sync.Mutex
			order []int
			wg    sync.WaitGroup
		)
		for i := 1; i <= 3; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rel, err := g.acquire(ctx, "n")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				rel()
			}(i)
			require.Eventually(t, func() bool { return g.waiters("n") == i }, time.Second, time.Millisecond)
		}

		release()
		wg.Wait()
		require.Equal(t, []int{1, 2, 3}, order, "round %d", round)
		assert.False(t, g.busy("n"))
	}
}

func TestGateCancelledWaiterKeepsQueue(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	release, err := g.acquire(ctx, "n")
	require.NoError(t, err)

	waitCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		_, err := g.acquire(waitCtx, "n")
		errc <- err
	}()
	require.Eventually(t, func() bool { return g.waiters("n") == 1 }, time.Second, time.Millisecond)
	cancel()
	err = <-errc
	assert.Equal(t, apperrors.ErrorTypeTimeout, apperrors.TypeOf(err))

	acquired := make(chan func(), 1)
	go func() {
		rel, err := g.acquire(ctx, "n")
		if err == nil {
			acquired <- rel
		}
	}()
	select {
	case <-acquired:
		t.Fatal("acquired while n was held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case rel := <-acquired:
		rel()
	case <-time.After(time.Second):
		t.Fatal("queue stalled after a cancelled waiter")
	}
	assert.False(t, g.busy("n"))
}

func TestGateMultipleIDs(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	releaseB, err := g.acquire(ctx, "b")
	require.NoError(t, err)

	acquired := make(chan func(), 1)
	go func() {
		rel, err := g.acquire(ctx, "a", "b", "a")
		if err == nil {
			acquired <- rel
		}
	}()
	require.Eventually(t, func() bool { return g.busy("a") && g.waiters("b") == 1 }, time.Second, time.Millisecond)

	releaseC, err := g.acquire(ctx, "c")
	require.NoError(t, err, "unrelated nodes proceed independently")
	releaseC()

	releaseB()
	select {
	case rel := <-acquired:
		rel()
	case <-time.After(time.Second):
		t.Fatal("multi-node acquire never ran")
	}
	assert.False(t, g.busy("a"))
	assert.False(t, g.busy("b"))
}
