package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStreamRegistry_AssignsOddIncreasingIDs(t *testing.T) {
	r := newStreamRegistry()
	first := r.add()
	second := r.add()

	require.Equal(t, int64(1), first)
	require.Equal(t, int64(3), second)
	require.Equal(t, 2, r.inflight())

	r.remove(first)
	require.Equal(t, 1, r.inflight())
}

func TestAdmission_BlocksAboveLimitAndReleasesToWaiter(t *testing.T) {
	a := newAdmission(1)
	ctx := context.Background()

	require.NoError(t, a.acquire(ctx))
	require.Equal(t, 1, a.inUseCount())

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, a.acquire(ctx))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should have blocked while the slot is held")
	case <-time.After(20 * time.Millisecond):
	}

	a.release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken after release")
	}
}

func TestAdmission_FIFOOrdering(t *testing.T) {
	a := newAdmission(1)
	ctx := context.Background()
	require.NoError(t, a.acquire(ctx))

	const waiters = 5
	order := make(chan int, waiters)
	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			require.NoError(t, a.acquire(ctx))
			order <- i
		}()
		time.Sleep(5 * time.Millisecond) // stagger arrival so queue order is deterministic
	}

	for i := 0; i < waiters; i++ {
		a.release()
		select {
		case got := <-order:
			require.Equal(t, i, got, "waiters must be admitted in arrival order")
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never admitted", i)
		}
	}
}

func TestAdmission_ContextCancelledWhileWaitingReleasesNoSlot(t *testing.T) {
	a := newAdmission(1)
	require.NoError(t, a.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.acquire(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire never returned")
	}

	// The held slot is still held; a fresh waiter should still block.
	acquired := make(chan struct{})
	go func() {
		require.NoError(t, a.acquire(context.Background()))
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("cancelling a waiter must not leak the slot it never held")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestAdmission_SetLimitWakesQueuedWaiters(t *testing.T) {
	a := newAdmission(1)
	require.NoError(t, a.acquire(context.Background()))

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, a.acquire(context.Background()))
		close(acquired)
	}()
	time.Sleep(10 * time.Millisecond)

	a.setLimit(2)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("raising the limit should have admitted the queued waiter")
	}
}
