package syncx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvent_SetWakesWaiter(t *testing.T) {
	e := NewEvent()
	require.False(t, e.IsSet())

	done := make(chan error, 1)
	go func() {
		done <- e.Wait(context.Background())
	}()

	e.Set()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Set")
	}
	require.True(t, e.IsSet())
}

func TestEvent_WaitReturnsImmediatelyWhenSet(t *testing.T) {
	e := NewEvent()
	e.Set()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
}

func TestEvent_ClearRearms(t *testing.T) {
	e := NewEvent()
	e.Set()
	e.Clear()
	require.False(t, e.IsSet())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)
}

func TestEvent_WaitHonorsContext(t *testing.T) {
	e := NewEvent()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, e.Wait(ctx), context.Canceled)
}

func TestEvent_SetIsIdempotent(t *testing.T) {
	e := NewEvent()
	e.Set()
	require.NotPanics(t, func() { e.Set() })
	e.Clear()
	require.NotPanics(t, func() { e.Clear() })
}

func TestEvent_WakesAllWaiters(t *testing.T) {
	e := NewEvent()

	const waiters = 8
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.Wait(context.Background())
		}()
	}

	time.Sleep(10 * time.Millisecond)
	e.Set()
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestCounter(t *testing.T) {
	var c Counter
	require.EqualValues(t, 0, c.Value())

	c.Inc()
	c.Inc()
	require.EqualValues(t, 2, c.Value())

	c.Dec()
	require.EqualValues(t, 1, c.Value())
	c.Dec()
	require.EqualValues(t, 0, c.Value())
}

func TestCounter_Concurrent(t *testing.T) {
	var c Counter
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc()
			c.Dec()
		}()
	}
	wg.Wait()
	require.EqualValues(t, 0, c.Value())
}
