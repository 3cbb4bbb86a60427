package frwlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Several readers queued behind a writer are all admitted together in one
// dispatch pass once the writer releases.
func TestDispatchBatchesQueuedReaders(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Dispose()

	require.True(t, l.TryEnterWrite())

	const readers = 5
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.EnterRead(context.Background())
			assert.True(t, ok)
			assert.NoError(t, err)
		}()
	}

	time.Sleep(30 * time.Millisecond)
	l.ExitWrite()
	wg.Wait()

	assert.Equal(t, uint64(readers), l.GetState().ReadCount)
	for i := 0; i < readers; i++ {
		l.ExitRead()
	}
	assert.Equal(t, uint64(0), l.GetState().ReadCount)
}

// With read elevation, queued readers are dispatched ahead of a queued
// writer.
func TestReadElevationPrefersQueuedReaders(t *testing.T) {
	l, err := New(WithElevateReadQueue())
	require.NoError(t, err)
	defer l.Dispose()

	require.True(t, l.TryEnterWrite())

	order := make(chan string, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		ok, err := l.EnterWrite(context.Background())
		require.True(t, ok)
		require.NoError(t, err)
		order <- "write"
		l.ExitWrite()
	}()
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		ok, err := l.EnterRead(context.Background())
		require.True(t, ok)
		require.NoError(t, err)
		order <- "read"
		l.ExitRead()
	}()

	time.Sleep(40 * time.Millisecond)
	l.ExitWrite()
	wg.Wait()
	close(order)

	first := <-order
	assert.Equal(t, "read", first, "the elevated reader must be dispatched ahead of the fair writer")
}

// A waiter whose deadline elapses while sitting in the queue is skipped by
// the dispatcher rather than granted.
func TestDispatchSkipsExpiredWaiter(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Dispose()

	require.True(t, l.TryEnterWrite())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	expiredResult := make(chan error, 1)
	go func() {
		ok, err := l.EnterRead(ctx)
		assert.False(t, ok)
		expiredResult <- err
	}()

	// Let the expired waiter's own watcher settle it before a second,
	// healthy reader queues and triggers the dispatch pass.
	time.Sleep(30 * time.Millisecond)

	healthyDone := make(chan struct{})
	go func() {
		ok, err := l.EnterRead(context.Background())
		assert.True(t, ok)
		assert.NoError(t, err)
		close(healthyDone)
	}()
	time.Sleep(10 * time.Millisecond)
	l.ExitWrite()

	select {
	case err := <-expiredResult:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("expired waiter never settled")
	}
	select {
	case <-healthyDone:
	case <-time.After(time.Second):
		t.Fatal("healthy waiter was never admitted")
	}

	assert.Equal(t, uint64(1), l.GetState().ReadCount)
	l.ExitRead()
}
