package frwlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario A: uncontended read is granted immediately and GetState reflects
// the shared hold.
func TestUncontendedRead(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Dispose()

	assert.True(t, l.TryEnterRead())
	st := l.GetState()
	assert.Equal(t, uint64(1), st.ReadCount)
	assert.False(t, st.IsWrite)
	l.ExitRead()
	assert.Equal(t, uint64(0), l.GetState().ReadCount)
}

// Scenario B: reader saturation — a request beyond maxReadCount is refused
// by the fast path (the queueing path is exercised separately).
func TestReaderSaturationRefusesFastPath(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Dispose()

	l.state.StoreRelease(withCount(0, maxReadCount))
	assert.False(t, l.TryEnterRead())
}

// Scenario C: a writer waiting for readers to drain is granted exclusive
// access only once every outstanding reader has exited.
func TestWriterWaitsForReaders(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Dispose()

	require.True(t, l.TryEnterRead())
	require.True(t, l.TryEnterRead())

	writerDone := make(chan struct{})
	go func() {
		ok, err := l.EnterWrite(context.Background())
		assert.True(t, ok)
		assert.NoError(t, err)
		close(writerDone)
	}()

	// Let the writer register and mark QueueChanged.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-writerDone:
		t.Fatal("writer must not proceed while readers are outstanding")
	default:
	}

	l.ExitRead()
	select {
	case <-writerDone:
		t.Fatal("writer must not proceed while a reader remains")
	default:
	}

	l.ExitRead()
	select {
	case <-writerDone:
	case <-time.After(time.Second):
		t.Fatal("writer was never granted after the last reader exited")
	}
	assert.True(t, l.GetState().IsWrite)
	l.ExitWrite()
}

// Scenario D: upgrading a shared hold to exclusive while sibling readers
// exist must block until the siblings drain, without deadlocking against
// them (the siblings are ordinary readers, not upgradable).
func TestUpgradeWaitsForSiblingReaders(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Dispose()

	rh, err := AcquireReadUpgrade(context.Background(), l)
	require.NoError(t, err)
	require.True(t, l.TryEnterRead(), "a sibling ordinary reader joins")

	upgradeDone := make(chan struct{})
	go func() {
		wh, err := AcquireWriteUpgrade(context.Background(), rh)
		assert.NoError(t, err)
		wh.Release()
		close(upgradeDone)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-upgradeDone:
		t.Fatal("upgrade must wait for the sibling reader to exit")
	default:
	}

	l.ExitRead() // the sibling leaves
	select {
	case <-upgradeDone:
	case <-time.After(time.Second):
		t.Fatal("upgrade was never granted after the sibling exited")
	}

	rh.Release()
}

// Scenario E: a cancelled context unblocks a queued waiter with ErrCancelled
// and never grants it the lock.
func TestCancellationMidWaitReturnsErrCancelled(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Dispose()

	require.True(t, l.TryEnterWrite())

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan error, 1)
	go func() {
		ok, err := l.EnterRead(ctx)
		assert.False(t, ok)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-resultCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("cancellation was never observed")
	}

	l.ExitWrite()
	assert.Equal(t, uint64(0), l.GetState().ReadCount, "the cancelled waiter must not have been admitted")
}

// A context deadline that elapses while still queued yields ErrTimeout.
func TestContextDeadlineReturnsErrTimeout(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Dispose()

	require.True(t, l.TryEnterWrite())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok, err := l.EnterRead(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrTimeout)

	l.ExitWrite()
}

// Scenario F: write elevation routes queued writers ahead of queued readers.
func TestWriteElevationPrefersQueuedWriters(t *testing.T) {
	l, err := New(WithElevateWriteQueue())
	require.NoError(t, err)
	defer l.Dispose()

	require.True(t, l.TryEnterWrite(), "hold exclusive so both kinds must queue")

	order := make(chan string, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		ok, err := l.EnterRead(context.Background())
		require.True(t, ok)
		require.NoError(t, err)
		order <- "read"
		l.ExitRead()
	}()
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		ok, err := l.EnterWrite(context.Background())
		require.True(t, ok)
		require.NoError(t, err)
		order <- "write"
		l.ExitWrite()
	}()

	time.Sleep(40 * time.Millisecond)
	l.ExitWrite()
	wg.Wait()
	close(order)

	first := <-order
	assert.Equal(t, "write", first, "the elevated writer must be dispatched ahead of the fair reader")
}

// Disposing the lock fails every still-queued waiter with ErrDisposed and
// every subsequent Enter* call.
func TestDisposeFailsQueuedWaiters(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	require.True(t, l.TryEnterWrite())

	resultCh := make(chan error, 1)
	go func() {
		ok, err := l.EnterRead(context.Background())
		assert.False(t, ok)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.Dispose()

	select {
	case err := <-resultCh:
		assert.ErrorIs(t, err, ErrDisposed)
	case <-time.After(time.Second):
		t.Fatal("disposal never settled the queued waiter")
	}

	ok, err := l.EnterRead(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDisposed)
	assert.False(t, l.TryEnterRead())
}

// WithRunContinuationsAsynchronously must not change observable semantics:
// a queued waiter still gets admitted and its future still resolves, just
// via a worker goroutine instead of inline on the releaser.
func TestRunContinuationsAsynchronously(t *testing.T) {
	l, err := New(WithRunContinuationsAsynchronously(true))
	require.NoError(t, err)
	defer l.Dispose()

	require.True(t, l.TryEnterWrite())

	writerDone := make(chan struct{})
	go func() {
		ok, err := l.EnterWrite(context.Background())
		assert.True(t, ok)
		assert.NoError(t, err)
		close(writerDone)
	}()

	time.Sleep(20 * time.Millisecond)
	l.ExitWrite()

	select {
	case <-writerDone:
	case <-time.After(time.Second):
		t.Fatal("queued writer's future never resolved under async continuations")
	}
	l.ExitWrite()
}

// Invariant: many concurrent readers never observe a writer holding the
// lock at the same time, and vice versa.
func TestConcurrentReadersAndWritersMutuallyExclusive(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Dispose()

	var mu sync.Mutex
	active := 0
	var sawExclusiveViolation, sawWriterOverlap bool

	var wg sync.WaitGroup
	const n = 30
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				ok, err := l.EnterWrite(context.Background())
				require.True(t, ok)
				require.NoError(t, err)
				mu.Lock()
				if active != 0 {
					sawWriterOverlap = true
				}
				active = -1
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active = 0
				mu.Unlock()
				l.ExitWrite()
				return
			}
			ok, err := l.EnterRead(context.Background())
			require.True(t, ok)
			require.NoError(t, err)
			mu.Lock()
			if active < 0 {
				sawExclusiveViolation = true
			}
			active++
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			l.ExitRead()
		}(i)
	}
	wg.Wait()

	assert.False(t, sawExclusiveViolation, "a reader observed a concurrent writer")
	assert.False(t, sawWriterOverlap, "a writer observed a concurrent holder")
	assert.Equal(t, uint64(0), l.GetState().ReadCount)
	assert.False(t, l.GetState().IsWrite)
}

func TestGetStateReflectsWriteSentinel(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Dispose()

	require.True(t, l.TryEnterWrite())
	st := l.GetState()
	assert.True(t, st.IsWrite)
	assert.Equal(t, uint64(0), st.ReadCount)
	l.ExitWrite()
}

func TestExitReadPanicsWithoutHold(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Dispose()
	assert.Panics(t, func() { l.ExitRead() })
}

// Invariant 8: any balanced sequence of Enter/Exit calls on a single
// goroutine returns the state word to zero.
func TestBalancedEnterExitRoundTripsToZero(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Dispose()

	require.True(t, l.TryEnterRead())
	require.True(t, l.TryEnterRead())
	l.ExitRead()
	l.ExitRead()
	assert.Equal(t, uint64(0), l.GetState().Raw)

	require.True(t, l.TryEnterWrite())
	l.ExitWrite()
	assert.Equal(t, uint64(0), l.GetState().Raw)

	require.True(t, l.TryEnterReadUpgrade())
	require.True(t, l.TryEnterWriteUpgrade())
	l.ExitWriteUpgrade()
	l.ExitReadUpgrade()
	assert.Equal(t, uint64(0), l.GetState().Raw)
}

func TestExitWritePanicsWithoutHold(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Dispose()
	assert.Panics(t, func() { l.ExitWrite() })
}
