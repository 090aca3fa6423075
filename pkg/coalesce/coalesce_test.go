package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoCoalescesConcurrentCallers(t *testing.T) {
	c := New[string, int]()
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})

	const n = 25
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Do(ctx, "key", func(ctx context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
		}(i)
	}

	// Let every caller attach before the fetch resolves.
	assert.Eventually(t, func() bool { return c.Pending("key") }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "fetch should execute exactly once")
	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, 42, results[i])
	}
	assert.False(t, c.Pending("key"), "flight should be cleared after resolution")
}

func TestDoDeliversSharedErrorAndRetries(t *testing.T) {
	c := New[string, string]()
	ctx := context.Background()

	boom := errors.New("boom")
	var calls atomic.Int32
	release := make(chan struct{})

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Do(ctx, "k", func(ctx context.Context) (string, error) {
				calls.Add(1)
				<-release
				return "", boom
			})
		}(i)
	}
	assert.Eventually(t, func() bool { return c.Pending("k") }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		assert.ErrorIs(t, errs[i], boom, "every waiter receives the identical error")
	}

	// A failed flight leaves the key immediately retryable.
	v, err := c.Do(ctx, "k", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(1), calls.Load(), "retry runs a fresh fetch, not the failed one")
}

func TestDoDistinctKeysRunIndependently(t *testing.T) {
	c := New[string, int]()
	ctx := context.Background()

	var calls atomic.Int32
	for _, key := range []string{"a", "b", "c"} {
		v, err := c.Do(ctx, key, func(ctx context.Context) (int, error) {
			return int(calls.Add(1)), nil
		})
		require.NoError(t, err)
		assert.Equal(t, int(calls.Load()), v)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoCancelledWaiterDoesNotTearDownSharedWork(t *testing.T) {
	c := New[string, int]()

	fnCtxCh := make(chan context.Context, 1)
	release := make(chan struct{})

	// First subscriber stays attached on the background context.
	var wg sync.WaitGroup
	wg.Add(1)
	var v1 int
	var err1 error
	go func() {
		defer wg.Done()
		v1, err1 = c.Do(context.Background(), "k", func(ctx context.Context) (int, error) {
			fnCtxCh <- ctx
			<-release
			return 7, ctx.Err()
		})
	}()
	fnCtx := <-fnCtxCh

	// Second subscriber detaches early.
	ctx2, cancel2 := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.Do(ctx2, "k", func(ctx context.Context) (int, error) {
			t.Error("second caller must attach to the existing flight")
			return 0, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel2()
	time.Sleep(10 * time.Millisecond)

	assert.NoError(t, fnCtx.Err(), "shared work must survive a non-final detach")

	close(release)
	wg.Wait()
	require.NoError(t, err1)
	assert.Equal(t, 7, v1)
}

func TestDoLastDetachCancelsSharedWork(t *testing.T) {
	c := New[string, int]()

	fnCtxCh := make(chan context.Context, 1)
	started := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.Do(ctx, "k", func(ctx context.Context) (int, error) {
			fnCtxCh <- ctx
			close(started)
			<-ctx.Done()
			return 0, ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
	}()

	<-started
	fnCtx := <-fnCtxCh
	cancel()
	wg.Wait()

	select {
	case <-fnCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("flight context was not cancelled after the last subscriber detached")
	}
	assert.False(t, c.Pending("k"))
}

func TestForgetStartsFreshFlight(t *testing.T) {
	c := New[string, int]()
	ctx := context.Background()

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	var first int
	go func() {
		defer wg.Done()
		first, _ = c.Do(ctx, "k", func(ctx context.Context) (int, error) {
			<-release
			return 1, nil
		})
	}()
	assert.Eventually(t, func() bool { return c.Pending("k") }, time.Second, time.Millisecond)

	c.Forget("k")
	second, err := c.Do(ctx, "k", func(ctx context.Context) (int, error) {
		return 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second)

	close(release)
	wg.Wait()
	assert.Equal(t, 1, first, "already-attached waiter still gets the old flight's result")
}
