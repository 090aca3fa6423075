// Package coalesce provides a generic keyed singleflight: at most one
// in-flight execution per logical key, shared by every concurrent caller.
package coalesce

import (
	"context"
	"sync"
)

// flight is one shared in-flight execution.
type flight[V any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	val    V
	err    error
	subs   int
}

// Coalescer deduplicates concurrent work by key. The zero value is not
// usable; construct with New.
type Coalescer[K comparable, V any] struct {
	mu      sync.Mutex
	flights map[K]*flight[V]
}

// New creates an empty Coalescer.
func New[K comparable, V any]() *Coalescer[K, V] {
	return &Coalescer[K, V]{
		flights: make(map[K]*flight[V]),
	}
}

// Do executes fn for key, coalescing concurrent calls: if key already has an
// in-flight execution the caller attaches to it and receives the identical
// result or error. Otherwise fn runs in a new goroutine with a context that
// outlives any individual caller.
//
// If ctx is done before the shared work completes, Do returns ctx.Err() for
// this caller only. The shared execution is cancelled only when its last
// subscriber has detached.
func (c *Coalescer[K, V]) Do(ctx context.Context, key K, fn func(ctx context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	f, ok := c.flights[key]
	if ok {
		f.subs++
		c.mu.Unlock()
	} else {
		// The flight context deliberately drops the first caller's deadline
		// and cancellation: the work is shared property from here on.
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight[V]{
			ctx:    fctx,
			cancel: cancel,
			done:   make(chan struct{}),
			subs:   1,
		}
		c.flights[key] = f
		c.mu.Unlock()
		go c.run(key, f, fn)
	}

	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		c.detach(key, f)
		var zero V
		return zero, ctx.Err()
	}
}

// Pending reports whether key currently has an in-flight execution.
func (c *Coalescer[K, V]) Pending(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flights[key]
	return ok
}

// Forget drops the pending entry for key so the next Do starts fresh.
// Already-attached waiters still receive the old flight's result.
func (c *Coalescer[K, V]) Forget(key K) {
	c.mu.Lock()
	delete(c.flights, key)
	c.mu.Unlock()
}

func (c *Coalescer[K, V]) run(key K, f *flight[V], fn func(ctx context.Context) (V, error)) {
	v, err := fn(f.ctx)

	c.mu.Lock()
	f.val, f.err = v, err
	// A failed flight must leave the key immediately retryable; guard against
	// Forget having already replaced the entry.
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	c.mu.Unlock()

	f.cancel()
	close(f.done)
}

func (c *Coalescer[K, V]) detach(key K, f *flight[V]) {
	c.mu.Lock()
	f.subs--
	last := f.subs <= 0
	if last && c.flights[key] == f {
		delete(c.flights, key)
	}
	c.mu.Unlock()
	if last {
		f.cancel()
	}
}
