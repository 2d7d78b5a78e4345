// Package workpool bounds CPU-bound work (cycle enumeration, frequency
// aggregation) so it cannot starve I/O-bound store calls.
package workpool

import (
	"context"
	"fmt"
	"runtime"
)

// Pool is a counting semaphore over a fixed number of worker slots.
// The zero value is not usable; use New.
type Pool struct {
	slots chan struct{}
}

// New creates a pool with size slots. size <= 0 uses GOMAXPROCS.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return cap(p.slots)
}

// Do runs fn on its own goroutine once a slot is free. It returns ctx.Err()
// if the context ends first; fn keeps running in that case and its result is
// discarded. A panic in fn is returned as an error.
func Do[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() { <-p.slots }()
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("workpool: task panicked: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
