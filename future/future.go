// Package future implements a single-shot producer/consumer handoff,
// standing in for the original's nu::Future/nu::Promise pair (spec.md
// §4.10): async remote calls and async refcount drops both need a way to
// hand a result back to a caller that may have already moved on to other
// work.
package future

import "context"

// Future is the read side of a single-shot value handoff. The zero value
// is not usable; obtain one from NewPromise.
type Future[T any] struct {
	ch <-chan T
}

// Promise is the write side: Set must be called exactly once per
// Promise. A second Set blocks for as long as the first value is still
// unread (the channel has capacity one).
type Promise[T any] struct {
	ch chan<- T
}

// NewPromise constructs a connected Promise/Future pair, matching
// nu::make_future_promise's two-handle return.
func NewPromise[T any]() (Promise[T], Future[T]) {
	ch := make(chan T, 1)
	return Promise[T]{ch: ch}, Future[T]{ch: ch}
}

// Set delivers v to the paired Future, matching the original's
// single-assignment promise contract.
func (p Promise[T]) Set(v T) {
	p.ch <- v
}

// Get blocks until the paired Promise is fulfilled or ctx is done.
func (f Future[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-f.ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Ready performs a non-blocking poll, reporting whether a value was
// available without committing to wait.
func (f Future[T]) Ready() (T, bool) {
	select {
	case v := <-f.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}
