// Package future provides a minimal single-result future/promise pair used
// throughout the engine in place of ad-hoc goroutine-and-channel plumbing.
//
// The engine itself never spawns goroutines to do work (spec.md §5: single
// threaded cooperative scheduling) — Future here is purely a uniform
// then/catch/finally surface over a value that may already be computed by
// the time it's observed, or resolved later by another goroutine: Wait
// blocks on a one-slot channel until Resolve or Reject runs (lock.Helper's
// CloseWhenPossible waits this way for active transactions to finish).
package future

import "context"

// Future carries the eventual result of an operation.
type Future[T any] struct {
	ch  chan result[T]
	got *result[T]
}

type result[T any] struct {
	val T
	err error
}

// Resolver is the write side of a Future, handed to whatever code produces
// the result.
type Resolver[T any] struct {
	f *Future[T]
}

// New returns a Future and its Resolver. The Future may be awaited any
// number of times; the Resolver may be used exactly once.
func New[T any]() (*Future[T], Resolver[T]) {
	f := &Future[T]{ch: make(chan result[T], 1)}
	return f, Resolver[T]{f: f}
}

// Resolve completes the future successfully.
func (r Resolver[T]) Resolve(val T) {
	r.f.ch <- result[T]{val: val}
}

// Reject completes the future with an error.
func (r Resolver[T]) Reject(err error) {
	r.f.ch <- result[T]{err: err}
}

// Done wraps an already-computed value/error pair as a resolved Future.
func Done[T any](val T, err error) *Future[T] {
	f, r := New[T]()
	if err != nil {
		r.Reject(err)
	} else {
		r.Resolve(val)
	}
	return f
}

// Wait blocks until the future resolves or ctx is done, caching the result
// so subsequent calls return instantly.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	if f.got != nil {
		return f.got.val, f.got.err
	}
	select {
	case res := <-f.ch:
		f.got = &res
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then registers a transform applied once the future resolves successfully,
// propagating the error otherwise.
func Then[T, U any](ctx context.Context, f *Future[T], fn func(T) (U, error)) *Future[U] {
	val, err := f.Wait(ctx)
	if err != nil {
		return Done[U](*new(U), err)
	}
	u, err := fn(val)
	return Done(u, err)
}

// Catch registers a recovery transform applied only when the future failed.
func Catch[T any](ctx context.Context, f *Future[T], fn func(error) (T, error)) *Future[T] {
	val, err := f.Wait(ctx)
	if err == nil {
		return Done(val, nil)
	}
	return Done(fn(err))
}

// Finally runs fn regardless of outcome, after the future settles, without
// altering the result.
func Finally[T any](ctx context.Context, f *Future[T], fn func()) *Future[T] {
	val, err := f.Wait(ctx)
	fn()
	return Done(val, err)
}
