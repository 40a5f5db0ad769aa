// Package pool provides a bounded pool of lazily created, reusable
// resources with reentrant per-context checkout on top of a blocking
// acquire/release core.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotCheckedOut is returned by Checkin when the calling context
// holds no resource from this pool.
var ErrNotCheckedOut = errors.New("no resource checked out in this context")

type Config struct {
	// Capacity is the maximum number of simultaneously live resources.
	Capacity int

	// AcquireTimeout bounds Checkout when the caller's context has no
	// deadline of its own. Zero means fail rather than wait.
	AcquireTimeout time.Duration
}

// Pool wraps a Stack with per-context reuse: a context that already
// holds a resource gets the same one back from nested checkouts
// instead of taking a second slot.
type Pool[T any] struct {
	stack   *Stack[T]
	timeout time.Duration
}

func New[T any](config Config, factory Factory[T], opts ...Option[T]) (*Pool[T], error) {
	if config.Capacity <= 0 || config.AcquireTimeout < 0 {
		return nil, errors.New("invalid pool configuration")
	}

	stack, err := NewStack(config.Capacity, factory, opts...)
	if err != nil {
		return nil, err
	}
	return &Pool[T]{stack: stack, timeout: config.AcquireTimeout}, nil
}

type leaseKey[T any] struct {
	pool *Pool[T]
}

// lease records what one context has checked out and how deeply. The
// mutex is there because a context value can be observed from more
// than one goroutine.
type lease[T any] struct {
	mu    sync.Mutex
	res   T
	depth int
}

// Checkout returns a resource for the calling context. A context that
// already holds one gets the same resource back with its depth
// increased and never touches the stack. The returned context carries
// the checkout record; nested calls and Checkin must receive it.
func (p *Pool[T]) Checkout(ctx context.Context) (context.Context, T, error) {
	var zero T

	if l, ok := ctx.Value(leaseKey[T]{p}).(*lease[T]); ok {
		l.mu.Lock()
		defer l.mu.Unlock()

		if l.depth > 0 {
			l.depth++
			return ctx, l.res, nil
		}

		// Fully checked in earlier; the same context checks out anew.
		r, err := p.acquire(ctx)
		if err != nil {
			return ctx, zero, err
		}
		l.res = r
		l.depth = 1
		return ctx, r, nil
	}

	r, err := p.acquire(ctx)
	if err != nil {
		return ctx, zero, err
	}
	l := &lease[T]{res: r, depth: 1}
	return context.WithValue(ctx, leaseKey[T]{p}, l), r, nil
}

// Checkin releases the context's resource. Nested checkouts unwind
// first; the stack sees the resource again only when the depth
// returns to zero.
func (p *Pool[T]) Checkin(ctx context.Context) error {
	l, ok := ctx.Value(leaseKey[T]{p}).(*lease[T])
	if !ok {
		return ErrNotCheckedOut
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.depth == 0:
		return ErrNotCheckedOut
	case l.depth > 1:
		l.depth--
		return nil
	default:
		r := l.res
		var zero T
		l.res = zero
		l.depth = 0
		return p.stack.Release(r)
	}
}

// With checks out a resource, runs fn with it, and checks it back in
// on every exit path, panics included. fn receives the derived
// context, so nested With and Checkout calls inside it reuse the same
// resource. A checkin failure is reported when fn itself succeeded.
func (p *Pool[T]) With(ctx context.Context, fn func(ctx context.Context, r T) error) (err error) {
	cctx, r, err := p.Checkout(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Checkin(cctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return fn(cctx, r)
}

// acquire applies the configured default timeout when the caller's
// context does not carry a deadline.
func (p *Pool[T]) acquire(ctx context.Context) (T, error) {
	if _, ok := ctx.Deadline(); ok {
		return p.stack.Acquire(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.stack.acquire(tctx, p.timeout, true)
}

func (p *Pool[T]) Shutdown(closeFn CloseFunc[T]) error {
	return p.stack.Shutdown(closeFn)
}

func (p *Pool[T]) Reload(closeFn CloseFunc[T]) error {
	return p.stack.Reload(closeFn)
}

func (p *Pool[T]) Len() int {
	return p.stack.Len()
}

func (p *Pool[T]) Cap() int {
	return p.stack.Cap()
}

func (p *Pool[T]) Empty() bool {
	return p.stack.Empty()
}
