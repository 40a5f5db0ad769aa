package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrShuttingDown = errors.New("resource pool is shutting down")

	ErrTimeout = errors.New("resource acquisition timed out")

	ErrCloserRequired = errors.New("shutdown requires a close callback")
)

// Factory constructs one new resource. The Stack calls it lazily, at
// most Cap times between reloads, and never while holding its lock.
type Factory[T any] func() (T, error)

// CloseFunc disposes of one resource on behalf of the pool.
type CloseFunc[T any] func(r T) error

// Stack is a bounded set of reusable resources. Acquire hands out an
// idle resource, creates one while the pool is below capacity, or
// blocks until a resource is released, whichever comes first.
type Stack[T any] struct {
	mu      sync.Mutex
	store   Store[T]
	factory Factory[T]

	capacity int
	created  int

	// closing is non-nil exactly while a shutdown is active; released
	// resources are then routed to it instead of the store.
	closing CloseFunc[T]

	// wake is closed and replaced to broadcast to parked waiters.
	wake chan struct{}
}

type Option[T any] func(*Stack[T])

// WithStore substitutes the idle-resource container.
func WithStore[T any](store Store[T]) Option[T] {
	return func(s *Stack[T]) {
		if store != nil {
			s.store = store
		}
	}
}

func NewStack[T any](capacity int, factory Factory[T], opts ...Option[T]) (*Stack[T], error) {
	if capacity <= 0 {
		return nil, errors.New("invalid capacity settings")
	}
	if factory == nil {
		return nil, errors.New("factory must not be nil")
	}

	s := &Stack[T]{
		store:    NewLIFOStore[T](),
		factory:  factory,
		capacity: capacity,
		wake:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Acquire returns an idle resource, creating one when the pool is
// below capacity. When every slot is checked out it blocks until a
// release, the context's deadline, or cancellation. A context with no
// deadline waits indefinitely.
func (s *Stack[T]) Acquire(ctx context.Context) (T, error) {
	var budget time.Duration
	timed := false
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline)
		timed = true
	}
	return s.acquire(ctx, budget, timed)
}

// AcquireTimeout is Acquire with a deadline computed once from
// timeout. A non-positive timeout takes or creates a resource when
// one is immediately available and fails otherwise without waiting.
func (s *Stack[T]) AcquireTimeout(timeout time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.acquire(ctx, timeout, true)
}

func (s *Stack[T]) acquire(ctx context.Context, budget time.Duration, timed bool) (T, error) {
	var zero T

	s.mu.Lock()
	for {
		if s.closing != nil {
			s.mu.Unlock()
			return zero, ErrShuttingDown
		}

		if r, ok := s.store.Take(); ok {
			s.mu.Unlock()
			return r, nil
		}

		if s.created < s.capacity {
			s.created++
			s.mu.Unlock()
			return s.construct()
		}

		// Deadline checks come after the non-blocking paths above, so
		// an expired context can still take what is already free.
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			if timed && errors.Is(err, context.DeadlineExceeded) {
				return zero, fmt.Errorf("%w after %s", ErrTimeout, budget)
			}
			return zero, err
		}

		wake := s.wake
		s.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
		}
		s.mu.Lock()
	}
}

// construct runs the factory with a slot already reserved. The
// reservation is given back when the factory does not deliver.
func (s *Stack[T]) construct() (r T, err error) {
	delivered := false
	defer func() {
		if !delivered {
			s.mu.Lock()
			s.created--
			s.broadcastLocked()
			s.mu.Unlock()
		}
	}()

	r, err = s.factory()
	if err == nil {
		delivered = true
	}
	return r, err
}

// Release returns a checked-out resource. During a shutdown the
// resource goes to the close callback instead of the store, and the
// callback's error is reported to the caller.
func (s *Stack[T]) Release(r T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing != nil {
		err := s.closing(r)
		s.broadcastLocked()
		return err
	}

	s.store.Put(r)
	s.broadcastLocked()
	return nil
}

// Discard gives one slot back without returning a resource. Callers
// use it after disposing of a resource that must not be pooled again.
func (s *Stack[T]) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.created > 0 {
		s.created--
		s.broadcastLocked()
	}
}

// Shutdown drains every idle resource through closeFn and rejects all
// later acquisitions. Resources still checked out reach closeFn when
// they are released. Calling Shutdown again on a closed stack drains
// nothing new.
func (s *Stack[T]) Shutdown(closeFn CloseFunc[T]) error {
	return s.shutdown(closeFn, false)
}

// Reload drains like Shutdown but reopens the stack afterwards, so
// acquisitions resume with a fresh creation budget.
func (s *Stack[T]) Reload(closeFn CloseFunc[T]) error {
	return s.shutdown(closeFn, true)
}

func (s *Stack[T]) shutdown(closeFn CloseFunc[T], reload bool) error {
	if closeFn == nil {
		return ErrCloserRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing = closeFn
	s.broadcastLocked()

	err := s.store.Drain(closeFn)
	s.created = 0

	if reload {
		s.closing = nil
	}
	return err
}

// Len reports how many acquisitions could currently succeed without
// waiting on a release: idle resources plus unused creation budget.
func (s *Stack[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity - s.created + s.store.Len()
}

// Idle reports how many released resources are sitting in the store.
func (s *Stack[T]) Idle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Len()
}

// Empty reports whether every slot is checked out.
func (s *Stack[T]) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created-s.store.Len() >= s.capacity
}

func (s *Stack[T]) Cap() int {
	return s.capacity
}

// broadcastLocked wakes every parked waiter; who proceeds is settled
// by the predicate re-check after the lock is reacquired. Callers
// must hold mu.
func (s *Stack[T]) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}
