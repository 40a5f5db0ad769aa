package pool

// Store holds the idle resources for a Stack. Implementations are
// plain containers; the Stack serializes every call under its own
// lock, so stores need no synchronization of their own.
type Store[T any] interface {
	Len() int

	Take() (T, bool)

	Put(r T)

	Drain(closeFn func(T) error) error
}

// NewLIFOStore returns the default store: the most recently released
// resource is handed out first.
func NewLIFOStore[T any]() Store[T] {
	return &lifoStore[T]{}
}

type lifoStore[T any] struct {
	items []T
}

func (s *lifoStore[T]) Len() int {
	return len(s.items)
}

func (s *lifoStore[T]) Take() (T, bool) {
	var zero T
	if len(s.items) == 0 {
		return zero, false
	}

	last := len(s.items) - 1
	r := s.items[last]
	s.items[last] = zero
	s.items = s.items[:last]
	return r, true
}

func (s *lifoStore[T]) Put(r T) {
	s.items = append(s.items, r)
}

func (s *lifoStore[T]) Drain(closeFn func(T) error) error {
	return drain(s, closeFn)
}

// NewFIFOStore returns a store that hands out the oldest idle
// resource first, for callers that prefer rotation over reuse of
// warm resources.
func NewFIFOStore[T any]() Store[T] {
	return &fifoStore[T]{}
}

type fifoStore[T any] struct {
	items []T
}

func (s *fifoStore[T]) Len() int {
	return len(s.items)
}

func (s *fifoStore[T]) Take() (T, bool) {
	var zero T
	if len(s.items) == 0 {
		return zero, false
	}

	r := s.items[0]
	s.items[0] = zero
	s.items = s.items[1:]
	return r, true
}

func (s *fifoStore[T]) Put(r T) {
	s.items = append(s.items, r)
}

func (s *fifoStore[T]) Drain(closeFn func(T) error) error {
	return drain(s, closeFn)
}

// drain empties the store through closeFn. The first close error is
// kept and returned once every resource has been handed over.
func drain[T any](s Store[T], closeFn func(T) error) error {
	var first error
	for {
		r, ok := s.Take()
		if !ok {
			return first
		}
		if err := closeFn(r); err != nil && first == nil {
			first = err
		}
	}
}
