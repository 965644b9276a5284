// Package arena provides a fixed-capacity slot table with generational handles.
//
// Removing an entry never moves the others. The slot is tombstoned and its
// generation bumped, so a handle taken before the removal is rejected instead of
// silently resolving to whatever was inserted into the slot afterwards.
//
// An Arena is not safe for concurrent use; owners guard it with their own lock.
package arena

import "errors"

var ErrFull = errors.New("arena: no free slot")

// Handle refers to one entry of an Arena. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether h was returned by Insert at some point.
func (h Handle) Valid() bool {
	return h.gen != 0
}

type slot[T any] struct {
	val  T
	gen  uint32 // odd while occupied, even while free
	used bool
}

// Arena is a bounded table of T.
type Arena[T any] struct {
	slots []slot[T]
	live  int
}

// New returns an arena holding at most capacity entries.
func New[T any](capacity int) *Arena[T] {
	return &Arena[T]{slots: make([]slot[T], capacity)}
}

// Insert stores v in the lowest free slot.
func (a *Arena[T]) Insert(v T) (Handle, error) {
	for i := range a.slots {
		s := &a.slots[i]
		if s.used {
			continue
		}
		s.gen++
		s.val = v
		s.used = true
		a.live++
		return Handle{index: uint32(i), gen: s.gen}, nil
	}
	return Handle{}, ErrFull
}

func (a *Arena[T]) lookup(h Handle) *slot[T] {
	if !h.Valid() || int(h.index) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.index]
	if !s.used || s.gen != h.gen {
		return nil
	}
	return s
}

// Get returns the entry h refers to.
func (a *Arena[T]) Get(h Handle) (T, bool) {
	if s := a.lookup(h); s != nil {
		return s.val, true
	}
	var zero T
	return zero, false
}

// Remove deletes the entry h refers to and invalidates every copy of h.
func (a *Arena[T]) Remove(h Handle) (T, bool) {
	var zero T
	s := a.lookup(h)
	if s == nil {
		return zero, false
	}
	v := s.val
	s.val = zero
	s.used = false
	s.gen++
	a.live--
	return v, true
}

// Find returns the first entry for which match reports true.
func (a *Arena[T]) Find(match func(T) bool) (Handle, T, bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if s.used && match(s.val) {
			return Handle{index: uint32(i), gen: s.gen}, s.val, true
		}
	}
	var zero T
	return Handle{}, zero, false
}

// Range calls fn for every entry in slot order until fn returns false.
func (a *Arena[T]) Range(fn func(Handle, T) bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if !s.used {
			continue
		}
		if !fn(Handle{index: uint32(i), gen: s.gen}, s.val) {
			return
		}
	}
}

// Len returns the number of live entries.
func (a *Arena[T]) Len() int { return a.live }

// Cap returns the fixed capacity.
func (a *Arena[T]) Cap() int { return len(a.slots) }
