// Package arena provides a generational arena for long-lived protocol
// entities (sessions, neighbors, LSDB entries, interfaces).
//
// Entities referenced from multiple secondary indexes (by id, by key, by
// wire identifier) are stored once in an Arena and addressed through stable
// Handles. A Handle survives unrelated removals; reusing a slot bumps the
// slot generation so stale handles dangle safely instead of aliasing the
// new occupant.
package arena

import "fmt"

// Handle is a stable reference to an arena slot. The zero Handle is never
// valid: generations start at 1.
type Handle struct {
	slot uint32
	gen  uint32
}

// IsValid reports whether h was produced by an Insert. It does not imply
// the entry is still live; use Arena.Get for that.
func (h Handle) IsValid() bool { return h.gen != 0 }

// String returns a compact slot/generation form for logging.
func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.slot, h.gen)
}

type slot[T any] struct {
	value    T
	gen      uint32
	occupied bool
}

// Arena is a generational slot allocator. The zero value is ready to use.
// Arena is not safe for concurrent use; each protocol instance owns its
// arenas exclusively (mutations happen only in the instance main loop).
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	count int
}

// Insert stores value and returns its Handle.
func (a *Arena[T]) Insert(value T) Handle {
	a.count++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.value = value
		s.gen++
		s.occupied = true
		return Handle{slot: idx, gen: s.gen}
	}
	a.slots = append(a.slots, slot[T]{value: value, gen: 1, occupied: true})
	return Handle{slot: uint32(len(a.slots) - 1), gen: 1}
}

// Get returns a pointer to the value addressed by h, or nil if h is stale
// or was never valid. The pointer is invalidated by the next Insert.
func (a *Arena[T]) Get(h Handle) *T {
	if int(h.slot) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.slot]
	if !s.occupied || s.gen != h.gen {
		return nil
	}
	return &s.value
}

// Remove frees the slot addressed by h and returns its value. The second
// result is false if h is stale, in which case the arena is unchanged.
func (a *Arena[T]) Remove(h Handle) (T, bool) {
	var zero T
	if int(h.slot) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[h.slot]
	if !s.occupied || s.gen != h.gen {
		return zero, false
	}
	v := s.value
	s.value = zero
	s.occupied = false
	a.free = append(a.free, h.slot)
	a.count--
	return v, true
}

// Len returns the number of live entries.
func (a *Arena[T]) Len() int { return a.count }

// Iter calls fn for every live entry until fn returns false. Iteration
// order is slot order, not insertion order.
func (a *Arena[T]) Iter(fn func(Handle, *T) bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if !s.occupied {
			continue
		}
		if !fn(Handle{slot: uint32(i), gen: s.gen}, &s.value) {
			return
		}
	}
}
