package engine

import "fmt"

// NodeHandle addresses a node within its surface. The zero value is never a
// valid handle.
type NodeHandle struct{ index, gen uint32 }

// ControlHandle addresses a control within its surface.
type ControlHandle struct{ index, gen uint32 }

// GroupHandle addresses a control group within its surface.
type GroupHandle struct{ index, gen uint32 }

// IsZero reports whether the handle was never assigned.
func (h NodeHandle) IsZero() bool { return h.gen == 0 }

// IsZero reports whether the handle was never assigned.
func (h ControlHandle) IsZero() bool { return h.gen == 0 }

// IsZero reports whether the handle was never assigned.
func (h GroupHandle) IsZero() bool { return h.gen == 0 }

func (h NodeHandle) String() string    { return fmt.Sprintf("n%d.%d", h.index, h.gen) }
func (h ControlHandle) String() string { return fmt.Sprintf("c%d.%d", h.index, h.gen) }
func (h GroupHandle) String() string   { return fmt.Sprintf("g%d.%d", h.index, h.gen) }

// less orders control handles by slot index, then generation.
func (h ControlHandle) less(o ControlHandle) bool {
	if h.index != o.index {
		return h.index < o.index
	}
	return h.gen < o.gen
}

// arena stores entities in reusable slots. Removing an entity bumps the slot
// generation so handles to it stop resolving.
type arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
	live  int
}

type arenaSlot[T any] struct {
	gen  uint32
	used bool
	val  T
}

func (a *arena[T]) insert(v T) (index, gen uint32) {
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot[T]{})
		index = uint32(len(a.slots) - 1)
	}
	s := &a.slots[index]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.val = v
	a.live++
	return index, s.gen
}

func (a *arena[T]) get(index, gen uint32) (T, bool) {
	var zero T
	if gen == 0 || int(index) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[index]
	if !s.used || s.gen != gen {
		return zero, false
	}
	return s.val, true
}

func (a *arena[T]) remove(index, gen uint32) bool {
	if _, ok := a.get(index, gen); !ok {
		return false
	}
	s := &a.slots[index]
	var zero T
	s.val = zero
	s.used = false
	a.free = append(a.free, index)
	a.live--
	return true
}

// each visits live entities in slot order until fn returns false.
func (a *arena[T]) each(fn func(index, gen uint32, v T) bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if !s.used {
			continue
		}
		if !fn(uint32(i), s.gen, s.val) {
			return
		}
	}
}

func (a *arena[T]) len() int { return a.live }
