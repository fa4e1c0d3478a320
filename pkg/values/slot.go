package values

import "sync/atomic"

// Slot is the stable address through which a value is reached. The storage
// behind it is replaced wholesale on recompilation by Publish, so a handle to
// the Slot taken before a recompile keeps working after it.
//
// All methods are safe to call from the real-time execution thread: they do
// not allocate, lock or block. Before the first Publish a Slot reads as the
// zero value and silently drops writes.
type Slot struct {
	cur atomic.Pointer[Storage]
	gen atomic.Uint64
}

// NewSlot returns an empty slot.
func NewSlot() *Slot { return &Slot{} }

// Load returns the currently published storage, or nil.
func (s *Slot) Load() *Storage { return s.cur.Load() }

// Generation counts how many times storage has been published into the slot.
func (s *Slot) Generation() uint64 { return s.gen.Load() }

// Publish atomically installs next and returns the storage it replaced. The
// caller owns the returned storage and must keep whatever backs it alive
// until in-flight readers have moved on.
func (s *Slot) Publish(next *Storage) *Storage {
	prev := s.cur.Swap(next)
	s.gen.Add(1)
	return prev
}

// Num reads voice 0 as a numeric value.
func (s *Slot) Num() NumValue {
	if st := s.cur.Load(); st != nil {
		return st.Num(0)
	}
	return NumValue{}
}

// SetNum writes voice 0.
func (s *Slot) SetNum(v NumValue) {
	if st := s.cur.Load(); st != nil {
		st.SetNum(0, v)
	}
}

// Midi reads the MIDI queue of voice 0.
func (s *Slot) Midi() MidiValue {
	if st := s.cur.Load(); st != nil {
		return st.Midi(0)
	}
	return MidiValue{}
}

// SetMidi replaces the MIDI queue of voice 0.
func (s *Slot) SetMidi(v MidiValue) {
	if st := s.cur.Load(); st != nil {
		st.SetMidi(0, v)
	}
}

// PushMidi appends an event to voice 0.
func (s *Slot) PushMidi(ev MidiEvent) bool {
	if st := s.cur.Load(); st != nil {
		return st.PushMidi(0, ev)
	}
	return false
}

// ActiveFlags returns the live-voice bitmask of the published storage.
func (s *Slot) ActiveFlags() uint32 {
	if st := s.cur.Load(); st != nil {
		return st.ActiveFlags()
	}
	return 0
}
