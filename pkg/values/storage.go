package values

import (
	"math"
	"sync"
	"sync/atomic"
)

// voice is one instantiation of a value. Every field is an atomic word so the
// edit thread and the execution thread can touch the same voice without a
// lock. A reader racing a writer may observe a mix of old and new fields;
// values are overwritten on every render tick so that is tolerated.
// Producers appending MIDI events serialize on push; readers never lock.
type voice struct {
	left      atomic.Uint32
	right     atomic.Uint32
	form      atomic.Uint32
	midiCount atomic.Uint32
	midi      [MaxMidiEvents]atomic.Uint64
	push      sync.Mutex
}

// Storage is the backing memory of one compiled value accessor. It is sized
// once at construction and never grows.
type Storage struct {
	kind   Kind
	voices []voice
	active atomic.Uint32
}

// NewStorage allocates storage for the given kind with n voices. n is clamped
// to [1, MaxVoices].
func NewStorage(kind Kind, n int) *Storage {
	if n < 1 {
		n = 1
	}
	if n > MaxVoices {
		n = MaxVoices
	}
	return &Storage{kind: kind, voices: make([]voice, n)}
}

// Kind returns the payload kind.
func (s *Storage) Kind() Kind { return s.kind }

// Voices returns the number of instances held.
func (s *Storage) Voices() int { return len(s.voices) }

// ActiveFlags returns a bitmask of the voices that currently hold a live value.
func (s *Storage) ActiveFlags() uint32 { return s.active.Load() }

// SetActive marks voice i live or idle.
func (s *Storage) SetActive(i int, live bool) {
	if i < 0 || i >= len(s.voices) {
		return
	}
	bit := uint32(1) << uint(i)
	for {
		old := s.active.Load()
		next := old &^ bit
		if live {
			next = old | bit
		}
		if old == next || s.active.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *Storage) isActive(i int) bool {
	return s.active.Load()&(uint32(1)<<uint(i)) != 0
}

// Num reads the numeric value of voice i.
func (s *Storage) Num(i int) NumValue {
	if i < 0 || i >= len(s.voices) {
		return NumValue{}
	}
	v := &s.voices[i]
	return NumValue{
		Left:   math.Float32frombits(v.left.Load()),
		Right:  math.Float32frombits(v.right.Load()),
		Form:   Form(v.form.Load()),
		Active: s.isActive(i),
	}
}

// SetNum writes the numeric value of voice i.
func (s *Storage) SetNum(i int, val NumValue) {
	if i < 0 || i >= len(s.voices) {
		return
	}
	v := &s.voices[i]
	v.left.Store(math.Float32bits(val.Left))
	v.right.Store(math.Float32bits(val.Right))
	v.form.Store(uint32(val.Form))
	s.SetActive(i, val.Active)
}

// Midi reads the MIDI queue of voice i.
func (s *Storage) Midi(i int) MidiValue {
	var out MidiValue
	if i < 0 || i >= len(s.voices) {
		return out
	}
	v := &s.voices[i]
	n := v.midiCount.Load()
	if n > MaxMidiEvents {
		n = MaxMidiEvents
	}
	out.Count = uint8(n)
	for j := uint32(0); j < n; j++ {
		out.Events[j] = unpackMidiEvent(v.midi[j].Load())
	}
	out.Active = s.isActive(i)
	return out
}

// SetMidi replaces the MIDI queue of voice i.
func (s *Storage) SetMidi(i int, val MidiValue) {
	if i < 0 || i >= len(s.voices) {
		return
	}
	v := &s.voices[i]
	n := int(val.Count)
	if n > MaxMidiEvents {
		n = MaxMidiEvents
	}
	for j := 0; j < n; j++ {
		v.midi[j].Store(val.Events[j].pack())
	}
	v.midiCount.Store(uint32(n))
	s.SetActive(i, val.Active)
}

// PushMidi appends an event to the queue of voice i. It reports false when
// the queue is full and the event was dropped. It is safe to call from
// several goroutines. The event is stored before the count that publishes
// it, and a ClearMidi racing the push restarts it at the head of the queue.
func (s *Storage) PushMidi(i int, ev MidiEvent) bool {
	if i < 0 || i >= len(s.voices) {
		return false
	}
	v := &s.voices[i]
	v.push.Lock()
	defer v.push.Unlock()
	for {
		n := v.midiCount.Load()
		if n >= MaxMidiEvents {
			return false
		}
		v.midi[n].Store(ev.pack())
		if v.midiCount.CompareAndSwap(n, n+1) {
			s.SetActive(i, true)
			return true
		}
	}
}

// CopyFrom carries values over from a previous generation of storage. Voices
// beyond the smaller of the two sizes are left untouched; a kind change
// copies only the active flags.
func (s *Storage) CopyFrom(prev *Storage) {
	if prev == nil || prev == s {
		return
	}
	n := len(s.voices)
	if len(prev.voices) < n {
		n = len(prev.voices)
	}
	mask := uint32(math.MaxUint32)
	if n < MaxVoices {
		mask = (uint32(1) << uint(n)) - 1
	}
	if prev.kind == s.kind {
		for i := 0; i < n; i++ {
			dst, src := &s.voices[i], &prev.voices[i]
			dst.left.Store(src.left.Load())
			dst.right.Store(src.right.Load())
			dst.form.Store(src.form.Load())
			c := src.midiCount.Load()
			for j := uint32(0); j < c && j < MaxMidiEvents; j++ {
				dst.midi[j].Store(src.midi[j].Load())
			}
			dst.midiCount.Store(c)
		}
	}
	s.active.Store(prev.active.Load() & mask)
}

// ClearMidi empties every voice's queue. The execution thread calls it at the
// start of a block.
func (s *Storage) ClearMidi() {
	for i := range s.voices {
		s.voices[i].midiCount.Store(0)
	}
}
