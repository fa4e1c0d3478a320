// Package values defines the fixed-layout payloads exchanged between the edit
// thread and the real-time execution thread, and the storage cells that hold
// them.
//
// Every payload in this package is a plain value type. Reading or writing one
// through a Storage or a Slot never allocates, which is what allows the
// execution thread to use them on its hot path.
package values

import "fmt"

// Form describes how a numeric value should be interpreted by consumers.
type Form uint8

const (
	// FormLinear is a plain linear value.
	FormLinear Form = iota

	// FormFrequency is a value in hertz.
	FormFrequency

	// FormNote is a MIDI note number.
	FormNote

	// FormDB is a value in decibels.
	FormDB

	// FormAmplitude is a linear gain.
	FormAmplitude

	// FormQ is a filter quality factor.
	FormQ

	// FormSeconds is a duration in seconds.
	FormSeconds

	// FormBeats is a duration in beats.
	FormBeats

	// FormSamples is a duration in samples.
	FormSamples

	// FormControl is a normalised 0..1 control value.
	FormControl

	// FormOscillator is a bipolar -1..1 signal.
	FormOscillator
)

var formNames = [...]string{
	FormLinear:     "linear",
	FormFrequency:  "frequency",
	FormNote:       "note",
	FormDB:         "db",
	FormAmplitude:  "amplitude",
	FormQ:          "q",
	FormSeconds:    "seconds",
	FormBeats:      "beats",
	FormSamples:    "samples",
	FormControl:    "control",
	FormOscillator: "oscillator",
}

func (f Form) String() string {
	if int(f) < len(formNames) {
		return formNames[f]
	}
	return fmt.Sprintf("form(%d)", uint8(f))
}

// ParseForm returns the form with the given name.
func ParseForm(name string) (Form, error) {
	for i, n := range formNames {
		if n == name {
			return Form(i), nil
		}
	}
	return FormLinear, fmt.Errorf("unknown value form: %q", name)
}

// NumValue is a stereo numeric value with its interpretation and a liveness
// flag.
type NumValue struct {
	Left   float32
	Right  float32
	Form   Form
	Active bool
}

// Mono returns a NumValue with the same value on both channels.
func Mono(v float32, form Form) NumValue {
	return NumValue{Left: v, Right: v, Form: form, Active: true}
}

// MidiEventType identifies the kind of a MIDI event.
type MidiEventType uint8

const (
	MidiNoteOn MidiEventType = iota
	MidiNoteOff
	MidiPolyphonicAftertouch
	MidiChannelAftertouch
	MidiPitchWheel
)

func (t MidiEventType) String() string {
	switch t {
	case MidiNoteOn:
		return "note_on"
	case MidiNoteOff:
		return "note_off"
	case MidiPolyphonicAftertouch:
		return "poly_aftertouch"
	case MidiChannelAftertouch:
		return "channel_aftertouch"
	case MidiPitchWheel:
		return "pitch_wheel"
	default:
		return fmt.Sprintf("midi_event(%d)", uint8(t))
	}
}

// MidiEvent is a single MIDI event. Time is the sample offset of the event
// within the current render block.
type MidiEvent struct {
	Event   MidiEventType
	Channel uint8
	Note    uint8
	Param   uint8
	Time    uint32
}

// pack encodes the event into a single word so it can be stored atomically.
func (e MidiEvent) pack() uint64 {
	return uint64(e.Event) |
		uint64(e.Channel)<<8 |
		uint64(e.Note)<<16 |
		uint64(e.Param)<<24 |
		uint64(e.Time)<<32
}

func unpackMidiEvent(w uint64) MidiEvent {
	return MidiEvent{
		Event:   MidiEventType(w),
		Channel: uint8(w >> 8),
		Note:    uint8(w >> 16),
		Param:   uint8(w >> 24),
		Time:    uint32(w >> 32),
	}
}

// MaxMidiEvents is the capacity of the event queue held by a MidiValue.
const MaxMidiEvents = 32

// MidiValue is a bounded queue of MIDI events received during one block.
type MidiValue struct {
	Active bool
	Count  uint8
	Events [MaxMidiEvents]MidiEvent
}

// Push appends an event, reporting false when the queue is full.
func (m *MidiValue) Push(ev MidiEvent) bool {
	if int(m.Count) >= MaxMidiEvents {
		return false
	}
	m.Events[m.Count] = ev
	m.Count++
	m.Active = true
	return true
}

// Slice returns the queued events.
func (m *MidiValue) Slice() []MidiEvent {
	return m.Events[:m.Count]
}

// Kind is the payload kind a Storage holds.
type Kind uint8

const (
	KindNum Kind = iota
	KindMidi
)

func (k Kind) String() string {
	switch k {
	case KindNum:
		return "num"
	case KindMidi:
		return "midi"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MaxVoices bounds the number of instances an extracted storage can hold. It
// matches the width of the active-flags bitmask.
const MaxVoices = 32
