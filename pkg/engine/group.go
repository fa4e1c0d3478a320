package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/batlogic/axiom/pkg/codegen"
	"github.com/batlogic/axiom/pkg/telemetry"
	"github.com/batlogic/axiom/pkg/values"
)

// ControlGroup is a set of controls that share one backing value and one
// compiled accessor. A live group is never empty and every member control
// points back at it.
//
// Value accessors publish through a values.Slot: the slot survives
// recompilation, so handles obtained from Slot keep working when the storage
// behind them is relocated.
type ControlGroup struct {
	unit

	surface   *Surface
	handle    GroupHandle
	typ       values.Kind
	members   map[ControlHandle]struct{}
	extracted bool
	slot      *values.Slot
	removed   bool
}

func newControlGroup(s *Surface, typ values.Kind) *ControlGroup {
	return &ControlGroup{
		unit:    newUnit(s.rt),
		surface: s,
		typ:     typ,
		members: make(map[ControlHandle]struct{}),
		slot:    values.NewSlot(),
	}
}

// Handle returns the group's handle within its surface.
func (g *ControlGroup) Handle() GroupHandle { return g.handle }

// Surface returns the surface that owns the group.
func (g *ControlGroup) Surface() *Surface { return g.surface }

// Type returns the group's value type.
func (g *ControlGroup) Type() values.Kind { return g.typ }

// Removed reports whether the group was destroyed.
func (g *ControlGroup) Removed() bool { return g.removed }

// Len returns the number of member controls.
func (g *ControlGroup) Len() int { return len(g.members) }

// Contains reports whether the control is a member.
func (g *ControlGroup) Contains(h ControlHandle) bool {
	_, ok := g.members[h]
	return ok
}

// Members returns the member handles in slot order.
func (g *ControlGroup) Members() []ControlHandle {
	out := make([]ControlHandle, 0, len(g.members))
	for h := range g.members {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Name describes the group by its first member as "node.control".
func (g *ControlGroup) Name() string {
	for _, h := range g.Members() {
		if c, ok := g.surface.Control(h); ok {
			return g.surface.controlPath(c)
		}
	}
	return g.handle.String()
}

// MarkDirty implements RuntimeUnit.
func (g *ControlGroup) MarkDirty() {
	if g.removed {
		return
	}
	g.dirty = true
	g.surface.MarkDirty()
}

// Extracted reports whether the group's value is lifted into independently
// addressable, polyphonic storage.
func (g *ControlGroup) Extracted() bool { return g.extracted }

// SetExtracted toggles extraction and invalidates the accessor.
func (g *ControlGroup) SetExtracted(extracted bool) {
	if g.removed || g.extracted == extracted {
		return
	}
	g.extracted = extracted
	g.MarkDirty()
}

// Exposed reports whether any member control is exposed.
func (g *ControlGroup) Exposed() bool {
	return g.anyMember(func(c *Control) bool { return c.exposed })
}

// WrittenTo reports whether any member control writes the value.
func (g *ControlGroup) WrittenTo() bool {
	return g.anyMember(func(c *Control) bool { return c.dir.Writes() })
}

// ReadFrom reports whether any member control reads the value.
func (g *ControlGroup) ReadFrom() bool {
	return g.anyMember(func(c *Control) bool { return c.dir.Reads() })
}

func (g *ControlGroup) anyMember(pred func(*Control) bool) bool {
	for h := range g.members {
		if c, ok := g.surface.Control(h); ok && pred(c) {
			return true
		}
	}
	return false
}

// Absorb moves every member of other into g and destroys other. Both groups
// must belong to the same surface. The value of g wins.
func (g *ControlGroup) Absorb(other *ControlGroup) error {
	if g.removed || other.removed {
		return NewLifecycleError("absorb involves a removed group", nil).
			WithCode(ErrCodeNotFound).WithSurface(g.surface.id).WithUnit(g.id)
	}
	if other == g {
		return nil
	}
	if other.surface != g.surface {
		return NewStructuralError("cannot absorb a group from another surface", nil).
			WithCode(ErrCodeCrossSurface).WithSurface(g.surface.id).WithUnit(g.id).
			WithDetail("other_surface", other.surface.id)
	}

	for h := range other.members {
		c, ok := g.surface.Control(h)
		if !ok {
			continue
		}
		delete(other.members, h)
		g.members[h] = struct{}{}
		c.group = g.handle
		g.surface.markNodeDirty(c.node)
	}
	g.extracted = g.extracted || other.extracted
	g.surface.destroyGroup(other)
	g.MarkDirty()
	return nil
}

// AddControl moves the control into g, taking it out of its current group.
// Wires to its old group are dropped and that group is split along the
// wires that remain. A group left empty by the move is destroyed.
func (g *ControlGroup) AddControl(h ControlHandle) error {
	if g.removed {
		return ErrNotFound
	}
	c, ok := g.surface.Control(h)
	if !ok {
		return NewStructuralError(fmt.Sprintf("control %s is not on surface %s", h, g.surface.name), nil).
			WithCode(ErrCodeCrossSurface).WithSurface(g.surface.id).WithUnit(g.id)
	}
	if c.group == g.handle {
		return nil
	}
	if prev, ok := g.surface.Group(c.group); ok {
		prev.detach(h)
		g.surface.cutWires(h, prev)
	}
	g.members[h] = struct{}{}
	c.group = g.handle
	g.surface.markNodeDirty(c.node)
	g.MarkDirty()
	return nil
}

// RemoveControl takes a member out of g and places it in a fresh group of
// its own, dropping its wires. Removing the last member destroys g.
func (g *ControlGroup) RemoveControl(h ControlHandle) error {
	if g.removed {
		return ErrNotFound
	}
	if !g.Contains(h) {
		return NewStructuralError(fmt.Sprintf("control %s is not a member of group %s", h, g.Name()), nil).
			WithCode(ErrCodeNotFound).WithSurface(g.surface.id).WithUnit(g.id)
	}
	c, _ := g.surface.Control(h)
	fresh := g.surface.newGroup(c.typ)
	fresh.extracted = g.extracted
	g.detach(h)
	g.surface.cutWires(h, g)
	fresh.members[h] = struct{}{}
	c.group = fresh.handle
	g.surface.markNodeDirty(c.node)
	return nil
}

// detach drops a member without reassigning it, destroying g if it empties.
func (g *ControlGroup) detach(h ControlHandle) {
	if _, ok := g.members[h]; !ok {
		return
	}
	delete(g.members, h)
	if len(g.members) == 0 {
		g.surface.destroyGroup(g)
		return
	}
	g.MarkDirty()
}

// Slot returns the stable value handle for the execution goroutine.
func (g *ControlGroup) Slot() *values.Slot { return g.slot }

// NumValue reads the numeric value of the first voice. It is the zero value
// until the group has been compiled once.
func (g *ControlGroup) NumValue() values.NumValue { return g.slot.Num() }

// SetNumValue writes the numeric value of the first voice. Writes before the
// first compile are dropped.
func (g *ControlGroup) SetNumValue(v values.NumValue) {
	g.slot.SetNum(v)
	g.valueChanged()
}

// NumValueAt reads the numeric value of voice i.
func (g *ControlGroup) NumValueAt(i int) values.NumValue {
	if st := g.slot.Load(); st != nil {
		return st.Num(i)
	}
	return values.NumValue{}
}

// SetNumValueAt writes the numeric value of voice i.
func (g *ControlGroup) SetNumValueAt(i int, v values.NumValue) {
	if st := g.slot.Load(); st != nil {
		st.SetNum(i, v)
		g.valueChanged()
	}
}

// MidiValue reads the MIDI queue of the first voice.
func (g *ControlGroup) MidiValue() values.MidiValue { return g.slot.Midi() }

// SetMidiValue replaces the MIDI queue of the first voice.
func (g *ControlGroup) SetMidiValue(v values.MidiValue) {
	g.slot.SetMidi(v)
	g.valueChanged()
}

// PushMidiEvent appends an event to the first voice's queue, reporting false
// when it was dropped.
func (g *ControlGroup) PushMidiEvent(ev values.MidiEvent) bool {
	ok := g.slot.PushMidi(ev)
	if ok {
		g.valueChanged()
	}
	return ok
}

// ActiveFlags returns the bitmask of voices currently holding a live value.
func (g *ControlGroup) ActiveFlags() uint32 { return g.slot.ActiveFlags() }

func (g *ControlGroup) valueChanged() {
	if g.removed || g.slot.Load() == nil {
		return
	}
	g.rt.topics.valueChanged.publish(ValueChangedEvent{
		Surface: g.surface,
		Group:   g.handle,
		GroupID: g.id,
		Kind:    g.typ,
	})
}

// Compile compiles the group's accessor on its own if it is dirty, publishes
// it, and returns the current module.
func (g *ControlGroup) Compile(ctx context.Context) (codegen.Module, error) {
	if g.removed {
		return nil, ErrNotFound
	}
	sess, err := g.rt.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.end()

	if !g.dirty {
		return g.module, nil
	}
	m, eerr := g.build(sess.ctx)
	if eerr != nil {
		g.rt.raise(sess.ctx, eerr)
		return g.module, eerr
	}
	g.commit(m)
	g.rt.clear(sess.ctx, func(loc SourceLocation) bool { return loc.Group == g.id })
	return g.module, nil
}

// memberType returns the type all members agree on.
func (g *ControlGroup) memberType() (values.Kind, *EngineError) {
	var (
		kind     = g.typ
		seen     bool
		mismatch bool
		desc     []string
	)
	for _, h := range g.Members() {
		c, ok := g.surface.Control(h)
		if !ok {
			continue
		}
		desc = append(desc, fmt.Sprintf("%s:%s", g.surface.controlPath(c), c.typ))
		switch {
		case !seen:
			kind, seen = c.typ, true
		case c.typ != kind:
			mismatch = true
		}
	}
	if mismatch {
		return 0, NewTypeError(fmt.Sprintf("group %s mixes incompatible control types", g.Name()), nil).
			WithCode(ErrCodeTypeMismatch).WithSurface(g.surface.id).WithUnit(g.id).
			WithDetail("members", strings.Join(desc, ", "))
	}
	return kind, nil
}

func (g *ControlGroup) voices() int {
	if g.extracted {
		return g.rt.voices
	}
	return 1
}

// build compiles a fresh accessor without publishing it.
func (g *ControlGroup) build(ctx context.Context) (codegen.Module, *EngineError) {
	ctx, span := g.rt.tracer.StartGroupSpan(ctx, g.id, len(g.members))

	kind, terr := g.memberType()
	if terr != nil {
		telemetry.EndSpan(span, terr)
		return nil, terr
	}

	spec := codegen.ControlSpec{
		ID:        g.id,
		Name:      g.Name(),
		Kind:      kind,
		Voices:    g.voices(),
		Extracted: g.extracted,
		Exposed:   g.Exposed(),
		Read:      g.ReadFrom(),
		Written:   g.WrittenTo(),
	}
	m, err := g.Backend().CompileControl(ctx, spec)
	if err == nil && (m.Storage() == nil || m.Storage().Kind() != kind) {
		m.Release()
		err = fmt.Errorf("backend returned an accessor without %s storage", kind)
	}
	if err != nil {
		eerr := NewBackendError(fmt.Sprintf("failed to compile group %s", spec.Name), err).
			WithCode(ErrCodeBackendFailed).WithSurface(g.surface.id).WithUnit(g.id)
		telemetry.EndSpan(span, eerr)
		return nil, eerr
	}
	telemetry.EndSpan(span, nil)
	return m, nil
}

// commit publishes a module built by build. Current values are carried into
// the new storage before the slot is swapped, so the execution goroutine
// never observes an unseeded value.
func (g *ControlGroup) commit(m codegen.Module) {
	next := m.Storage()
	if prev := g.slot.Load(); prev != nil {
		next.CopyFrom(prev)
	} else {
		g.seed(next)
	}
	g.slot.Publish(next)
	g.rt.metrics.RecordValueSwap()

	g.typ = next.Kind()
	g.replace(m)
	g.dirty = false
	g.rt.metrics.RecordUnitCompiled("group")
}

// seed initialises fresh storage from the first member with a default.
func (g *ControlGroup) seed(st *values.Storage) {
	if st.Kind() != values.KindNum {
		return
	}
	for _, h := range g.Members() {
		c, ok := g.surface.Control(h)
		if !ok || !c.hasDef {
			continue
		}
		for i := 0; i < st.Voices(); i++ {
			st.SetNum(i, c.def)
		}
		if !g.extracted {
			return
		}
		// Only the first voice of a polyphonic value starts live.
		for i := 1; i < st.Voices(); i++ {
			st.SetActive(i, false)
		}
		return
	}
}
