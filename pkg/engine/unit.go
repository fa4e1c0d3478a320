package engine

import (
	"github.com/google/uuid"

	"github.com/batlogic/axiom/pkg/codegen"
)

// RuntimeUnit is anything that owns exactly one compiled module and a dirty
// flag. A unit that is not dirty holds a module that is a valid compilation
// of its current state; a dirty unit's module is stale.
//
// Units are mutated and compiled on the edit goroutine only.
type RuntimeUnit interface {
	// ID returns the stable identity of the unit.
	ID() string

	// Dirty reports whether the unit needs recompilation.
	Dirty() bool

	// MarkDirty flags the unit, and every unit that contains it, as stale.
	MarkDirty()

	// Compiled returns the current module, which may be stale or nil.
	Compiled() codegen.Module

	// Backend returns the code-generation backend the unit compiles with.
	Backend() codegen.Backend
}

// unit is the shared dirty/module bookkeeping embedded by every runtime unit.
type unit struct {
	rt     *Runtime
	id     string
	dirty  bool
	module codegen.Module
}

func newUnit(rt *Runtime) unit {
	return unit{
		rt:    rt,
		id:    uuid.New().String(),
		dirty: true,
	}
}

// ID implements RuntimeUnit.
func (u *unit) ID() string { return u.id }

// Dirty implements RuntimeUnit.
func (u *unit) Dirty() bool { return u.dirty }

// Compiled implements RuntimeUnit.
func (u *unit) Compiled() codegen.Module { return u.module }

// Backend implements RuntimeUnit.
func (u *unit) Backend() codegen.Backend { return u.rt.backend }

// replace installs m as the unit's module and retires the previous one.
func (u *unit) replace(m codegen.Module) {
	if old := u.module; old != nil && old != m {
		u.rt.retire(old)
	}
	u.module = m
}

// discard retires the current module without a replacement.
func (u *unit) discard() {
	if u.module != nil {
		u.rt.retire(u.module)
		u.module = nil
	}
}
