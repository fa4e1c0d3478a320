package engine

import (
	"context"
	"fmt"

	"github.com/batlogic/axiom/pkg/codegen"
	"github.com/batlogic/axiom/pkg/values"
)

// Node is a vertex of a surface. The set of variants is closed: *ModuleNode,
// *IONode and *CustomNode. Callers dispatch on the concrete type with a type
// switch.
type Node interface {
	RuntimeUnit

	// Handle returns the node's handle within its surface.
	Handle() NodeHandle

	// Name returns the node name, unique within its surface.
	Name() string

	// Surface returns the surface the node was placed on.
	Surface() *Surface

	// Controls returns the node's control handles in declaration order.
	Controls() []ControlHandle

	// Control looks up one of the node's controls by name.
	Control(name string) (*Control, bool)

	// Err returns the failure that kept the node from compiling in the last
	// pass, or nil.
	Err() *EngineError

	// Removed reports whether the node was taken off its surface.
	Removed() bool

	// Compile brings the node's module up to date and returns it.
	Compile(ctx context.Context) (codegen.Module, error)

	// Remove detaches the node's controls from their groups and then takes
	// the node off its surface.
	Remove() error

	base() *nodeBase
}

// Variant names the concrete node type.
func Variant(n Node) string {
	switch n.(type) {
	case *ModuleNode:
		return "module"
	case *IONode:
		return "io"
	case *CustomNode:
		return "custom"
	default:
		panic(fmt.Sprintf("engine: unknown node variant %T", n))
	}
}

// nodeBase holds the state every variant shares.
type nodeBase struct {
	unit

	surface  *Surface
	handle   NodeHandle
	name     string
	controls []ControlHandle
	removed  bool
	err      *EngineError
}

func newNodeBase(s *Surface, name string) nodeBase {
	return nodeBase{unit: newUnit(s.rt), surface: s, name: name}
}

func (n *nodeBase) base() *nodeBase { return n }

// Handle implements Node.
func (n *nodeBase) Handle() NodeHandle { return n.handle }

// Name implements Node.
func (n *nodeBase) Name() string { return n.name }

// Surface implements Node.
func (n *nodeBase) Surface() *Surface { return n.surface }

// Err implements Node.
func (n *nodeBase) Err() *EngineError { return n.err }

// Removed implements Node.
func (n *nodeBase) Removed() bool { return n.removed }

// Controls implements Node.
func (n *nodeBase) Controls() []ControlHandle {
	return append([]ControlHandle(nil), n.controls...)
}

// Control implements Node.
func (n *nodeBase) Control(name string) (*Control, bool) {
	for _, h := range n.controls {
		if c, ok := n.surface.Control(h); ok && c.name == name {
			return c, true
		}
	}
	return nil, false
}

// MarkDirty implements RuntimeUnit.
func (n *nodeBase) MarkDirty() {
	if n.removed {
		return
	}
	n.dirty = true
	n.surface.MarkDirty()
}

// Remove implements Node.
func (n *nodeBase) Remove() error {
	if n.removed {
		return ErrNotFound
	}
	return n.surface.RemoveNode(n.handle)
}

// addControl creates a control owned by the node, in a group of its own.
func (n *nodeBase) addControl(name string, typ values.Kind, dir Direction) (*Control, error) {
	if _, dup := n.Control(name); dup {
		return nil, NewStructuralError(fmt.Sprintf("node %s already has a control named %q", n.name, name), nil).
			WithCode(ErrCodeInvalidArgument).WithSurface(n.surface.id).WithNode(n.id)
	}
	c := n.surface.newControl(n.handle, name, typ, dir)
	n.controls = append(n.controls, c.handle)
	n.MarkDirty()
	return c, nil
}

// dropControl removes one of the node's controls from the surface.
func (n *nodeBase) dropControl(h ControlHandle) {
	for i, ch := range n.controls {
		if ch == h {
			n.controls = append(n.controls[:i], n.controls[i+1:]...)
			break
		}
	}
	if c, ok := n.surface.Control(h); ok {
		n.surface.removeControl(c)
	}
	n.MarkDirty()
}

// compileViaSurface runs the owning surface's pass and reports this node's
// outcome.
func (n *nodeBase) compileViaSurface(ctx context.Context) (codegen.Module, error) {
	if n.removed {
		return nil, ErrNotFound
	}
	if !n.dirty && n.module != nil {
		return n.module, nil
	}
	if _, err := n.surface.Compile(ctx); err != nil {
		return n.module, err
	}
	if n.err != nil {
		return n.module, n.err
	}
	if n.dirty {
		return n.module, NewLifecycleError(fmt.Sprintf("node %s is still dirty after its surface compiled", n.name), nil).
			WithCode(ErrCodeIncomplete).WithSurface(n.surface.id).WithNode(n.id)
	}
	return n.module, nil
}

// ports describes the node's controls for the backend.
func (n *nodeBase) ports() []codegen.PortSpec {
	out := make([]codegen.PortSpec, 0, len(n.controls))
	for _, h := range n.controls {
		c, ok := n.surface.Control(h)
		if !ok {
			continue
		}
		g, ok := n.surface.Group(c.group)
		if !ok {
			continue
		}
		out = append(out, codegen.PortSpec{
			Name:  c.name,
			Kind:  c.typ,
			Read:  c.dir.Reads(),
			Write: c.dir.Writes(),
			Group: g.id,
			Slot:  g.slot,
		})
	}
	return out
}

// blockedBy returns the first group the node touches that ready rejects. A
// control without a group blocks the node with a nil group.
func (n *nodeBase) blockedBy(ready func(*ControlGroup) bool) (blocked *ControlGroup, ok bool) {
	for _, h := range n.controls {
		c, found := n.surface.Control(h)
		if !found {
			return nil, true
		}
		g, found := n.surface.Group(c.group)
		if !found {
			return nil, true
		}
		if !ready(g) {
			return g, true
		}
	}
	return nil, false
}

// fail records err as the node's last failure.
func (n *nodeBase) fail(err *EngineError) {
	n.err = err
	n.dirty = true
}

// commit installs m as the node's module.
func (n *nodeBase) commit(m codegen.Module) {
	n.replace(m)
	n.dirty = false
	n.err = nil
}
