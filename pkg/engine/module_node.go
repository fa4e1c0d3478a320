package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/batlogic/axiom/pkg/codegen"
)

// ModuleNode hosts a nested child surface. Controls of the child surface
// become visible on the ModuleNode by exposing them: each exposed child
// control gets a mirror control on the node with the same type and
// direction, and the two are bridged in the compiled module.
type ModuleNode struct {
	nodeBase

	child *Surface

	// mirrors maps a mirror control on this node to the child control it
	// exposes.
	mirrors map[ControlHandle]ControlHandle
}

// AddModuleNode places a ModuleNode with an empty child surface named after
// the node.
func (s *Surface) AddModuleNode(name string) (*ModuleNode, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if err := s.checkName(name, nil); err != nil {
		return nil, err
	}
	n := &ModuleNode{nodeBase: newNodeBase(s, name), mirrors: make(map[ControlHandle]ControlHandle)}
	s.insertNode(n)
	n.child = newSurface(s.rt, ChildSurface, name, n)
	s.rt.logger.WithSurface(s.name).WithNode(name).Debug("Module node added")
	return n, nil
}

// Child returns the nested surface.
func (n *ModuleNode) Child() *Surface { return n.child }

// Compile runs the owning surface's pass and returns this node's module.
func (n *ModuleNode) Compile(ctx context.Context) (codegen.Module, error) {
	return n.compileViaSurface(ctx)
}

// Expose makes a child control visible on the node under name and returns
// the mirror control.
func (n *ModuleNode) Expose(child *Control, name string) (*Control, error) {
	if n.removed {
		return nil, ErrNotFound
	}
	if err := n.child.owns(child); err != nil {
		return nil, err
	}
	for _, ch := range n.mirrors {
		if ch == child.handle {
			return nil, NewStructuralError(
				fmt.Sprintf("control %s is already exposed on %s", n.child.controlPath(child), n.name), nil).
				WithCode(ErrCodeInvalidArgument).WithSurface(n.surface.id).WithNode(n.id)
		}
	}

	mirror, err := n.addControl(name, child.typ, child.dir)
	if err != nil {
		return nil, err
	}
	n.mirrors[mirror.handle] = child.handle
	child.SetExposed(true)
	return mirror, nil
}

// Unexpose removes the mirror control named name.
func (n *ModuleNode) Unexpose(name string) error {
	if n.removed {
		return ErrNotFound
	}
	mirror, ok := n.Control(name)
	if !ok {
		return NewStructuralError(fmt.Sprintf("node %s has no control named %q", n.name, name), nil).
			WithCode(ErrCodeNotFound).WithSurface(n.surface.id).WithNode(n.id)
	}
	childHandle, ok := n.mirrors[mirror.handle]
	if !ok {
		return NewStructuralError(fmt.Sprintf("control %q of %s is not an exposure", name, n.name), nil).
			WithCode(ErrCodeInvalidArgument).WithSurface(n.surface.id).WithNode(n.id)
	}
	delete(n.mirrors, mirror.handle)
	n.dropControl(mirror.handle)
	if c, ok := n.child.Control(childHandle); ok {
		c.SetExposed(false)
	}
	return nil
}

// Exposed returns the child control mirrored by the given node control.
func (n *ModuleNode) Exposed(mirror *Control) (*Control, bool) {
	if mirror == nil {
		return nil, false
	}
	h, ok := n.mirrors[mirror.handle]
	if !ok {
		return nil, false
	}
	return n.child.Control(h)
}

// childControlRemoved drops the mirror of a child control that went away.
func (n *ModuleNode) childControlRemoved(h ControlHandle) {
	if n.removed {
		return
	}
	for mirror, child := range n.mirrors {
		if child == h {
			delete(n.mirrors, mirror)
			n.dropControl(mirror)
			return
		}
	}
}

// resolve copies type and direction from the exposed child controls onto
// their mirrors.
func (n *ModuleNode) resolve() {
	for mh, ch := range n.mirrors {
		mirror, ok := n.surface.Control(mh)
		if !ok {
			continue
		}
		child, ok := n.child.Control(ch)
		if !ok {
			continue
		}
		mirror.setType(child.typ)
		mirror.setDirection(child.dir)
	}
}

// spec compiles the child surface within the running session and describes
// the node around its module. The child's result is returned so that
// isolated failures inside it reach the enclosing pass.
func (n *ModuleNode) spec(sess *session) (codegen.NodeSpec, *CompileResult, *EngineError) {
	childRes, err := n.child.compilePass(sess)
	if err != nil {
		return codegen.NodeSpec{}, childRes, n.childFailure(err)
	}
	childModule := n.child.module
	if childModule == nil {
		return codegen.NodeSpec{}, childRes, NewStructuralError(fmt.Sprintf("module %s has no compiled child surface", n.name), nil).
			WithCode(ErrCodeNotFound).WithSurface(n.surface.id).WithNode(n.id)
	}

	var bridges []codegen.Bridge
	for _, mh := range n.controls {
		ch, ok := n.mirrors[mh]
		if !ok {
			continue
		}
		mirror, _ := n.surface.Control(mh)
		child, ok := n.child.Control(ch)
		if mirror == nil || !ok {
			continue
		}
		outer, _ := n.surface.Group(mirror.group)
		inner, _ := n.child.Group(child.group)
		if outer == nil || inner == nil {
			continue
		}
		bridges = append(bridges, codegen.Bridge{Name: mirror.name, Outer: outer.slot, Inner: inner.slot})
	}

	return codegen.NodeSpec{
		ID:       n.id,
		Name:     n.name,
		Variant:  "module",
		Ports:    n.ports(),
		Children: []codegen.Module{childModule},
		Bridges:  bridges,
	}, childRes, nil
}

func (n *ModuleNode) childFailure(err error) *EngineError {
	class, code := ErrorClassStructural, ""
	var ee *EngineError
	if errors.As(err, &ee) {
		class, code = ee.Class, ee.Code
	}
	return newError(class, fmt.Sprintf("child surface of module %s failed to compile", n.name), err).
		WithCode(code).WithSurface(n.surface.id).WithNode(n.id)
}

// partialFailure describes a child pass that published around failing units.
func (n *ModuleNode) partialFailure(res *CompileResult) *EngineError {
	first := res.Failed[0]
	return newError(first.Class, fmt.Sprintf("child surface of module %s has %d failing units", n.name, len(res.Failed)), first).
		WithCode(first.Code).WithSurface(n.surface.id).WithNode(n.id).
		WithDetail("child_surface", n.child.id)
}
