package engine

import (
	"context"
	"fmt"

	"github.com/batlogic/axiom/pkg/codegen"
	"github.com/batlogic/axiom/pkg/telemetry"
	"github.com/batlogic/axiom/pkg/values"
)

// ioControlName is the name of an IONode's single control.
const ioControlName = "value"

// IONode is a single I/O port of a module boundary. It wraps exactly one
// control and is compiled and deployed as soon as it is created, so it is
// usable without a surface pass.
type IONode struct {
	nodeBase

	read  bool
	write bool
	typ   values.Kind
}

// AddIONode places an I/O port on the surface and deploys it. At least one of
// read and write must be set. If the initial deploy fails the node is removed
// again and the error is returned.
func (s *Surface) AddIONode(ctx context.Context, name string, typ values.Kind, read, write bool) (*IONode, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if err := s.checkName(name, nil); err != nil {
		return nil, err
	}
	if !read && !write {
		return nil, NewStructuralError(fmt.Sprintf("port %s must be readable, writable or both", name), nil).
			WithCode(ErrCodeInvalidArgument).WithSurface(s.id)
	}
	path := s.pathPrefix() + name
	if _, dup := s.Port(path); dup {
		return nil, NewStructuralError(fmt.Sprintf("port %q already exists", path), nil).
			WithCode(ErrCodeInvalidArgument).WithSurface(s.Root().id)
	}

	n := &IONode{nodeBase: newNodeBase(s, name), read: read, write: write, typ: typ}
	s.insertNode(n)
	if _, err := n.addControl(ioControlName, typ, ioDirection(read, write)); err != nil {
		_ = s.RemoveNode(n.handle)
		return nil, err
	}
	if err := s.indexPort(path, n); err != nil {
		_ = s.RemoveNode(n.handle)
		return nil, err
	}

	if _, err := n.Compile(ctx); err != nil {
		_ = s.RemoveNode(n.handle)
		return nil, err
	}
	return n, nil
}

func ioDirection(read, write bool) Direction {
	switch {
	case read && write:
		return DirReadWrite
	case write:
		return DirWrite
	default:
		return DirRead
	}
}

// IsRead reports whether the port is readable.
func (n *IONode) IsRead() bool { return n.read }

// IsWrite reports whether the port is writable.
func (n *IONode) IsWrite() bool { return n.write }

// Type returns the port's value type.
func (n *IONode) Type() values.Kind { return n.typ }

// Path returns the port's path below its root surface.
func (n *IONode) Path() string { return n.surface.pathPrefix() + n.name }

// Port returns the node's single control.
func (n *IONode) Port() *Control {
	if len(n.controls) == 0 {
		return nil
	}
	c, _ := n.surface.Control(n.controls[0])
	return c
}

// Group returns the group holding the port's value.
func (n *IONode) Group() *ControlGroup {
	c := n.Port()
	if c == nil {
		return nil
	}
	g, _ := n.surface.Group(c.group)
	return g
}

// SetName renames the port and announces the change.
func (n *IONode) SetName(name string) error {
	if n.removed {
		return ErrNotFound
	}
	if name == n.name {
		return nil
	}
	if err := n.surface.checkName(name, n); err != nil {
		return err
	}
	oldPath := n.Path()
	newPath := n.surface.pathPrefix() + name
	if err := n.surface.indexPort(newPath, n); err != nil {
		return err
	}
	n.surface.unindexPort(oldPath, n)
	n.name = name
	n.MarkDirty()
	n.Fiddle()
	return nil
}

// SetType changes the port's value type and announces the change. The port
// is redeployed on its next Compile.
func (n *IONode) SetType(typ values.Kind) {
	if n.removed || typ == n.typ {
		return
	}
	n.typ = typ
	if c := n.Port(); c != nil {
		c.setType(typ)
	}
	n.Fiddle()
}

// Fiddle tells subscribers of the root surface that this port's identity
// changed, so consumers that refer to it by path can resolve it again.
func (n *IONode) Fiddle() {
	if n.removed {
		return
	}
	root := n.surface.Root()
	ev := PortFiddledEvent{
		Surface: root,
		Node:    n.handle,
		Path:    n.Path(),
		Name:    n.name,
		Type:    n.typ,
	}
	n.rt.notify(func() { n.rt.topics.portFiddled.publish(ev) })
}

// Compile returns the deployed module, deploying again if the port changed
// since the last deploy.
func (n *IONode) Compile(ctx context.Context) (codegen.Module, error) {
	if n.removed {
		return nil, ErrNotFound
	}
	g := n.Group()
	if !n.dirty && n.module != nil && g != nil && !g.dirty {
		return n.module, nil
	}

	sess, err := n.rt.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.end()

	if eerr := n.deploy(sess.ctx); eerr != nil {
		n.fail(eerr)
		n.rt.raise(sess.ctx, eerr)
		return n.module, eerr
	}
	n.rt.clear(sess.ctx, func(loc SourceLocation) bool {
		return loc.Node == n.id || (g != nil && loc.Group == g.id)
	})
	return n.module, nil
}

// deploy compiles the port's group and node module and publishes both.
func (n *IONode) deploy(ctx context.Context) *EngineError {
	g := n.Group()
	if g == nil {
		return NewStructuralError(fmt.Sprintf("port %s has no group", n.name), nil).
			WithCode(ErrCodeNotFound).WithSurface(n.surface.id).WithNode(n.id)
	}
	if g.dirty || g.module == nil {
		gm, eerr := g.build(ctx)
		if eerr != nil {
			return eerr
		}
		g.commit(gm)
	}

	m, eerr := n.build(ctx)
	if eerr != nil {
		return eerr
	}
	n.commit(m)
	n.rt.metrics.RecordUnitCompiled("node")
	n.rt.logger.WithSurface(n.surface.name).WithNode(n.name).Debug("Port deployed")
	return nil
}

func (n *IONode) build(ctx context.Context) (codegen.Module, *EngineError) {
	ctx, span := n.rt.tracer.StartNodeSpan(ctx, n.id, n.name, "io")
	m, err := n.Backend().CompileNode(ctx, n.spec())
	if err != nil {
		eerr := NewBackendError(fmt.Sprintf("failed to compile port %s", n.name), err).
			WithCode(ErrCodeBackendFailed).WithSurface(n.surface.id).WithNode(n.id)
		telemetry.EndSpan(span, eerr)
		return nil, eerr
	}
	telemetry.EndSpan(span, nil)
	return m, nil
}

func (n *IONode) spec() codegen.NodeSpec {
	return codegen.NodeSpec{
		ID:      n.id,
		Name:    n.name,
		Variant: "io",
		Ports:   n.ports(),
		Attributes: map[string]interface{}{
			"path":  n.Path(),
			"read":  n.read,
			"write": n.write,
		},
	}
}
