package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/batlogic/axiom/pkg/values"
)

// SurfaceKind distinguishes top-level surfaces from the ones nested inside a
// ModuleNode.
type SurfaceKind uint8

const (
	// RootSurface is owned directly by the Runtime.
	RootSurface SurfaceKind = iota

	// ChildSurface is owned by a ModuleNode.
	ChildSurface
)

func (k SurfaceKind) String() string {
	switch k {
	case RootSurface:
		return "root"
	case ChildSurface:
		return "child"
	default:
		return fmt.Sprintf("surface_kind(%d)", uint8(k))
	}
}

// wire is an undirected connection between two controls, stored with the
// lower handle first.
type wire struct{ a, b ControlHandle }

func newWire(a, b ControlHandle) wire {
	if b.less(a) {
		a, b = b, a
	}
	return wire{a: a, b: b}
}

// Surface is a compilation unit: the nodes placed on it, the controls they
// own and the groups those controls form. Its module links the node modules
// together.
type Surface struct {
	unit

	kind    SurfaceKind
	name    string
	parent  *ModuleNode
	removed bool

	nodes    arena[Node]
	controls arena[*Control]
	groups   arena[*ControlGroup]
	wires    map[wire]struct{}

	// ports indexes every IONode beneath a root surface by path.
	ports map[string]*IONode
}

func newSurface(rt *Runtime, kind SurfaceKind, name string, parent *ModuleNode) *Surface {
	s := &Surface{
		unit:   newUnit(rt),
		kind:   kind,
		name:   name,
		parent: parent,
		wires:  make(map[wire]struct{}),
	}
	if kind == RootSurface {
		s.ports = make(map[string]*IONode)
	}
	return s
}

// Name returns the surface name.
func (s *Surface) Name() string { return s.name }

// Kind returns whether the surface is a root or a child.
func (s *Surface) Kind() SurfaceKind { return s.kind }

// Parent returns the ModuleNode owning a child surface, or nil for a root.
func (s *Surface) Parent() *ModuleNode { return s.parent }

// Runtime returns the owning runtime.
func (s *Surface) Runtime() *Runtime { return s.rt }

// Removed reports whether the surface was destroyed.
func (s *Surface) Removed() bool { return s.removed }

// Root returns the root surface of the tree s belongs to.
func (s *Surface) Root() *Surface {
	r := s
	for r.parent != nil {
		r = r.parent.surface
	}
	return r
}

// MarkDirty flags the surface and every enclosing ModuleNode as stale.
func (s *Surface) MarkDirty() {
	if s.removed {
		return
	}
	s.dirty = true
	if s.parent != nil {
		s.parent.MarkDirty()
	}
}

// pathPrefix is the chain of ModuleNode names from the root down to s.
func (s *Surface) pathPrefix() string {
	if s.parent == nil {
		return ""
	}
	return s.parent.surface.pathPrefix() + s.parent.name + "/"
}

// Node resolves a node handle.
func (s *Surface) Node(h NodeHandle) (Node, bool) {
	return s.nodes.get(h.index, h.gen)
}

// Nodes returns the live nodes in slot order.
func (s *Surface) Nodes() []Node {
	out := make([]Node, 0, s.nodes.len())
	s.nodes.each(func(_, _ uint32, n Node) bool {
		out = append(out, n)
		return true
	})
	return out
}

// NodeByName looks up a node by name.
func (s *Surface) NodeByName(name string) (Node, bool) {
	var found Node
	s.nodes.each(func(_, _ uint32, n Node) bool {
		if n.Name() == name {
			found = n
			return false
		}
		return true
	})
	return found, found != nil
}

// Control resolves a control handle.
func (s *Surface) Control(h ControlHandle) (*Control, bool) {
	return s.controls.get(h.index, h.gen)
}

// Controls returns the live controls in slot order.
func (s *Surface) Controls() []*Control {
	out := make([]*Control, 0, s.controls.len())
	s.controls.each(func(_, _ uint32, c *Control) bool {
		out = append(out, c)
		return true
	})
	return out
}

// ControlByPath resolves "node.control".
func (s *Surface) ControlByPath(path string) (*Control, bool) {
	node, name, ok := strings.Cut(path, ".")
	if !ok {
		return nil, false
	}
	n, ok := s.NodeByName(node)
	if !ok {
		return nil, false
	}
	return n.Control(name)
}

func (s *Surface) controlPath(c *Control) string {
	if n, ok := s.Node(c.node); ok {
		return n.Name() + "." + c.name
	}
	return c.name
}

// Group resolves a group handle. Lookups of destroyed groups fail.
func (s *Surface) Group(h GroupHandle) (*ControlGroup, bool) {
	return s.groups.get(h.index, h.gen)
}

// Groups returns the live groups in slot order.
func (s *Surface) Groups() []*ControlGroup {
	out := make([]*ControlGroup, 0, s.groups.len())
	s.groups.each(func(_, _ uint32, g *ControlGroup) bool {
		out = append(out, g)
		return true
	})
	return out
}

// GroupOf returns the group a control currently belongs to.
func (s *Surface) GroupOf(c *Control) (*ControlGroup, bool) {
	if c.surface != s || c.removed {
		return nil, false
	}
	return s.Group(c.group)
}

// Port looks up an I/O port by its path below the root, such as "out" or
// "filter/cutoff". Only root surfaces index ports.
func (s *Surface) Port(path string) (*IONode, bool) {
	root := s.Root()
	io, ok := root.ports[path]
	return io, ok
}

// Ports returns the paths of every port indexed by the root, sorted.
func (s *Surface) Ports() []string {
	root := s.Root()
	out := make([]string, 0, len(root.ports))
	for p := range root.ports {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Surface) indexPort(path string, io *IONode) error {
	root := s.Root()
	if other, dup := root.ports[path]; dup && other != io {
		return NewStructuralError(fmt.Sprintf("port %q already exists", path), nil).
			WithCode(ErrCodeInvalidArgument).WithSurface(root.id)
	}
	root.ports[path] = io
	return nil
}

func (s *Surface) unindexPort(path string, io *IONode) {
	root := s.Root()
	if root.ports[path] == io {
		delete(root.ports, path)
	}
}

// Wires returns every connection as pairs of control handles.
func (s *Surface) Wires() [][2]ControlHandle {
	out := make([][2]ControlHandle, 0, len(s.wires))
	for w := range s.wires {
		out = append(out, [2]ControlHandle{w.a, w.b})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0].less(out[j][0])
		}
		return out[i][1].less(out[j][1])
	})
	return out
}

// Connected reports whether a wire joins the two controls.
func (s *Surface) Connected(a, b *Control) bool {
	_, ok := s.wires[newWire(a.handle, b.handle)]
	return ok
}

func (s *Surface) checkName(name string, except Node) error {
	if name == "" {
		return NewStructuralError("node name is required", nil).
			WithCode(ErrCodeInvalidArgument).WithSurface(s.id)
	}
	if strings.ContainsAny(name, "./") {
		return NewStructuralError(fmt.Sprintf("node name %q must not contain '.' or '/'", name), nil).
			WithCode(ErrCodeInvalidArgument).WithSurface(s.id)
	}
	if n, dup := s.NodeByName(name); dup && n != except {
		return NewStructuralError(fmt.Sprintf("surface %s already has a node named %q", s.name, name), nil).
			WithCode(ErrCodeInvalidArgument).WithSurface(s.id)
	}
	return nil
}

func (s *Surface) usable() error {
	if s.rt.closed.Load() {
		return ErrClosed
	}
	if s.removed {
		return NewLifecycleError(fmt.Sprintf("surface %s was removed", s.name), nil).
			WithCode(ErrCodeNotFound).WithSurface(s.id)
	}
	return nil
}

// insertNode places n on the surface.
func (s *Surface) insertNode(n Node) {
	b := n.base()
	idx, gen := s.nodes.insert(n)
	b.handle = NodeHandle{index: idx, gen: gen}
	s.MarkDirty()
}

// RemoveNode detaches every control of the node from its group, removes the
// controls and then removes the node itself.
func (s *Surface) RemoveNode(h NodeHandle) error {
	n, ok := s.Node(h)
	if !ok {
		return NewStructuralError(fmt.Sprintf("node %s is not on surface %s", h, s.name), nil).
			WithCode(ErrCodeNotFound).WithSurface(s.id)
	}
	b := n.base()

	switch v := n.(type) {
	case *ModuleNode:
		v.child.destroy()
	case *IONode:
		s.unindexPort(v.Path(), v)
	case *CustomNode:
	}

	for _, ch := range b.controls {
		if c, ok := s.Control(ch); ok {
			s.removeControl(c)
		}
	}
	b.controls = nil

	s.nodes.remove(h.index, h.gen)
	b.removed = true
	b.discard()
	s.rt.clear(context.Background(), func(loc SourceLocation) bool { return loc.Node == b.id })
	s.MarkDirty()
	s.rt.logger.WithSurface(s.name).WithNode(b.name).Debug("Node removed")
	return nil
}

// newControl creates a control in a fresh group of its own.
func (s *Surface) newControl(node NodeHandle, name string, typ values.Kind, dir Direction) *Control {
	c := &Control{surface: s, node: node, name: name, typ: typ, dir: dir}
	idx, gen := s.controls.insert(c)
	c.handle = ControlHandle{index: idx, gen: gen}

	g := s.newGroup(typ)
	g.members[c.handle] = struct{}{}
	c.group = g.handle
	return c
}

// removeControl drops the control's wires, detaches it from its group and
// frees its slot. Groups that lose a wire are split again.
func (s *Surface) removeControl(c *Control) {
	if c.removed {
		return
	}
	var peers []ControlHandle
	for w := range s.wires {
		switch c.handle {
		case w.a:
			peers = append(peers, w.b)
		case w.b:
			peers = append(peers, w.a)
		default:
			continue
		}
		delete(s.wires, w)
	}
	g, hasGroup := s.Group(c.group)
	if hasGroup {
		g.detach(c.handle)
	}
	s.controls.remove(c.handle.index, c.handle.gen)
	c.removed = true

	if s.parent != nil {
		s.parent.childControlRemoved(c.handle)
	}
	if len(peers) > 0 && hasGroup && !g.removed {
		s.split(g, peers...)
	}
}

// cutWires drops the wires between h and the members of g, which h has
// already left, and splits g along the wires that remain.
func (s *Surface) cutWires(h ControlHandle, g *ControlGroup) {
	if g.removed {
		return
	}
	var peers []ControlHandle
	for w := range s.wires {
		var peer ControlHandle
		switch h {
		case w.a:
			peer = w.b
		case w.b:
			peer = w.a
		default:
			continue
		}
		if g.Contains(peer) {
			delete(s.wires, w)
			peers = append(peers, peer)
		}
	}
	if len(peers) > 0 {
		s.split(g, peers...)
	}
}

func (s *Surface) newGroup(typ values.Kind) *ControlGroup {
	g := newControlGroup(s, typ)
	idx, gen := s.groups.insert(g)
	g.handle = GroupHandle{index: idx, gen: gen}
	s.MarkDirty()
	return g
}

func (s *Surface) destroyGroup(g *ControlGroup) {
	if g.removed {
		return
	}
	s.groups.remove(g.handle.index, g.handle.gen)
	g.removed = true
	g.members = nil
	g.discard()
	s.rt.clear(context.Background(), func(loc SourceLocation) bool { return loc.Group == g.id })
	s.MarkDirty()
}

func (s *Surface) markNodeDirty(h NodeHandle) {
	if n, ok := s.Node(h); ok {
		n.MarkDirty()
	}
}

func (s *Surface) owns(c *Control) error {
	if c == nil || c.removed {
		return NewStructuralError("control was removed", nil).
			WithCode(ErrCodeNotFound).WithSurface(s.id)
	}
	if c.surface != s {
		return NewStructuralError(
			fmt.Sprintf("control %s lives on surface %s, not %s", c.name, c.surface.name, s.name), nil).
			WithCode(ErrCodeCrossSurface).WithSurface(s.id)
	}
	return nil
}

// Connect wires two controls together so they share one value. Their groups
// are merged, the larger absorbing the smaller. Controls of different types
// are refused with a TypeError that is also written to the error log.
func (s *Surface) Connect(a, b *Control) error {
	if err := s.usable(); err != nil {
		return err
	}
	for _, c := range []*Control{a, b} {
		if err := s.owns(c); err != nil {
			return err
		}
	}
	if a == b {
		return NewStructuralError(fmt.Sprintf("cannot connect control %s to itself", s.controlPath(a)), nil).
			WithCode(ErrCodeInvalidArgument).WithSurface(s.id)
	}
	if a.typ != b.typ {
		node, _ := s.Node(b.node)
		err := NewTypeError(fmt.Sprintf("cannot connect %s (%s) to %s (%s)",
			s.controlPath(a), a.typ, s.controlPath(b), b.typ), nil).
			WithCode(ErrCodeTypeMismatch).WithSurface(s.id)
		if node != nil {
			err = err.WithNode(node.ID())
		}
		s.rt.raise(context.Background(), err)
		return err
	}

	s.wires[newWire(a.handle, b.handle)] = struct{}{}

	ga, _ := s.Group(a.group)
	gb, _ := s.Group(b.group)
	if ga == gb {
		return nil
	}
	if gb.Len() > ga.Len() {
		ga, gb = gb, ga
	}
	return ga.Absorb(gb)
}

// Disconnect removes the wire between two controls and splits their group
// along the remaining wires.
func (s *Surface) Disconnect(a, b *Control) error {
	if err := s.usable(); err != nil {
		return err
	}
	for _, c := range []*Control{a, b} {
		if err := s.owns(c); err != nil {
			return err
		}
	}
	w := newWire(a.handle, b.handle)
	if _, ok := s.wires[w]; !ok {
		return NewStructuralError(fmt.Sprintf("%s and %s are not connected", s.controlPath(a), s.controlPath(b)), nil).
			WithCode(ErrCodeNotFound).WithSurface(s.id)
	}
	delete(s.wires, w)

	if g, ok := s.Group(a.group); ok {
		s.split(g, a.handle, b.handle)
	}
	if g, ok := s.Group(b.group); ok && g.handle != a.group {
		s.split(g, a.handle, b.handle)
	}
	return nil
}

// AttachControl moves a control into g without checking types. It is the
// path used when restoring persisted state; mismatches surface at compile
// time. Wires to the control's previous group are dropped.
func (s *Surface) AttachControl(c *Control, g *ControlGroup) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.owns(c); err != nil {
		return err
	}
	if g.surface != s {
		return NewStructuralError("group lives on another surface", nil).
			WithCode(ErrCodeCrossSurface).WithSurface(s.id).WithUnit(g.id)
	}
	return g.AddControl(c.handle)
}

// split breaks g into the connected components of the wires among its
// members. The endpoints of a wire that was just removed count as components
// even when no wire is left on them. The component with the lowest control
// handle keeps g, together with any other member that has no wire at all;
// every other component moves to a fresh group that inherits the extracted
// flag and the current value.
func (s *Surface) split(g *ControlGroup, endpoints ...ControlHandle) {
	parent := make(map[ControlHandle]ControlHandle)
	var find func(ControlHandle) ControlHandle
	find = func(h ControlHandle) ControlHandle {
		for parent[h] != h {
			parent[h] = parent[parent[h]]
			h = parent[h]
		}
		return h
	}
	for _, h := range endpoints {
		if g.Contains(h) {
			parent[h] = h
		}
	}
	for w := range s.wires {
		if !g.Contains(w.a) || !g.Contains(w.b) {
			continue
		}
		for _, h := range []ControlHandle{w.a, w.b} {
			if _, ok := parent[h]; !ok {
				parent[h] = h
			}
		}
		ra, rb := find(w.a), find(w.b)
		if ra != rb {
			if rb.less(ra) {
				ra, rb = rb, ra
			}
			parent[rb] = ra
		}
	}

	// Components keyed by their lowest member, visited in handle order.
	components := make(map[ControlHandle][]ControlHandle)
	var roots []ControlHandle
	for _, h := range g.Members() {
		if _, wired := parent[h]; !wired {
			continue
		}
		r := find(h)
		if _, seen := components[r]; !seen {
			roots = append(roots, r)
		}
		components[r] = append(components[r], h)
	}
	if len(roots) <= 1 {
		return
	}

	cur := g.slot.Load()
	for _, r := range roots[1:] {
		fresh := s.newGroup(g.typ)
		fresh.extracted = g.extracted
		if cur != nil {
			st := values.NewStorage(cur.Kind(), cur.Voices())
			st.CopyFrom(cur)
			fresh.slot.Publish(st)
		}
		for _, h := range components[r] {
			delete(g.members, h)
			fresh.members[h] = struct{}{}
			if c, ok := s.Control(h); ok {
				c.group = fresh.handle
				s.markNodeDirty(c.node)
			}
		}
	}
	g.MarkDirty()
	for _, h := range components[roots[0]] {
		if c, ok := s.Control(h); ok {
			s.markNodeDirty(c.node)
		}
	}
}

// destroy removes every node, group and wire and retires the module.
func (s *Surface) destroy() {
	if s.removed {
		return
	}
	for _, n := range s.Nodes() {
		_ = s.RemoveNode(n.Handle())
	}
	for _, g := range s.Groups() {
		s.destroyGroup(g)
	}
	s.wires = make(map[wire]struct{})
	s.removed = true
	s.discard()
	s.rt.clear(context.Background(), func(loc SourceLocation) bool { return loc.Surface == s.id })
}

// anyDirty reports whether a node or group still needs compiling.
func (s *Surface) anyDirty() bool {
	dirty := false
	s.nodes.each(func(_, _ uint32, n Node) bool {
		dirty = n.Dirty()
		return !dirty
	})
	if dirty {
		return true
	}
	s.groups.each(func(_, _ uint32, g *ControlGroup) bool {
		dirty = g.dirty
		return !dirty
	})
	return dirty
}

func (s *Surface) String() string {
	return fmt.Sprintf("%s(%s, %d nodes, %d groups)", s.name, s.kind, s.nodes.len(), s.groups.len())
}
