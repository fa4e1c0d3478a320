package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/batlogic/axiom/pkg/codegen"
	"github.com/batlogic/axiom/pkg/telemetry"
)

// CompileResult describes one surface pass.
type CompileResult struct {
	Surface *Surface

	// Module is the surface module published after the pass. It is the
	// previous module when the pass aborted.
	Module codegen.Module

	// Pass is the runtime pass number.
	Pass uint64

	// Skipped is set when the surface was clean and nothing ran.
	Skipped bool

	// Compiled lists the IDs of the nodes and groups built in the pass.
	Compiled []string

	// Failed lists every failure raised in the pass.
	Failed []*EngineError

	Duration time.Duration
}

// OK reports whether the pass raised no failure.
func (r *CompileResult) OK() bool { return len(r.Failed) == 0 }

// Compile runs a compile pass over the surface. Dirty nodes and groups are
// rebuilt in dependency order and linked together with the current modules
// of clean nodes.
//
// A structural problem aborts the pass before anything is built and is
// returned as an error. Type, script and backend failures are isolated: the
// failing units stay dirty and are listed in the result and in the error
// log, while the rest of the surface is published.
func (s *Surface) Compile(ctx context.Context) (*CompileResult, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	sess, err := s.rt.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.end()
	return s.compilePass(sess)
}

// CompileOrder returns the surface's nodes in the order a pass builds them.
func (s *Surface) CompileOrder() ([]Node, error) {
	_, order, err := s.dependencyGraph()
	return order, err
}

// DOT renders the surface's compile dependencies in Graphviz format.
func (s *Surface) DOT() (string, error) {
	b, _, err := s.dependencyGraph()
	if err != nil {
		return "", err
	}
	return b.ToDOT(), nil
}

// pass carries the state of one surface pass.
type pass struct {
	s    *Surface
	sess *session
	ctx  context.Context
	res  *CompileResult
	log  *telemetry.Logger

	failedNodes  map[NodeHandle]bool
	failedGroups map[*ControlGroup]*EngineError
	groupMods    map[*ControlGroup]codegen.Module
	groupOrder   []*ControlGroup
	nodeMods     map[NodeHandle]codegen.Module
	nodeOrder    []Node

	// partial holds module nodes whose child pass published around failing
	// units. They commit but stay dirty.
	partial map[NodeHandle]*EngineError
	// inherited collects the failures of those child passes, already logged
	// by the child.
	inherited []*EngineError
}

func (s *Surface) compilePass(sess *session) (*CompileResult, error) {
	res := &CompileResult{Surface: s, Pass: sess.pass, Module: s.module}
	if s.removed {
		return res, ErrNotFound
	}
	if !s.dirty && s.module != nil {
		res.Skipped = true
		return res, nil
	}

	start := time.Now()
	ctx, span := s.rt.tracer.StartSurfaceSpan(sess.ctx, s.id, s.name, sess.pass)
	p := &pass{
		s:            s,
		sess:         sess,
		ctx:          ctx,
		res:          res,
		log:          s.rt.logger.WithSurface(s.name).WithPass(sess.pass),
		failedNodes:  make(map[NodeHandle]bool),
		failedGroups: make(map[*ControlGroup]*EngineError),
		groupMods:    make(map[*ControlGroup]codegen.Module),
		nodeMods:     make(map[NodeHandle]codegen.Module),
		partial:      make(map[NodeHandle]*EngineError),
	}
	s.rt.emit(func(ep *telemetry.EventPublisher) error {
		return ep.PublishCompileStarted(sess.runID, s.id, sess.pass)
	})
	p.log.Debug("Compile pass started")

	err := p.run()
	res.Duration = time.Since(start)
	telemetry.EndSpan(span, err)

	status := "success"
	switch {
	case err != nil:
		status = "failed"
		s.rt.emit(func(ep *telemetry.EventPublisher) error {
			return ep.PublishCompileFailed(sess.runID, s.id, err.Error())
		})
		p.log.WithError(err).Warn("Compile pass aborted")
	case !res.OK():
		status = "partial"
	}
	if err == nil {
		s.rt.emit(func(ep *telemetry.EventPublisher) error {
			return ep.PublishCompileCompleted(sess.runID, s.id, len(res.Compiled), len(res.Failed), res.Duration)
		})
		p.log.Infof("Compile pass finished: %d units compiled, %d failed", len(res.Compiled), len(res.Failed))
	}
	s.rt.metrics.RecordCompilePass(s.name, status, res.Duration)
	return res, err
}

func (p *pass) run() error {
	s := p.s

	if err := s.validate(); err != nil {
		return p.abort(err)
	}
	_, order, err := s.dependencyGraph()
	if err != nil {
		return p.abort(err)
	}

	for _, n := range order {
		if n.Dirty() {
			p.resolve(n)
		}
	}
	for _, g := range s.Groups() {
		if g.dirty {
			p.buildGroup(g)
		}
	}
	for _, n := range order {
		b := n.base()
		if b.dirty && !p.failedNodes[b.handle] {
			p.buildNode(n)
		}
	}

	linked, lerr := p.link(order)
	if lerr != nil {
		p.discard()
		p.report()
		return p.abort(lerr)
	}
	p.commit(linked)
	p.report()
	return nil
}

// abort records a pass-level failure. Nothing is published.
func (p *pass) abort(err error) error {
	var eerr *EngineError
	if !errors.As(err, &eerr) {
		eerr = NewStructuralError(fmt.Sprintf("compile of surface %s failed", p.s.name), err)
	}
	if eerr.Surface == "" {
		eerr = eerr.WithSurface(p.s.id)
	}
	p.res.Failed = append(p.res.Failed, eerr)
	p.s.rt.raise(p.sess.ctx, eerr)
	return eerr
}

// validate checks that group membership is exclusive and consistent, and
// destroys empty groups.
func (s *Surface) validate() error {
	owner := make(map[ControlHandle]*ControlGroup)
	var empty []*ControlGroup
	for _, g := range s.Groups() {
		if len(g.members) == 0 {
			empty = append(empty, g)
			continue
		}
		for h := range g.members {
			c, ok := s.Control(h)
			if !ok {
				return NewStructuralError(fmt.Sprintf("group %s references removed control %s", g.handle, h), nil).
					WithCode(ErrCodeNotFound).WithSurface(s.id).WithUnit(g.id)
			}
			if prev, dup := owner[h]; dup {
				return NewStructuralError(fmt.Sprintf("control %s is a member of groups %s and %s",
					s.controlPath(c), prev.handle, g.handle), nil).
					WithCode(ErrCodeDuplicateMembership).WithSurface(s.id).WithUnit(g.id)
			}
			if c.group != g.handle {
				return NewStructuralError(fmt.Sprintf("control %s is listed by group %s but points at %s",
					s.controlPath(c), g.handle, c.group), nil).
					WithCode(ErrCodeDuplicateMembership).WithSurface(s.id).WithUnit(g.id)
			}
			owner[h] = g
		}
	}
	for _, c := range s.Controls() {
		if _, ok := owner[c.handle]; !ok {
			return NewStructuralError(fmt.Sprintf("control %s belongs to no group", s.controlPath(c)), nil).
				WithCode(ErrCodeNotFound).WithSurface(s.id)
		}
	}
	for _, g := range empty {
		s.destroyGroup(g)
	}
	return nil
}

// dependencyGraph orders the nodes so that, within every group, the nodes
// writing the value come before the nodes reading it.
func (s *Surface) dependencyGraph() (*DAGBuilder, []Node, error) {
	b := NewDAGBuilder()
	byID := make(map[string]Node)
	for _, n := range s.Nodes() {
		if err := b.AddVertex(Vertex{ID: n.ID(), Label: n.Name(), Variant: Variant(n)}); err != nil {
			return nil, nil, err
		}
		byID[n.ID()] = n
	}

	for _, g := range s.Groups() {
		var writers, readers []*Control
		for _, h := range g.Members() {
			c, ok := s.Control(h)
			if !ok {
				continue
			}
			if c.dir.Writes() {
				writers = append(writers, c)
			}
			if c.dir.Reads() {
				readers = append(readers, c)
			}
		}
		for _, w := range writers {
			for _, r := range readers {
				if w == r {
					continue
				}
				wn, ok1 := s.Node(w.node)
				rn, ok2 := s.Node(r.node)
				if !ok1 || !ok2 {
					continue
				}
				if err := b.AddEdge(Edge{From: wn.ID(), To: rn.ID(), Via: g.Name()}); err != nil {
					return nil, nil, err
				}
			}
		}
	}

	graph, err := b.Build()
	if err != nil {
		var eerr *EngineError
		if errors.As(err, &eerr) {
			return nil, nil, eerr.WithSurface(s.id)
		}
		return nil, nil, err
	}
	order := make([]Node, 0, len(graph.Order))
	for _, id := range graph.Order {
		order = append(order, byID[id])
	}
	return b, order, nil
}

// resolve settles a node's control types before any group is built.
func (p *pass) resolve(n Node) {
	switch v := n.(type) {
	case *ModuleNode:
		v.resolve()
	case *CustomNode:
		if v.scriptErr != nil {
			p.failNode(v, v.scriptErr)
		}
	case *IONode:
	}
}

func (p *pass) buildGroup(g *ControlGroup) {
	log := p.log.WithGroup(g.Name())
	for _, h := range g.Members() {
		c, ok := p.s.Control(h)
		if !ok || !p.failedNodes[c.node] {
			continue
		}
		var cause *EngineError
		if n, ok := p.s.Node(c.node); ok {
			cause = n.base().err
		}
		p.failedGroups[g] = cause
		log.Debugf("Group skipped, member control %s failed", p.s.controlPath(c))
		return
	}

	m, eerr := g.build(p.ctx)
	if eerr != nil {
		p.failedGroups[g] = eerr
		p.res.Failed = append(p.res.Failed, eerr)
		if eerr.Class != ErrorClassType {
			return
		}
		for _, h := range g.Members() {
			c, ok := p.s.Control(h)
			if !ok {
				continue
			}
			n, ok := p.s.Node(c.node)
			if !ok || p.failedNodes[c.node] {
				continue
			}
			p.failNode(n, NewTypeError(
				fmt.Sprintf("control %s is in a group with incompatible types", p.s.controlPath(c)), nil).
				WithCode(ErrCodeTypeMismatch).WithSurface(p.s.id).WithNode(n.ID()).
				WithDetail("group", g.id))
		}
		return
	}
	p.groupMods[g] = m
	p.groupOrder = append(p.groupOrder, g)
	log.Debug("Group built")
}

// groupReady reports whether g has an accessor after this pass commits.
func (p *pass) groupReady(g *ControlGroup) bool {
	if _, failed := p.failedGroups[g]; failed {
		return false
	}
	if _, staged := p.groupMods[g]; staged {
		return true
	}
	return !g.dirty && g.module != nil
}

func (p *pass) buildNode(n Node) {
	b := n.base()
	if g, blocked := b.blockedBy(p.groupReady); blocked {
		p.failNode(n, p.blockedError(b, g))
		return
	}

	ctx, span := p.s.rt.tracer.StartNodeSpan(p.ctx, b.id, b.name, Variant(n))
	var (
		spec codegen.NodeSpec
		eerr *EngineError
	)
	switch v := n.(type) {
	case *ModuleNode:
		var childRes *CompileResult
		spec, childRes, eerr = v.spec(p.sess)
		if eerr == nil && !childRes.OK() {
			p.partial[b.handle] = v.partialFailure(childRes)
			p.inherited = append(p.inherited, childRes.Failed...)
		}
	case *IONode:
		spec = v.spec()
	case *CustomNode:
		spec = v.spec()
	}
	if eerr != nil {
		telemetry.EndSpan(span, eerr)
		p.failNode(n, eerr)
		return
	}

	m, err := b.Backend().CompileNode(ctx, spec)
	if err != nil {
		eerr = NewBackendError(fmt.Sprintf("failed to compile node %s", b.name), err).
			WithCode(ErrCodeBackendFailed).WithSurface(p.s.id).WithNode(b.id)
		telemetry.EndSpan(span, eerr)
		p.failNode(n, eerr)
		return
	}
	telemetry.EndSpan(span, nil)
	p.nodeMods[b.handle] = m
	p.nodeOrder = append(p.nodeOrder, n)
}

// blockedError describes a node that cannot build because a group it touches
// has no accessor. It takes the class of the failure that blocked the group.
func (p *pass) blockedError(b *nodeBase, g *ControlGroup) *EngineError {
	cause := p.failedGroups[g]
	if g == nil || cause == nil {
		name := "missing"
		if g != nil {
			name = g.Name()
		}
		return NewBackendError(fmt.Sprintf("node %s touches group %s, which has no accessor", b.name, name), nil).
			WithCode(ErrCodeGroupFailed).WithSurface(p.s.id).WithNode(b.id)
	}
	return newError(cause.Class, fmt.Sprintf("node %s touches group %s, which failed to compile", b.name, g.Name()), cause).
		WithCode(ErrCodeGroupFailed).WithSurface(p.s.id).WithNode(b.id).
		WithDetail("group", g.id)
}

func (p *pass) failNode(n Node, err *EngineError) {
	b := n.base()
	if p.failedNodes[b.handle] {
		return
	}
	p.failedNodes[b.handle] = true
	b.fail(err)
	p.res.Failed = append(p.res.Failed, err)
}

// link composes the staged or current module of every node.
func (p *pass) link(order []Node) (codegen.Module, error) {
	mods := make([]codegen.Module, 0, len(order))
	for _, n := range order {
		b := n.base()
		if m, ok := p.nodeMods[b.handle]; ok {
			mods = append(mods, m)
			continue
		}
		if b.module != nil {
			mods = append(mods, b.module)
		}
	}
	m, err := p.s.Backend().Link(p.ctx, codegen.LinkSpec{ID: p.s.id, Name: p.s.name, Modules: mods})
	if err != nil {
		return nil, NewBackendError(fmt.Sprintf("failed to link surface %s", p.s.name), err).
			WithCode(ErrCodeBackendFailed).WithSurface(p.s.id)
	}
	return m, nil
}

// discard releases staged artifacts that will never be published.
func (p *pass) discard() {
	for _, m := range p.groupMods {
		m.Release()
	}
	for _, m := range p.nodeMods {
		m.Release()
	}
}

// commit publishes staged group storage, then node modules, then the
// surface module.
func (p *pass) commit(linked codegen.Module) {
	s := p.s
	for _, g := range p.groupOrder {
		g.commit(p.groupMods[g])
		p.res.Compiled = append(p.res.Compiled, g.id)
	}
	for _, n := range p.nodeOrder {
		b := n.base()
		b.commit(p.nodeMods[b.handle])
		if cause := p.partial[b.handle]; cause != nil {
			b.fail(cause)
		}
		s.rt.metrics.RecordUnitCompiled("node")
		p.res.Compiled = append(p.res.Compiled, b.id)
	}
	s.replace(linked)
	s.dirty = s.anyDirty()
	p.res.Module = linked

	compiled := make(map[string]bool, len(p.res.Compiled))
	for _, id := range p.res.Compiled {
		compiled[id] = true
	}
	s.rt.clear(p.sess.ctx, func(loc SourceLocation) bool {
		if loc.Surface != s.id {
			return false
		}
		return compiled[loc.Node] || compiled[loc.Group] || (loc.Node == "" && loc.Group == "")
	})

	ev := RecompiledEvent{Surface: s, Module: linked, Pass: p.sess.pass, Units: append([]string(nil), p.res.Compiled...)}
	s.rt.notify(func() { s.rt.topics.recompiled.publish(ev) })
}

// report writes the isolated failures of the pass to the error log.
func (p *pass) report() {
	for _, f := range p.res.Failed {
		unit := f.Node
		if unit == "" {
			unit = f.Unit
		}
		p.s.rt.raise(p.sess.ctx, f)
		p.s.rt.emit(func(ep *telemetry.EventPublisher) error {
			return ep.PublishUnitFailed(p.sess.runID, p.s.id, unit, string(f.Class), f.Error())
		})
		p.log.WithError(f).Warnf("Unit %s failed to compile", unit)
	}
	p.res.Failed = append(p.res.Failed, p.inherited...)
}
