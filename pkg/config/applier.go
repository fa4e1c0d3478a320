package config

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/batlogic/axiom/pkg/engine"
	"github.com/batlogic/axiom/pkg/telemetry"
	"github.com/batlogic/axiom/pkg/values"
)

// Applier materialises patches onto a runtime. Applying a second patch only
// changes what differs: nodes that are still described keep their handles,
// and their groups keep their values.
type Applier struct {
	rt     *engine.Runtime
	logger *telemetry.Logger
}

// NewApplier creates an applier for rt. logger may be nil.
func NewApplier(rt *engine.Runtime, logger *telemetry.Logger) *Applier {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Applier{rt: rt, logger: logger.NewComponentLogger("applier")}
}

// ApplyResult summarises the edits made by one Apply call.
type ApplyResult struct {
	Created      []string
	Updated      []string
	Removed      []string
	Connected    int
	Disconnected int

	// Deferred lists value paths whose groups were never compiled. They are
	// set by ApplyValues once a compile pass has run.
	Deferred []string

	// Errors lists edits that failed. A failed edit does not stop the rest
	// of the patch from being applied.
	Errors []error
}

// Err joins the failed edits.
func (r *ApplyResult) Err() error { return errors.Join(r.Errors...) }

// Changed reports whether any edit was made.
func (r *ApplyResult) Changed() bool {
	return len(r.Created)+len(r.Updated)+len(r.Removed)+r.Connected+r.Disconnected > 0
}

// Apply brings the runtime's root surfaces in line with p. Root surfaces
// missing from p are removed. It fails outright only when p carries
// validation errors or the runtime is closed; other failures are collected
// in the result.
func (a *Applier) Apply(ctx context.Context, p *Patch) (*ApplyResult, error) {
	if err := p.Err(); err != nil {
		return nil, err
	}
	if a.rt.Closed() {
		return nil, engine.ErrClosed
	}

	res := &ApplyResult{}
	for _, s := range a.rt.RootSurfaces() {
		if _, ok := p.Surfaces[s.Name()]; ok {
			continue
		}
		if err := a.rt.RemoveRootSurface(s); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Removed = append(res.Removed, s.Name())
	}

	for _, name := range p.SurfaceNames() {
		s, ok := a.rt.RootSurface(name)
		if !ok {
			var err error
			if s, err = a.rt.NewRootSurface(name); err != nil {
				return res, err
			}
			res.Created = append(res.Created, name)
		}
		a.applySurface(ctx, s, p.Surfaces[name], name, res)
	}

	a.logger.WithFields(map[string]interface{}{
		"created":      len(res.Created),
		"updated":      len(res.Updated),
		"removed":      len(res.Removed),
		"connected":    res.Connected,
		"disconnected": res.Disconnected,
		"failed":       len(res.Errors),
	}).Debug("Patch applied")
	return res, nil
}

// ApplyValues sets the values described by p on the groups of the
// runtime's surfaces without touching their structure.
func (a *Applier) ApplyValues(p *Patch) *ApplyResult {
	res := &ApplyResult{}
	for _, name := range p.SurfaceNames() {
		if s, ok := a.rt.RootSurface(name); ok {
			a.walkValues(s, p.Surfaces[name], res)
		}
	}
	return res
}

func (a *Applier) walkValues(s *engine.Surface, sp *SurfacePatch, res *ApplyResult) {
	if sp == nil {
		return
	}
	a.applyValues(s, sp, res)
	for _, name := range sp.NodeNames() {
		n, ok := s.NodeByName(name)
		if !ok {
			continue
		}
		if m, ok := n.(*engine.ModuleNode); ok {
			a.walkValues(m.Child(), sp.Nodes[name].Surface, res)
		}
	}
}

// ApplyAndCompile applies p, compiles every root surface and then sets the
// values that had to wait for the compile. Compile failures are returned
// alongside the results; the apply result still describes every edit.
func (a *Applier) ApplyAndCompile(ctx context.Context, p *Patch) (*ApplyResult, []*engine.CompileResult, error) {
	res, err := a.Apply(ctx, p)
	if err != nil {
		return res, nil, err
	}
	results, compileErr := a.rt.Compile(ctx)
	if len(res.Deferred) > 0 {
		late := a.ApplyValues(p)
		res.Errors = append(res.Errors, late.Errors...)
		res.Deferred = late.Deferred
	}
	return res, results, compileErr
}

func (a *Applier) applySurface(ctx context.Context, s *engine.Surface, sp *SurfacePatch, prefix string, res *ApplyResult) {
	if sp == nil {
		sp = &SurfacePatch{}
	}

	for _, n := range s.Nodes() {
		if _, ok := sp.Nodes[n.Name()]; ok {
			continue
		}
		a.remove(n, prefix, res)
	}

	for _, name := range sp.NodeNames() {
		a.applyNode(ctx, s, name, sp.Nodes[name], prefix, res)
	}

	a.applyWires(s, sp, res)
	a.applyExtracted(s, sp, res)
	a.applyValues(s, sp, res)
}

func (a *Applier) remove(n engine.Node, prefix string, res *ApplyResult) {
	if err := n.Remove(); err != nil {
		res.Errors = append(res.Errors, err)
		return
	}
	res.Removed = append(res.Removed, prefix+"/"+n.Name())
}

func (a *Applier) applyNode(ctx context.Context, s *engine.Surface, name string, np *NodePatch, prefix string, res *ApplyResult) {
	path := prefix + "/" + name
	existing, ok := s.NodeByName(name)
	if ok && !sameShape(existing, np) {
		a.remove(existing, prefix, res)
		ok = false
	}

	if !ok {
		n, err := a.create(ctx, s, name, np)
		if n == nil {
			res.Errors = append(res.Errors, located(err, np.Pos))
			return
		}
		res.Created = append(res.Created, path)
		if err != nil {
			res.Errors = append(res.Errors, located(err, np.Pos))
		}
		if m, isModule := n.(*engine.ModuleNode); isModule {
			a.applySurface(ctx, m.Child(), np.Surface, path, res)
			a.applyExposures(m, np, res)
		}
		return
	}

	switch n := existing.(type) {
	case *engine.IONode:
		typ, _ := engine.ParseKind(np.Type)
		if n.Type() != typ {
			n.SetType(typ)
			res.Updated = append(res.Updated, path)
		}
	case *engine.CustomNode:
		if n.Source() != np.Script || n.ScriptErr() != nil {
			if err := n.SetScript(ctx, np.Script); err != nil {
				res.Errors = append(res.Errors, located(err, np.Pos))
			}
			res.Updated = append(res.Updated, path)
		}
	case *engine.ModuleNode:
		a.applySurface(ctx, n.Child(), np.Surface, path, res)
		a.applyExposures(n, np, res)
	}
}

// sameShape reports whether n can be updated in place to match np.
func sameShape(n engine.Node, np *NodePatch) bool {
	switch n := n.(type) {
	case *engine.IONode:
		if np.Kind != KindIO {
			return false
		}
		dir, err := engine.ParseDirection(np.Direction)
		return err == nil && n.IsRead() == dir.Reads() && n.IsWrite() == dir.Writes()
	case *engine.CustomNode:
		return np.Kind == KindCustom
	case *engine.ModuleNode:
		return np.Kind == KindModule
	default:
		return false
	}
}

// create places a new node. A custom node whose script fails is returned
// together with the error.
func (a *Applier) create(ctx context.Context, s *engine.Surface, name string, np *NodePatch) (engine.Node, error) {
	switch np.Kind {
	case KindIO:
		typ, err := engine.ParseKind(np.Type)
		if err != nil {
			return nil, err
		}
		dir, err := engine.ParseDirection(np.Direction)
		if err != nil {
			return nil, err
		}
		n, err := s.AddIONode(ctx, name, typ, dir.Reads(), dir.Writes())
		if err != nil {
			return nil, err
		}
		return n, nil
	case KindCustom:
		n, err := s.AddCustomNode(ctx, name, np.Script)
		if n == nil {
			return nil, err
		}
		return n, err
	case KindModule:
		n, err := s.AddModuleNode(name)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("node %s: unknown kind %q", name, np.Kind)
	}
}

func (a *Applier) applyExposures(m *engine.ModuleNode, np *NodePatch, res *ApplyResult) {
	current := make(map[string]*engine.Control)
	for _, h := range m.Controls() {
		mirror, ok := m.Surface().Control(h)
		if !ok {
			continue
		}
		if child, ok := m.Exposed(mirror); ok {
			current[mirror.Name()] = child
		}
	}

	for _, name := range sortedKeys(current) {
		if want, ok := np.Expose[name]; ok && want == current[name].Path() {
			continue
		}
		if err := m.Unexpose(name); err != nil {
			res.Errors = append(res.Errors, err)
		}
		delete(current, name)
	}

	for _, name := range sortedKeys(np.Expose) {
		if _, ok := current[name]; ok {
			continue
		}
		child, ok := m.Child().ControlByPath(np.Expose[name])
		if !ok {
			res.Errors = append(res.Errors, located(
				fmt.Errorf("module %s: no control %s to expose: %w", m.Name(), np.Expose[name], engine.ErrNotFound), np.Pos))
			continue
		}
		if _, err := m.Expose(child, name); err != nil {
			res.Errors = append(res.Errors, located(err, np.Pos))
		}
	}
}

type wireKey [2]string

func newWireKey(a, b string) wireKey {
	if b < a {
		a, b = b, a
	}
	return wireKey{a, b}
}

func (a *Applier) applyWires(s *engine.Surface, sp *SurfacePatch, res *ApplyResult) {
	want := make(map[wireKey]bool)
	for _, w := range sp.Wires {
		if len(w) == 2 {
			want[newWireKey(w[0], w[1])] = true
		}
	}

	have := make(map[wireKey]bool)
	for _, w := range s.Wires() {
		ca, okA := s.Control(w[0])
		cb, okB := s.Control(w[1])
		if !okA || !okB {
			continue
		}
		key := newWireKey(ca.Path(), cb.Path())
		if want[key] {
			have[key] = true
			continue
		}
		if err := s.Disconnect(ca, cb); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Disconnected++
	}

	keys := make([]wireKey, 0, len(want))
	for key := range want {
		if !have[key] {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	for _, key := range keys {
		ca, okA := s.ControlByPath(key[0])
		cb, okB := s.ControlByPath(key[1])
		if !okA || !okB {
			missing := key[0]
			if okA {
				missing = key[1]
			}
			res.Errors = append(res.Errors, located(
				fmt.Errorf("surface %s: cannot wire %s to %s, no control %s: %w", s.Name(), key[0], key[1], missing, engine.ErrNotFound), sp.Pos))
			continue
		}
		if err := s.Connect(ca, cb); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Connected++
	}
}

func (a *Applier) applyExtracted(s *engine.Surface, sp *SurfacePatch, res *ApplyResult) {
	want := make(map[engine.GroupHandle]bool)
	for _, p := range sp.Extracted {
		c, ok := s.ControlByPath(p)
		if !ok {
			res.Errors = append(res.Errors, located(
				fmt.Errorf("surface %s: cannot extract %s: %w", s.Name(), p, engine.ErrNotFound), sp.Pos))
			continue
		}
		want[c.Group()] = true
	}
	for _, g := range s.Groups() {
		if g.Extracted() != want[g.Handle()] {
			g.SetExtracted(want[g.Handle()])
		}
	}
}

func (a *Applier) applyValues(s *engine.Surface, sp *SurfacePatch, res *ApplyResult) {
	for _, p := range sortedKeys(sp.Values) {
		c, ok := s.ControlByPath(p)
		if !ok {
			res.Errors = append(res.Errors, located(
				fmt.Errorf("surface %s: cannot set %s: %w", s.Name(), p, engine.ErrNotFound), sp.Pos))
			continue
		}
		g, ok := s.GroupOf(c)
		if !ok {
			continue
		}
		if g.Slot().Load() == nil {
			res.Deferred = append(res.Deferred, s.Name()+"/"+p)
			continue
		}
		if g.Type() != values.KindNum {
			res.Errors = append(res.Errors, located(
				fmt.Errorf("surface %s: %s holds %s values, not numbers: %w", s.Name(), p, g.Type(), engine.ErrTypeMismatch), sp.Pos))
			continue
		}
		v := values.Mono(float32(sp.Values[p]), values.FormLinear)
		if g.NumValue() != v {
			g.SetNumValue(v)
		}
	}
}

// located prefixes err with a source position when one is known.
func located(err error, pos Position) error {
	if err == nil || pos.File == "" {
		return err
	}
	return fmt.Errorf("%s:%d:%d: %w", pos.File, pos.Line, pos.Column, err)
}
