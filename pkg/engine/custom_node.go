package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/batlogic/axiom/pkg/codegen"
	"github.com/batlogic/axiom/pkg/script"
	"github.com/batlogic/axiom/pkg/values"
)

// CustomNode runs user-authored Starlark logic. The script declares the
// node's controls; evaluating it again reconciles the controls by name, so
// connections of controls that survive an edit are kept.
type CustomNode struct {
	nodeBase

	source    string
	result    *script.Result
	scriptErr *EngineError
}

// AddCustomNode places a custom node and evaluates its script. When the
// script fails the node is still placed, without controls, and is returned
// together with the script error; it will fail to compile until the script
// is fixed.
func (s *Surface) AddCustomNode(ctx context.Context, name, src string) (*CustomNode, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if err := s.checkName(name, nil); err != nil {
		return nil, err
	}
	n := &CustomNode{nodeBase: newNodeBase(s, name)}
	s.insertNode(n)
	if err := n.SetScript(ctx, src); err != nil {
		return n, err
	}
	return n, nil
}

// Source returns the current script source.
func (n *CustomNode) Source() string { return n.source }

// ScriptErr returns the failure of the last evaluation, or nil.
func (n *CustomNode) ScriptErr() *EngineError { return n.scriptErr }

// Globals returns the public globals left by the last successful evaluation.
func (n *CustomNode) Globals() map[string]interface{} {
	if n.result == nil {
		return nil
	}
	return n.result.Output
}

// Compile runs the owning surface's pass and returns this node's module.
func (n *CustomNode) Compile(ctx context.Context) (codegen.Module, error) {
	return n.compileViaSurface(ctx)
}

// SetScript replaces the node's logic and evaluates it. On failure the
// previous controls are kept, the node is marked dirty and the error is
// returned; the next compile pass reports it.
func (n *CustomNode) SetScript(ctx context.Context, src string) error {
	if n.removed {
		return ErrNotFound
	}
	n.source = src
	n.MarkDirty()

	res, err := n.rt.scripts.Evaluate(ctx, n.name+".star", src)
	if err != nil {
		n.scriptErr = n.scriptFailure(err)
		return n.scriptErr
	}
	decls, err := parseDecls(res.Controls)
	if err != nil {
		n.scriptErr = n.scriptFailure(err)
		return n.scriptErr
	}

	n.reconcile(decls)
	n.result = res
	n.scriptErr = nil
	n.rt.logger.WithSurface(n.surface.name).WithNode(n.name).
		Debugf("Script evaluated in %s, %d controls", res.ExecutionTime, len(decls))
	return nil
}

func (n *CustomNode) scriptFailure(err error) *EngineError {
	eerr := NewScriptError(fmt.Sprintf("script of node %s failed", n.name), err).
		WithCode(ErrCodeScriptFailed).WithSurface(n.surface.id).WithNode(n.id)
	var se *script.Error
	if errors.As(err, &se) && se.Line > 0 {
		eerr = eerr.WithPosition(se.Line, se.Column)
	}
	return eerr
}

type controlDecl struct {
	name    string
	typ     values.Kind
	dir     Direction
	exposed bool
	def     *float64
}

func parseDecls(in []script.ControlDecl) ([]controlDecl, error) {
	out := make([]controlDecl, 0, len(in))
	for _, d := range in {
		typ, err := ParseKind(d.Type)
		if err != nil {
			return nil, fmt.Errorf("control %s: %w", d.Name, err)
		}
		dir, err := ParseDirection(d.Direction)
		if err != nil {
			return nil, fmt.Errorf("control %s: %w", d.Name, err)
		}
		out = append(out, controlDecl{name: d.Name, typ: typ, dir: dir, exposed: d.Exposed, def: d.Default})
	}
	return out, nil
}

// reconcile makes the node's controls match decls: vanished controls are
// removed, surviving ones are updated in place and new ones are created.
// Controls end up in declaration order.
func (n *CustomNode) reconcile(decls []controlDecl) {
	want := make(map[string]int, len(decls))
	for i, d := range decls {
		want[d.name] = i
	}
	for _, h := range n.Controls() {
		c, ok := n.surface.Control(h)
		if !ok {
			continue
		}
		if _, keep := want[c.name]; !keep {
			n.dropControl(h)
		}
	}

	for _, d := range decls {
		c, ok := n.Control(d.name)
		if !ok {
			c, _ = n.addControl(d.name, d.typ, d.dir)
		} else {
			c.setType(d.typ)
			c.setDirection(d.dir)
		}
		c.SetExposed(d.exposed)
		if d.def != nil {
			c.SetDefault(values.Mono(float32(*d.def), values.FormLinear))
		}
	}

	sort.SliceStable(n.controls, func(i, j int) bool {
		ci, _ := n.surface.Control(n.controls[i])
		cj, _ := n.surface.Control(n.controls[j])
		return want[ci.name] < want[cj.name]
	})
}

func (n *CustomNode) spec() codegen.NodeSpec {
	attrs := make(map[string]interface{}, len(n.Globals())+1)
	for k, v := range n.Globals() {
		attrs[k] = v
	}
	attrs["source"] = n.source
	return codegen.NodeSpec{
		ID:         n.id,
		Name:       n.name,
		Variant:    "custom",
		Ports:      n.ports(),
		Attributes: attrs,
	}
}
