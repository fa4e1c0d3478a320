package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/batlogic/axiom/pkg/codegen"
)

// Node scripts shared by the engine tests.
const (
	sourceScript  = `controls = [control("out", NUM, WRITE, default = 0.25)]`
	sinkScript    = `controls = [control("in", NUM, READ)]`
	throughScript = `controls = [control("in", NUM, READ), control("out", NUM, WRITE)]`
	midiScript    = `controls = [control("notes", MIDI, WRITE)]`
)

func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt := New(opts...)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func newTestSurface(t *testing.T, rt *Runtime) *Surface {
	t.Helper()
	s, err := rt.NewRootSurface("main")
	if err != nil {
		t.Fatalf("Failed to create root surface: %v", err)
	}
	return s
}

func addCustom(t *testing.T, s *Surface, name, src string) *CustomNode {
	t.Helper()
	n, err := s.AddCustomNode(context.Background(), name, src)
	if err != nil {
		t.Fatalf("Failed to add custom node %s: %v", name, err)
	}
	return n
}

func mustControl(t *testing.T, n Node, name string) *Control {
	t.Helper()
	c, ok := n.Control(name)
	if !ok {
		t.Fatalf("Node %s has no control %q", n.Name(), name)
	}
	return c
}

func mustGroup(t *testing.T, c *Control) *ControlGroup {
	t.Helper()
	g, ok := c.Surface().GroupOf(c)
	if !ok {
		t.Fatalf("Control %s has no group", c.Name())
	}
	return g
}

func mustCompile(t *testing.T, s *Surface) *CompileResult {
	t.Helper()
	res, err := s.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return res
}

func errCode(err error) string {
	var eerr *EngineError
	if errors.As(err, &eerr) {
		return eerr.Code
	}
	return ""
}

// assertExclusive checks that every control is a member of exactly the group
// it points at, and of no other.
func assertExclusive(t *testing.T, s *Surface) {
	t.Helper()
	seen := make(map[ControlHandle]GroupHandle)
	for _, g := range s.Groups() {
		if g.Len() == 0 {
			t.Errorf("Group %s is empty", g.Handle())
		}
		for _, h := range g.Members() {
			if other, dup := seen[h]; dup {
				t.Errorf("Control %s is in groups %s and %s", h, other, g.Handle())
			}
			seen[h] = g.Handle()
		}
	}
	for _, c := range s.Controls() {
		gh, ok := seen[c.Handle()]
		if !ok {
			t.Errorf("Control %s belongs to no group", c.Name())
			continue
		}
		if gh != c.Group() {
			t.Errorf("Control %s points at %s but is a member of %s", c.Name(), c.Group(), gh)
		}
	}
}

// faultyBackend wraps the native backend and fails on demand.
type faultyBackend struct {
	*codegen.NativeBackend

	mu            sync.Mutex
	failNodes     map[string]bool
	failControls  bool
	failLink      bool
	onCompileNode func(spec codegen.NodeSpec)
}

func newFaultyBackend() *faultyBackend {
	return &faultyBackend{NativeBackend: codegen.NewNativeBackend(), failNodes: make(map[string]bool)}
}

func (b *faultyBackend) failNode(name string, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNodes[name] = fail
}

func (b *faultyBackend) failGroups(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failControls = fail
}

func (b *faultyBackend) CompileControl(ctx context.Context, spec codegen.ControlSpec) (codegen.Module, error) {
	b.mu.Lock()
	fail := b.failControls
	b.mu.Unlock()
	if fail {
		return nil, errors.New("injected control failure")
	}
	return b.NativeBackend.CompileControl(ctx, spec)
}

func (b *faultyBackend) CompileNode(ctx context.Context, spec codegen.NodeSpec) (codegen.Module, error) {
	if b.onCompileNode != nil {
		b.onCompileNode(spec)
	}
	b.mu.Lock()
	fail := b.failNodes[spec.Name]
	b.mu.Unlock()
	if fail {
		return nil, errors.New("injected node failure")
	}
	return b.NativeBackend.CompileNode(ctx, spec)
}

func (b *faultyBackend) Link(ctx context.Context, spec codegen.LinkSpec) (codegen.Module, error) {
	b.mu.Lock()
	fail := b.failLink
	b.mu.Unlock()
	if fail {
		return nil, errors.New("injected link failure")
	}
	return b.NativeBackend.Link(ctx, spec)
}

// recordingSink is an in-memory ErrorSink.
type recordingSink struct {
	mu       sync.Mutex
	appended []ErrorEntry
	cleared  []SourceLocation
}

func (s *recordingSink) AppendError(_ context.Context, entry ErrorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, entry)
	return nil
}

func (s *recordingSink) ClearErrors(_ context.Context, loc SourceLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, loc)
	return nil
}
