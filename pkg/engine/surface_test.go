package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/batlogic/axiom/pkg/values"
)

func TestSurface_Connect_LargerGroupAbsorbsSmaller(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)

	a := addCustom(t, s, "a", sourceScript)
	b := addCustom(t, s, "b", sinkScript)
	c := addCustom(t, s, "c", sinkScript)
	aOut, bIn, cIn := mustControl(t, a, "out"), mustControl(t, b, "in"), mustControl(t, c, "in")

	if err := s.Connect(aOut, bIn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	big := mustGroup(t, aOut)
	small := mustGroup(t, cIn)

	if err := s.Connect(cIn, aOut); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if big.Removed() || !small.Removed() {
		t.Fatalf("Expected the larger group to survive: big removed=%v small removed=%v", big.Removed(), small.Removed())
	}
	if big.Len() != 3 {
		t.Errorf("Expected 3 members, got %d", big.Len())
	}
	if !s.Connected(aOut, cIn) || !s.Connected(cIn, aOut) {
		t.Error("Expected wire to be recorded in both orientations")
	}
	if n := len(s.Wires()); n != 2 {
		t.Errorf("Expected 2 wires, got %d", n)
	}
	assertExclusive(t, s)
}

func TestSurface_Connect_SameGroup(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)
	b := addCustom(t, s, "b", sinkScript)
	c := addCustom(t, s, "c", sinkScript)
	aOut, bIn, cIn := mustControl(t, a, "out"), mustControl(t, b, "in"), mustControl(t, c, "in")

	for _, pair := range [][2]*Control{{aOut, bIn}, {aOut, cIn}, {bIn, cIn}} {
		if err := s.Connect(pair[0], pair[1]); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}
	if n := len(s.Groups()); n != 1 {
		t.Errorf("Expected 1 group, got %d", n)
	}
	assertExclusive(t, s)
}

func TestSurface_Connect_TypeMismatch(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)
	m := addCustom(t, s, "m", midiScript)
	aOut, notes := mustControl(t, a, "out"), mustControl(t, m, "notes")

	var raised []ErrorRaisedEvent
	sub := rt.ErrorRaised().Subscribe(func(ev ErrorRaisedEvent) { raised = append(raised, ev) })
	defer sub.Unsubscribe()

	err := s.Connect(aOut, notes)
	if !IsType(err) || !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Expected type mismatch, got: %v", err)
	}
	if s.Connected(aOut, notes) {
		t.Error("Expected no wire after a refused connect")
	}
	if mustGroup(t, aOut) == mustGroup(t, notes) {
		t.Error("Expected groups to stay apart")
	}
	if n := len(rt.Errors().ForNode(m.ID())); n != 1 {
		t.Errorf("Expected 1 error entry at the target node, got %d", n)
	}
	if len(raised) != 1 {
		t.Errorf("Expected 1 raised notification, got %d", len(raised))
	}
	assertExclusive(t, s)
}

func TestSurface_Connect_InvalidArguments(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	other, err := rt.NewRootSurface("other")
	if err != nil {
		t.Fatalf("Failed to create surface: %v", err)
	}
	a := addCustom(t, s, "a", sourceScript)
	b := addCustom(t, other, "b", sinkScript)
	aOut := mustControl(t, a, "out")

	tests := []struct {
		name string
		a, b *Control
		code string
	}{
		{name: "self", a: aOut, b: aOut, code: ErrCodeInvalidArgument},
		{name: "cross surface", a: aOut, b: mustControl(t, b, "in"), code: ErrCodeCrossSurface},
		{name: "nil control", a: aOut, b: nil, code: ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Connect(tt.a, tt.b)
			if got := errCode(err); got != tt.code {
				t.Errorf("Expected code %s, got %q (%v)", tt.code, got, err)
			}
		})
	}
}

func TestSurface_Disconnect_SplitsGroup(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)
	b := addCustom(t, s, "b", sinkScript)
	c := addCustom(t, s, "c", sinkScript)
	aOut, bIn, cIn := mustControl(t, a, "out"), mustControl(t, b, "in"), mustControl(t, c, "in")

	if err := s.Connect(aOut, bIn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := s.Connect(aOut, cIn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	g := mustGroup(t, aOut)
	g.SetExtracted(true)
	mustCompile(t, s)
	g.SetNumValue(values.Mono(0.7, values.FormLinear))

	if err := s.Disconnect(aOut, cIn); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	split := mustGroup(t, cIn)
	if split == g {
		t.Fatal("Expected the disconnected control to move to its own group")
	}
	want := []ControlHandle{aOut.Handle(), bIn.Handle()}
	if diff := cmp.Diff(want, g.Members(), cmp.AllowUnexported(ControlHandle{})); diff != "" {
		t.Errorf("Remaining members mismatch (-want +got):\n%s", diff)
	}
	if got := split.NumValue().Left; got != 0.7 {
		t.Errorf("Expected split group to inherit 0.7, got %v", got)
	}
	if !split.Extracted() {
		t.Error("Expected split group to inherit the extracted flag")
	}
	if !g.Dirty() || !split.Dirty() {
		t.Error("Expected both groups to be dirty")
	}
	assertExclusive(t, s)

	mustCompile(t, s)
	if got := split.NumValue().Left; got != 0.7 {
		t.Errorf("Expected value to survive the compile, got %v", got)
	}
}

func TestSurface_Disconnect_KeepsOtherPaths(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)
	b := addCustom(t, s, "b", sinkScript)
	c := addCustom(t, s, "c", sinkScript)
	aOut, bIn, cIn := mustControl(t, a, "out"), mustControl(t, b, "in"), mustControl(t, c, "in")

	// Triangle: removing one edge leaves the other two connecting all three.
	for _, pair := range [][2]*Control{{aOut, bIn}, {bIn, cIn}, {aOut, cIn}} {
		if err := s.Connect(pair[0], pair[1]); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}
	if err := s.Disconnect(aOut, cIn); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if n := len(s.Groups()); n != 1 {
		t.Errorf("Expected the group to stay whole, got %d groups", n)
	}
	assertExclusive(t, s)
}

func TestSurface_Disconnect_NotConnected(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)
	b := addCustom(t, s, "b", sinkScript)

	err := s.Disconnect(mustControl(t, a, "out"), mustControl(t, b, "in"))
	if errCode(err) != ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND, got: %v", err)
	}
}

func TestSurface_AttachControl_DropsWires(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)

	a := addCustom(t, s, "a", sourceScript)
	b := addCustom(t, s, "b", sinkScript)
	c := addCustom(t, s, "c", sinkScript)
	x := addCustom(t, s, "x", sinkScript)
	aOut, bIn, cIn, xIn := mustControl(t, a, "out"), mustControl(t, b, "in"), mustControl(t, c, "in"), mustControl(t, x, "in")

	if err := s.Connect(aOut, bIn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := s.Connect(aOut, cIn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := s.AttachControl(bIn, mustGroup(t, xIn)); err != nil {
		t.Fatalf("AttachControl failed: %v", err)
	}
	if s.Connected(aOut, bIn) {
		t.Error("Expected the moved control to lose its wire to the old group")
	}
	if !s.Connected(aOut, cIn) || aOut.Group() != cIn.Group() {
		t.Error("Expected the untouched wire to keep a and c together")
	}
	if n := len(s.Wires()); n != 1 {
		t.Errorf("Expected 1 wire left, got %d", n)
	}
	if bIn.Group() != xIn.Group() || bIn.Group() == aOut.Group() {
		t.Error("Expected the moved control to share x's group only")
	}
	assertExclusive(t, s)
	mustCompile(t, s)
}

func TestSurface_RemoveNode_DetachesControls(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)
	b := addCustom(t, s, "b", sinkScript)
	aOut, bIn := mustControl(t, a, "out"), mustControl(t, b, "in")
	if err := s.Connect(aOut, bIn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	mustCompile(t, s)

	if err := b.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !b.Removed() || !bIn.Removed() {
		t.Error("Expected node and control to be marked removed")
	}
	if _, ok := s.Node(b.Handle()); ok {
		t.Error("Expected node handle to stop resolving")
	}
	if _, ok := s.Control(bIn.Handle()); ok {
		t.Error("Expected control handle to stop resolving")
	}
	g := mustGroup(t, aOut)
	if g.Len() != 1 {
		t.Errorf("Expected 1 remaining member, got %d", g.Len())
	}
	if len(s.Wires()) != 0 {
		t.Errorf("Expected wires of the removed control to go, got %d", len(s.Wires()))
	}
	if err := b.Remove(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second remove, got: %v", err)
	}
	assertExclusive(t, s)
	mustCompile(t, s)
}

func TestSurface_RemoveNode_SplitsBridgedGroup(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)
	hub := addCustom(t, s, "hub", sinkScript)
	c := addCustom(t, s, "c", sinkScript)
	aOut, hubIn, cIn := mustControl(t, a, "out"), mustControl(t, hub, "in"), mustControl(t, c, "in")

	// a and c are only joined through hub.
	if err := s.Connect(aOut, hubIn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := s.Connect(hubIn, cIn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := s.RemoveNode(hub.Handle()); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}
	if mustGroup(t, aOut) == mustGroup(t, cIn) {
		t.Error("Expected the group to split once the bridging control went away")
	}
	assertExclusive(t, s)
}

func TestSurface_StaleHandles(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sinkScript)
	oldNode, oldControl := a.Handle(), mustControl(t, a, "in").Handle()

	if err := s.RemoveNode(oldNode); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}
	b := addCustom(t, s, "b", sinkScript)

	if b.Handle().index != oldNode.index {
		t.Fatalf("Expected slot reuse, got index %d", b.Handle().index)
	}
	if _, ok := s.Node(oldNode); ok {
		t.Error("Expected stale node handle to stop resolving after slot reuse")
	}
	if _, ok := s.Control(oldControl); ok {
		t.Error("Expected stale control handle to stop resolving after slot reuse")
	}
	if err := s.RemoveNode(oldNode); errCode(err) != ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND for stale handle, got: %v", err)
	}
}

func TestSurface_NodeNames(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	addCustom(t, s, "a", sinkScript)

	for _, name := range []string{"", "a", "x.y", "x/y"} {
		if _, err := s.AddModuleNode(name); errCode(err) != ErrCodeInvalidArgument {
			t.Errorf("Expected INVALID_ARGUMENT for %q, got: %v", name, err)
		}
	}
	n, ok := s.NodeByName("a")
	if !ok || Variant(n) != "custom" {
		t.Errorf("Expected custom node a, got %v", n)
	}
	c, ok := s.ControlByPath("a.in")
	if !ok || c.Name() != "in" {
		t.Errorf("Expected control a.in, got %v", c)
	}
	if _, ok := s.ControlByPath("a"); ok {
		t.Error("Expected malformed path to fail")
	}
}

func TestSurface_Exclusivity_AcrossEdits(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	ctx := context.Background()

	var outs, ins []*Control
	for _, name := range []string{"n0", "n1", "n2", "n3"} {
		n, err := s.AddCustomNode(ctx, name, throughScript)
		if err != nil {
			t.Fatalf("AddCustomNode failed: %v", err)
		}
		outs = append(outs, mustControl(t, n, "out"))
		ins = append(ins, mustControl(t, n, "in"))
	}

	steps := []func() error{
		func() error { return s.Connect(outs[0], ins[1]) },
		func() error { return s.Connect(outs[1], ins[2]) },
		func() error { return s.Connect(outs[0], ins[3]) },
		func() error { return s.Connect(ins[1], ins[3]) },
		func() error { return s.Disconnect(outs[0], ins[3]) },
		func() error { return mustGroup(t, outs[2]).Absorb(mustGroup(t, ins[2])) },
		func() error { return mustGroup(t, outs[2]).RemoveControl(ins[2].Handle()) },
		func() error { return s.Disconnect(outs[0], ins[1]) },
		func() error { return s.AttachControl(outs[3], mustGroup(t, ins[0])) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
		assertExclusive(t, s)
	}
	if _, err := s.Compile(ctx); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
}

func TestSurface_Ports(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	ctx := context.Background()

	if _, err := s.AddIONode(ctx, "out", values.KindNum, false, true); err != nil {
		t.Fatalf("AddIONode failed: %v", err)
	}
	filter, err := s.AddModuleNode("filter")
	if err != nil {
		t.Fatalf("AddModuleNode failed: %v", err)
	}
	cutoff, err := filter.Child().AddIONode(ctx, "cutoff", values.KindNum, true, false)
	if err != nil {
		t.Fatalf("AddIONode failed: %v", err)
	}

	if diff := cmp.Diff([]string{"filter/cutoff", "out"}, s.Ports()); diff != "" {
		t.Errorf("Ports mismatch (-want +got):\n%s", diff)
	}
	if got, ok := s.Port("filter/cutoff"); !ok || got != cutoff {
		t.Error("Expected nested port to resolve from the root")
	}
	if got, ok := filter.Child().Port("filter/cutoff"); !ok || got != cutoff {
		t.Error("Expected nested port to resolve from the child surface")
	}

	if err := s.RemoveNode(filter.Handle()); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}
	if _, ok := s.Port("filter/cutoff"); ok {
		t.Error("Expected port to be unindexed with its module")
	}
	if !filter.Child().Removed() {
		t.Error("Expected child surface to be destroyed")
	}
}

func TestSurface_String(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	addCustom(t, s, "a", sinkScript)
	if got := s.String(); !strings.Contains(got, "main(root, 1 nodes, 1 groups)") {
		t.Errorf("Unexpected string %q", got)
	}
}
