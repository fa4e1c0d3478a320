package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/batlogic/axiom/pkg/codegen"
	"github.com/batlogic/axiom/pkg/telemetry"
)

func TestSurface_Compile_Idempotent(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)
	b := addCustom(t, s, "b", sinkScript)
	if err := s.Connect(mustControl(t, a, "out"), mustControl(t, b, "in")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	first := mustCompile(t, s)
	if first.Skipped || first.Module == nil {
		t.Fatalf("Expected a real first pass, got %+v", first)
	}
	if !first.OK() {
		t.Fatalf("Expected no failures, got %v", first.Failed)
	}
	if s.Dirty() || a.Dirty() || b.Dirty() {
		t.Error("Expected every unit to be clean")
	}

	second := mustCompile(t, s)
	if !second.Skipped {
		t.Error("Expected the second pass to be skipped")
	}
	if second.Module != first.Module || s.Compiled() != first.Module {
		t.Error("Expected the same module to be returned")
	}
	if second.Pass <= first.Pass {
		t.Errorf("Expected pass number to advance, got %d after %d", second.Pass, first.Pass)
	}
}

func TestSurface_Compile_OnlyDirtyUnits(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)
	b := addCustom(t, s, "b", sinkScript)
	mustCompile(t, s)
	aModule := a.Compiled()

	if err := b.SetScript(context.Background(), throughScript); err != nil {
		t.Fatalf("SetScript failed: %v", err)
	}
	res := mustCompile(t, s)

	if a.Compiled() != aModule {
		t.Error("Expected clean node to keep its module")
	}
	for _, id := range res.Compiled {
		if id == a.ID() {
			t.Error("Expected clean node not to be rebuilt")
		}
	}
	found := false
	for _, id := range res.Compiled {
		if id == b.ID() {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected edited node in %v", res.Compiled)
	}
}

func TestSurface_Compile_PartialFailureIsolation(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)
	b := addCustom(t, s, "b", sinkScript)
	c := addCustom(t, s, "c", midiScript)

	// b's numeric input is forced into the group of c's MIDI output.
	if err := s.AttachControl(mustControl(t, b, "in"), mustGroup(t, mustControl(t, c, "notes"))); err != nil {
		t.Fatalf("AttachControl failed: %v", err)
	}

	res, err := s.Compile(context.Background())
	if err != nil {
		t.Fatalf("Expected isolated failure, got pass error: %v", err)
	}
	if res.OK() {
		t.Fatal("Expected failures in the result")
	}
	if res.Module == nil || s.Compiled() == nil {
		t.Fatal("Expected the surface module to be published")
	}
	if a.Dirty() || a.Compiled() == nil {
		t.Error("Expected the healthy node to compile")
	}
	for _, n := range []Node{b, c} {
		if !n.Dirty() {
			t.Errorf("Expected %s to stay dirty", n.Name())
		}
		if !IsType(n.Err()) {
			t.Errorf("Expected type error on %s, got %v", n.Name(), n.Err())
		}
		if got := len(rt.Errors().ForNode(n.ID())); got != 1 {
			t.Errorf("Expected 1 entry for %s, got %d", n.Name(), got)
		}
	}
	if !s.Dirty() {
		t.Error("Expected surface to stay dirty while units fail")
	}

	if err := b.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	res = mustCompile(t, s)
	if !res.OK() {
		t.Fatalf("Expected clean pass after the fix, got %v", res.Failed)
	}
	if c.Dirty() || c.Err() != nil {
		t.Error("Expected c to compile once the mismatch is gone")
	}
	if n := rt.Errors().Len(); n != 0 {
		t.Errorf("Expected an empty error log, got %d entries: %+v", n, rt.Errors().Entries())
	}
}

func TestSurface_Compile_TypeChangeAfterConnect(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)
	b := addCustom(t, s, "b", sinkScript)
	if err := s.Connect(mustControl(t, a, "out"), mustControl(t, b, "in")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	mustCompile(t, s)

	if err := b.SetScript(context.Background(), `controls = [control("in", MIDI, READ)]`); err != nil {
		t.Fatalf("SetScript failed: %v", err)
	}
	res := mustCompile(t, s)
	if res.OK() {
		t.Fatal("Expected the type change to fail the group")
	}
	if !IsType(a.Err()) || !IsType(b.Err()) {
		t.Errorf("Expected both members to fail with a type error: a=%v b=%v", a.Err(), b.Err())
	}
	if a.Compiled() == nil {
		t.Error("Expected the previous module to stay in place")
	}
}

func TestSurface_Compile_CycleRejected(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	x := addCustom(t, s, "x", throughScript)
	y := addCustom(t, s, "y", throughScript)
	if err := s.Connect(mustControl(t, x, "out"), mustControl(t, y, "in")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	good := mustCompile(t, s)

	if err := s.Connect(mustControl(t, y, "out"), mustControl(t, x, "in")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	res, err := s.Compile(context.Background())
	if !IsStructural(err) || !errors.Is(err, ErrCycle) {
		t.Fatalf("Expected cycle error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "x -> y -> x") && !strings.Contains(err.Error(), "y -> x -> y") {
		t.Errorf("Expected the cycle path in %q", err.Error())
	}
	if res.Module != good.Module || s.Compiled() != good.Module {
		t.Error("Expected the previous surface module to remain published")
	}
	if n := len(rt.Errors().ForSurface(s.ID())); n != 1 {
		t.Errorf("Expected 1 surface entry, got %d", n)
	}
	if _, err := s.CompileOrder(); !errors.Is(err, ErrCycle) {
		t.Errorf("Expected CompileOrder to report the cycle, got: %v", err)
	}

	if err := s.Disconnect(mustControl(t, y, "out"), mustControl(t, x, "in")); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	mustCompile(t, s)
	if n := rt.Errors().Len(); n != 0 {
		t.Errorf("Expected the cycle entry to clear, got %d entries", n)
	}
}

func TestSurface_Compile_SelfLoopIsCycle(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	x := addCustom(t, s, "x", throughScript)
	if err := s.Connect(mustControl(t, x, "out"), mustControl(t, x, "in")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := s.Compile(context.Background()); !errors.Is(err, ErrCycle) {
		t.Errorf("Expected cycle error for a node feeding itself, got: %v", err)
	}
}

func TestSurface_Compile_DuplicateMembership(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)
	b := addCustom(t, s, "b", sinkScript)
	aOut := mustControl(t, a, "out")

	// Corrupt the bookkeeping the way a broken restore would.
	gb := mustGroup(t, mustControl(t, b, "in"))
	gb.members[aOut.Handle()] = struct{}{}

	_, err := s.Compile(context.Background())
	if !IsStructural(err) || errCode(err) != ErrCodeDuplicateMembership {
		t.Fatalf("Expected DUPLICATE_MEMBERSHIP, got: %v", err)
	}
	if s.Compiled() != nil {
		t.Error("Expected nothing to be published")
	}
}

func TestSurface_Compile_Order(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	// Placed in reverse so insertion order alone would be wrong.
	sink := addCustom(t, s, "sink", sinkScript)
	mid := addCustom(t, s, "mid", throughScript)
	src := addCustom(t, s, "src", sourceScript)

	if err := s.Connect(mustControl(t, src, "out"), mustControl(t, mid, "in")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := s.Connect(mustControl(t, mid, "out"), mustControl(t, sink, "in")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	order, err := s.CompileOrder()
	if err != nil {
		t.Fatalf("CompileOrder failed: %v", err)
	}
	var names []string
	for _, n := range order {
		names = append(names, n.Name())
	}
	if diff := cmp.Diff([]string{"src", "mid", "sink"}, names); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}

	dot, err := s.DOT()
	if err != nil {
		t.Fatalf("DOT failed: %v", err)
	}
	if !strings.Contains(dot, "digraph CompileOrder") || !strings.Contains(dot, "mid.in") {
		t.Errorf("Unexpected DOT output:\n%s", dot)
	}
}

func TestSurface_Compile_BackendFailureIsolation(t *testing.T) {
	backend := newFaultyBackend()
	rt := newTestRuntime(t, WithBackend(backend))
	s := newTestSurface(t, rt)
	good := addCustom(t, s, "good", sourceScript)
	bad := addCustom(t, s, "bad", sinkScript)
	backend.failNode("bad", true)

	res, err := s.Compile(context.Background())
	if err != nil {
		t.Fatalf("Expected isolated failure, got: %v", err)
	}
	if len(res.Failed) != 1 || !IsBackend(res.Failed[0]) {
		t.Fatalf("Expected 1 backend failure, got %v", res.Failed)
	}
	if good.Dirty() || good.Compiled() == nil {
		t.Error("Expected the healthy node to compile")
	}
	if !bad.Dirty() || !IsBackend(bad.Err()) {
		t.Errorf("Expected the failing node to carry a backend error, got %v", bad.Err())
	}

	backend.failNode("bad", false)
	res = mustCompile(t, s)
	if !res.OK() || bad.Dirty() {
		t.Errorf("Expected recovery once the backend works, got %v", res.Failed)
	}
	if rt.Errors().Len() != 0 {
		t.Errorf("Expected an empty error log, got %d entries", rt.Errors().Len())
	}
}

func TestSurface_Compile_GroupFailureBlocksNodes(t *testing.T) {
	backend := newFaultyBackend()
	backend.failGroups(true)
	rt := newTestRuntime(t, WithBackend(backend))
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)

	res, err := s.Compile(context.Background())
	if err != nil {
		t.Fatalf("Expected isolated failure, got: %v", err)
	}
	if res.OK() {
		t.Fatal("Expected the group failure in the result")
	}
	if !a.Dirty() || !IsBackend(a.Err()) || errCode(a.Err()) != ErrCodeGroupFailed {
		t.Fatalf("Expected the node to fail on its group, got dirty=%v err=%v", a.Dirty(), a.Err())
	}
	if got := len(rt.Errors().ForNode(a.ID())); got != 1 {
		t.Errorf("Expected 1 entry for the blocked node, got %d", got)
	}
	if _, err := a.Compile(context.Background()); !IsBackend(err) {
		t.Errorf("Expected the node compile to report the blocked group, got: %v", err)
	}

	backend.failGroups(false)
	if _, err := a.Compile(context.Background()); err != nil {
		t.Fatalf("Expected recovery once the backend works, got: %v", err)
	}
	if a.Dirty() || a.Err() != nil || a.Compiled() == nil {
		t.Errorf("Expected the node to compile, got dirty=%v err=%v", a.Dirty(), a.Err())
	}
	if n := rt.Errors().Len(); n != 0 {
		t.Errorf("Expected an empty error log, got %d entries", n)
	}
}

func TestSurface_Compile_LogsGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLoggerWithWriter(&buf, telemetry.LoggingConfig{Level: "debug", Format: "json"})
	rt := newTestRuntime(t, WithLogger(logger))
	s := newTestSurface(t, rt)
	addCustom(t, s, "osc", sourceScript)

	mustCompile(t, s)
	out := buf.String()
	if !strings.Contains(out, `"group":"osc.out"`) || !strings.Contains(out, "Group built") {
		t.Errorf("Expected a group build entry, got:\n%s", out)
	}
}

func TestSurface_Compile_LinkFailure(t *testing.T) {
	backend := newFaultyBackend()
	rt := newTestRuntime(t, WithBackend(backend))
	s := newTestSurface(t, rt)
	a := addCustom(t, s, "a", sourceScript)
	prev := mustCompile(t, s).Module

	if err := a.SetScript(context.Background(), throughScript); err != nil {
		t.Fatalf("SetScript failed: %v", err)
	}
	live := backend.Live()
	backend.failLink = true

	_, err := s.Compile(context.Background())
	if !IsBackend(err) {
		t.Fatalf("Expected a backend error, got: %v", err)
	}
	if s.Compiled() != prev {
		t.Error("Expected the previous surface module to remain")
	}
	if !a.Dirty() {
		t.Error("Expected the node to stay dirty")
	}
	if got := backend.Live(); got != live {
		t.Errorf("Expected staged modules to be released, live went from %d to %d", live, got)
	}
}

func TestSurface_Compile_ReentrantRejected(t *testing.T) {
	backend := newFaultyBackend()
	rt := newTestRuntime(t, WithBackend(backend))
	s := newTestSurface(t, rt)
	addCustom(t, s, "a", sourceScript)

	var inner error
	backend.onCompileNode = func(codegen.NodeSpec) {
		_, inner = s.Compile(context.Background())
	}
	mustCompile(t, s)

	if !errors.Is(inner, ErrReentrant) {
		t.Errorf("Expected a reentrant compile to be refused, got: %v", inner)
	}
}

func TestSurface_Compile_NotificationsAfterUnlock(t *testing.T) {
	rt := newTestRuntime(t)
	s := newTestSurface(t, rt)
	addCustom(t, s, "a", sourceScript)

	var (
		events []RecompiledEvent
		inner  error
	)
	sub := rt.Recompiled().Subscribe(func(ev RecompiledEvent) {
		events = append(events, ev)
		// Handlers run after the pass released the compile lock.
		_, inner = ev.Surface.Compile(context.Background())
	})
	defer sub.Unsubscribe()

	res := mustCompile(t, s)
	if inner != nil {
		t.Errorf("Expected compile from a handler to be allowed, got: %v", inner)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 recompiled event, got %d", len(events))
	}
	if events[0].Module != res.Module || events[0].Pass != res.Pass {
		t.Errorf("Unexpected event %+v", events[0])
	}
	if diff := cmp.Diff(res.Compiled, events[0].Units); diff != "" {
		t.Errorf("Units mismatch (-result +event):\n%s", diff)
	}
}

func TestSurface_Compile_ErrorNotifications(t *testing.T) {
	backend := newFaultyBackend()
	rt := newTestRuntime(t, WithBackend(backend))
	s := newTestSurface(t, rt)
	bad := addCustom(t, s, "bad", sourceScript)
	backend.failNode("bad", true)

	var (
		raised  []ErrorRaisedEvent
		cleared []ErrorClearedEvent
	)
	defer rt.ErrorRaised().Subscribe(func(ev ErrorRaisedEvent) { raised = append(raised, ev) }).Unsubscribe()
	defer rt.ErrorCleared().Subscribe(func(ev ErrorClearedEvent) { cleared = append(cleared, ev) }).Unsubscribe()

	mustCompile(t, s)
	if len(raised) != 1 || raised[0].Entry.Location.Node != bad.ID() {
		t.Fatalf("Expected 1 raised entry for the node, got %+v", raised)
	}

	backend.failNode("bad", false)
	mustCompile(t, s)
	if len(cleared) != 1 || cleared[0].Location.Node != bad.ID() {
		t.Errorf("Expected the node entry to clear, got %+v", cleared)
	}
}

func TestSurface_Compile_ClosedRuntime(t *testing.T) {
	rt := New()
	s, err := rt.NewRootSurface("main")
	if err != nil {
		t.Fatalf("NewRootSurface failed: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.Compile(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got: %v", err)
	}
}
