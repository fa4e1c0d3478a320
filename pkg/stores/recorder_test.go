package stores

import (
	"context"
	"testing"

	"github.com/batlogic/axiom/pkg/engine"
)

func TestErrorSink_MirrorsRuntime(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rt := engine.New(engine.WithErrorSink(store))
	defer func() { _ = rt.Close() }()

	s, err := rt.NewRootSurface("main")
	if err != nil {
		t.Fatalf("NewRootSurface failed: %v", err)
	}
	fx, err := s.AddCustomNode(ctx, "fx", "controls = [control(1)]")
	if err == nil {
		t.Fatal("expected the script to fail")
	}

	results, err := rt.Compile(ctx)
	if err != nil {
		t.Fatalf("expected the failure to be isolated, got: %v", err)
	}
	runs, err := store.RecordResults(ctx, results, err, []string{"main.cue"})
	if err != nil {
		t.Fatalf("RecordResults failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != RunStatusPartial || runs[0].Surface != "main" {
		t.Fatalf("expected one partial run for main, got %+v", runs)
	}
	if runs[0].Source == nil || *runs[0].Source != "main.cue" {
		t.Errorf("expected the source to be recorded, got %v", runs[0].Source)
	}

	active, err := store.ListErrors(ctx, ErrorFilter{})
	if err != nil {
		t.Fatalf("ListErrors failed: %v", err)
	}
	if len(active) != 1 || active[0].Class != string(engine.ErrorClassScript) || active[0].Node != fx.ID() {
		t.Fatalf("expected the script failure of fx to be mirrored, got %+v", active)
	}

	if err := fx.SetScript(ctx, `controls = [control("out", NUM, WRITE)]`); err != nil {
		t.Fatalf("SetScript failed: %v", err)
	}
	results, err = rt.Compile(ctx)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	runs, _ = store.RecordResults(ctx, results, err, nil)
	if len(runs) != 1 || runs[0].Status != RunStatusOK {
		t.Errorf("expected a clean run, got %+v", runs)
	}

	if active, _ := store.ListErrors(ctx, ErrorFilter{}); len(active) != 0 {
		t.Errorf("expected the mirrored error to be cleared, got %+v", active)
	}
	history, _ := store.ListErrors(ctx, ErrorFilter{IncludeCleared: true})
	if len(history) != 1 {
		t.Errorf("expected the history to keep one entry, got %d", len(history))
	}

	results, err = rt.Compile(ctx)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if run := NewCompileRun(results[0], err); run.Status != RunStatusSkipped {
		t.Errorf("expected a clean surface to be skipped, got %s", run.Status)
	}

	all, _ := store.ListCompileRuns(ctx, "main", 0, 0)
	if len(all) != 2 {
		t.Errorf("expected 2 recorded runs, got %d", len(all))
	}
}
