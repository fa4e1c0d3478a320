package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/batlogic/axiom/pkg/engine"
	"github.com/batlogic/axiom/pkg/telemetry"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), memoryPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: memoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected the health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected Migrate to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected an error for an empty path")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"compile_runs", "error_entries", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	if err := store.Migrate(ctx); err != nil {
		t.Errorf("expected a second migration to be a no-op, got: %v", err)
	}
}

func TestStore_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "axiom.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.RecordCompileRun(ctx, &CompileRun{Surface: "main", Pass: 1, Status: RunStatusOK}); err != nil {
		t.Fatalf("RecordCompileRun failed: %v", err)
	}
	_ = store.Close()

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	runs, err := reopened.ListCompileRuns(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("ListCompileRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected the run to persist, got %d runs", len(runs))
	}
}

func TestCompileRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	msg := "[script] script of node lfo failed"
	first := &CompileRun{
		Surface:   "main",
		Pass:      1,
		Status:    RunStatusPartial,
		Compiled:  3,
		Failed:    1,
		Duration:  1500 * time.Microsecond,
		Error:     &msg,
		StartedAt: start,
	}
	if err := store.RecordCompileRun(ctx, first); err != nil {
		t.Fatalf("RecordCompileRun failed: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected an ID to be assigned")
	}

	got, err := store.GetCompileRun(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetCompileRun failed: %v", err)
	}
	opts := cmp.Options{
		cmpopts.EquateApproxTime(time.Millisecond),
	}
	if diff := cmp.Diff(first, got, opts); diff != "" {
		t.Errorf("compile run mismatch (-want +got):\n%s", diff)
	}

	second := &CompileRun{Surface: "aux", Pass: 2, Status: RunStatusOK, StartedAt: start.Add(time.Minute)}
	if err := store.RecordCompileRun(ctx, second); err != nil {
		t.Fatalf("RecordCompileRun failed: %v", err)
	}

	all, err := store.ListCompileRuns(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListCompileRuns failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != second.ID {
		t.Errorf("expected newest first, got %+v", all)
	}

	main, _ := store.ListCompileRuns(ctx, "main", 0, 0)
	if len(main) != 1 || main[0].ID != first.ID {
		t.Errorf("expected only the main run, got %+v", main)
	}

	deleted, err := store.DeleteCompileRunsBefore(ctx, start.Add(30*time.Second))
	if err != nil {
		t.Fatalf("DeleteCompileRunsBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 run deleted, got %d", deleted)
	}
	if _, err := store.GetCompileRun(ctx, first.ID); err == nil {
		t.Error("expected the old run to be gone")
	}
}

func TestErrorSink_AppendAndClear(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	loc := engine.SourceLocation{Surface: "s1", Node: "n1", Line: 2, Column: 5}
	entry := engine.ErrorEntry{
		ID:       "e1",
		Location: loc,
		Class:    engine.ErrorClassScript,
		Code:     "SCRIPT_FAILED",
		Message:  "script of node lfo failed",
		Time:     time.Now(),
	}
	if err := store.AppendError(ctx, entry); err != nil {
		t.Fatalf("AppendError failed: %v", err)
	}
	if err := store.AppendError(ctx, entry); err != nil {
		t.Fatalf("expected a repeated entry to be ignored, got: %v", err)
	}
	other := engine.ErrorEntry{ID: "e2", Location: engine.SourceLocation{Surface: "s2", Group: "g1"}, Class: engine.ErrorClassType, Message: "type mismatch"}
	if err := store.AppendError(ctx, other); err != nil {
		t.Fatalf("AppendError failed: %v", err)
	}

	active, err := store.ListErrors(ctx, ErrorFilter{})
	if err != nil {
		t.Fatalf("ListErrors failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active errors, got %d", len(active))
	}

	scripts, _ := store.ListErrors(ctx, ErrorFilter{Class: string(engine.ErrorClassScript)})
	if len(scripts) != 1 || scripts[0].Location() != loc {
		t.Errorf("expected the script error at %+v, got %+v", loc, scripts)
	}

	if err := store.ClearErrors(ctx, engine.SourceLocation{Surface: "s1", Node: "n1"}); err != nil {
		t.Fatalf("ClearErrors failed: %v", err)
	}
	if active, _ := store.ListErrors(ctx, ErrorFilter{Surface: "s1"}); len(active) != 1 {
		t.Error("expected a different location to leave the entry active")
	}

	if err := store.ClearErrors(ctx, loc); err != nil {
		t.Fatalf("ClearErrors failed: %v", err)
	}
	if active, _ := store.ListErrors(ctx, ErrorFilter{Surface: "s1"}); len(active) != 0 {
		t.Errorf("expected no active error on s1, got %+v", active)
	}
	history, _ := store.ListErrors(ctx, ErrorFilter{Surface: "s1", IncludeCleared: true})
	if len(history) != 1 || history[0].Active() {
		t.Errorf("expected the cleared entry to be kept, got %+v", history)
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	runID := "run-1"
	details := `{"pass":1}`
	events := []*Event{
		{RunID: &runID, Type: telemetry.EventTypeCompileStarted, Level: EventLevelInfo, Message: "started", Timestamp: time.Now().Add(-time.Second)},
		{RunID: &runID, Type: telemetry.EventTypeUnitFailed, Level: EventLevelError, Message: "failed", Details: &details},
		{Type: telemetry.EventTypePolicyViolation, Level: EventLevelWarning, Message: "lint"},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if e.ID == 0 {
			t.Error("expected an event ID")
		}
	}

	got, err := store.GetEvents(ctx, &runID, nil, 0, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for the run, got %d", len(got))
	}
	if got[0].Message != "failed" || got[0].Details == nil || *got[0].Details != details {
		t.Errorf("expected the newest event first with details, got %+v", got[0])
	}

	level := EventLevelWarning
	warnings, _ := store.GetEvents(ctx, nil, &level, 0, 0)
	if len(warnings) != 1 || warnings[0].RunID != nil {
		t.Errorf("expected one warning without a run, got %+v", warnings)
	}

	page, _ := store.GetEvents(ctx, nil, nil, 1, 1)
	if len(page) != 1 {
		t.Errorf("expected a page of one event, got %d", len(page))
	}
}

func TestEventRecorder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ep, err := telemetry.NewEventPublisher(telemetry.TestConfig().Events)
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	defer func() { _ = ep.Shutdown(ctx) }()

	var failures []error
	ep.Subscribe(store.EventRecorder(ctx, func(err error) { failures = append(failures, err) }), nil)

	if err := ep.PublishCompileStarted("run-7", "surface-1", 3); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := ep.PublishPolicyViolation("custom-script", "empty script"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(failures) > 0 {
		t.Fatalf("unexpected write failures: %v", failures)
	}
	got, _ := store.GetEvents(ctx, nil, nil, 0, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 recorded events, got %d", len(got))
	}
	var started *Event
	for _, e := range got {
		if e.Type == telemetry.EventTypeCompileStarted {
			started = e
		}
	}
	if started == nil || started.RunID == nil || *started.RunID != "run-7" || started.Surface == nil {
		t.Errorf("expected the run and surface to be kept, got %+v", started)
	}
}

func TestSurfaceError(t *testing.T) {
	a := engine.NewStructuralError("cycle", nil).WithSurface("a")
	b := engine.NewStructuralError("cycle", nil).WithSurface("b")
	joined := errors.Join(a, b)

	err := surfaceError(joined, "a")
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Surface != "a" {
		t.Errorf("expected the error of surface a, got %v", err)
	}
	if j, ok := err.(interface{ Unwrap() []error }); !ok || len(j.Unwrap()) != 1 {
		t.Errorf("expected exactly one error, got %v", err)
	}
	if err := surfaceError(joined, "c"); err != nil {
		t.Errorf("expected no error for surface c, got %v", err)
	}
	if err := surfaceError(engine.ErrClosed, "c"); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("expected an unlocated error to apply to every surface, got %v", err)
	}
	if err := surfaceError(nil, "a"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
