package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/batlogic/axiom/pkg/engine"
	"github.com/batlogic/axiom/pkg/stores"
)

// ExampleOpen demonstrates opening a migrated store.
func ExampleOpen() {
	store, err := stores.Open(context.Background(), ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_RecordCompileRun demonstrates recording a compile pass.
func ExampleSQLiteStore_RecordCompileRun() {
	ctx := context.Background()
	store, _ := stores.Open(ctx, ":memory:")
	defer store.Close()

	run := &stores.CompileRun{
		Surface:  "main",
		Pass:     1,
		Status:   stores.RunStatusOK,
		Compiled: 4,
		Duration: 2 * time.Millisecond,
	}
	if err := store.RecordCompileRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	runs, _ := store.ListCompileRuns(ctx, "main", 10, 0)
	fmt.Printf("%s pass %d: %s, %d units\n", runs[0].Surface, runs[0].Pass, runs[0].Status, runs[0].Compiled)
	// Output: main pass 1: ok, 4 units
}

// ExampleSQLiteStore_ListErrors demonstrates mirroring the engine error log.
func ExampleSQLiteStore_ListErrors() {
	ctx := context.Background()
	store, _ := stores.Open(ctx, ":memory:")
	defer store.Close()

	rt := engine.New(engine.WithErrorSink(store))
	defer rt.Close()

	s, _ := rt.NewRootSurface("main")
	_, _ = s.AddCustomNode(ctx, "fx", "controls = [control(1)]")
	_, _ = rt.Compile(ctx)

	records, _ := store.ListErrors(ctx, stores.ErrorFilter{})
	for _, r := range records {
		fmt.Printf("%s error, active=%v\n", r.Class, r.Active())
	}
	// Output: script error, active=true
}
