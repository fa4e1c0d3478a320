package engine_test

import (
	"errors"
	"fmt"
	"log"

	"github.com/batlogic/axiom/pkg/engine"
)

// Example_dependencyGraph builds the compile order of three nodes where an
// oscillator feeds a filter that feeds an output port.
func Example_dependencyGraph() {
	b := engine.NewDAGBuilder()
	for _, v := range []engine.Vertex{
		{ID: "osc", Label: "osc", Variant: "custom"},
		{ID: "filter", Label: "filter", Variant: "custom"},
		{ID: "out", Label: "out", Variant: "io"},
	} {
		if err := b.AddVertex(v); err != nil {
			log.Fatal(err)
		}
	}
	for _, e := range []engine.Edge{
		{From: "osc", To: "filter", Via: "osc.out"},
		{From: "filter", To: "out", Via: "filter.out"},
	} {
		if err := b.AddEdge(e); err != nil {
			log.Fatal(err)
		}
	}

	graph, err := b.Build()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("order:", graph.Order)
	fmt.Println("depth:", graph.Depth)
	fmt.Println("roots:", graph.Roots)
	// Output:
	// order: [osc filter out]
	// depth: 3
	// roots: [osc]
}

// Example_dependencyCycle shows that a feedback loop is reported as a
// structural error.
func Example_dependencyCycle() {
	b := engine.NewDAGBuilder()
	_ = b.AddVertex(engine.Vertex{ID: "a", Label: "a"})
	_ = b.AddVertex(engine.Vertex{ID: "b", Label: "b"})
	_ = b.AddEdge(engine.Edge{From: "a", To: "b"})
	_ = b.AddEdge(engine.Edge{From: "b", To: "a"})

	_, err := b.Build()
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		fmt.Println(ee.Class, ee.Code)
	}
	// Output: structural CYCLE
}
