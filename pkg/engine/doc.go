// Package engine provides the incremental compilation engine behind the axiom
// dataflow editor.
//
// # Overview
//
// A graph is assembled from nodes placed on surfaces. Every node owns typed,
// directional controls, and controls that are wired together share one value
// through a ControlGroup. The engine turns edits of that graph into compiled
// modules, rebuilding only the parts that went stale:
//
//  1. Edit - add and remove nodes, connect and disconnect controls
//  2. Invalidate - the touched units are marked dirty, up to the root surface
//  3. Order - nodes are sorted so writers of a value build before its readers
//  4. Build - dirty groups, then dirty nodes, are compiled off to the side
//  5. Link - node modules are linked into one surface module
//  6. Publish - group storage is swapped into its value slot, modules are
//     installed and replaced modules are retired
//
// # Core Types
//
//   - Runtime: the compilation context; owns root surfaces, the backend, the
//     error log and the notification topics
//   - Surface: a compilation unit; a RootSurface or the ChildSurface of a
//     ModuleNode
//   - Node: a sealed interface over *ModuleNode, *IONode and *CustomNode
//   - Control: one parameter or port of a node
//   - ControlGroup: the controls sharing a value, and its compiled accessor
//   - RuntimeUnit: the dirty flag and module ownership shared by groups,
//     nodes and surfaces
//
// Nodes, controls and groups live in per-surface arenas and refer to each
// other by generation-stamped handles. A handle to a removed entity stops
// resolving instead of dangling.
//
// # Error Classification
//
// Failures are classified by how far they propagate:
//
//   - Structural: cycles and broken group membership; abort the surface pass
//   - Type: incompatible control types; isolated to the units involved
//   - Script: custom node logic that failed to evaluate; isolated to the node
//   - Backend: the code generator failed; isolated to the unit
//   - Lifecycle: closed runtime, removed entity or reentrant compile
//
// Every failure raised by a pass is written to the runtime's ErrorLog, keyed
// by source location, and cleared again once the unit compiles.
//
// # Example Usage
//
//	rt := engine.New(engine.WithLogger(logger))
//	defer rt.Close()
//
//	root, _ := rt.NewRootSurface("main")
//	in, _ := root.AddIONode(ctx, "in", values.KindNum, true, false)
//	gain, _ := root.AddCustomNode(ctx, "gain", src)
//	g, _ := gain.Control("in")
//	_ = root.Connect(in.Port(), g)
//
//	if _, err := root.Compile(ctx); err != nil {
//	    // structural failure; the previous module is still published
//	}
//	in.Group().SetNumValue(values.Mono(0.5, values.FormAmplitude))
//
// # Thread Safety
//
// Graph mutation and compilation belong to a single edit goroutine and
// compiles are not reentrant. The execution goroutine only reads and writes
// values through ControlGroup.Slot, which never blocks or allocates. Replaced
// modules are released only after DefaultReleaseDelay further passes, so a
// reader holding the previous storage is never left with a released module.
package engine
