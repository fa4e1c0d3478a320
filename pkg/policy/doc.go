// Package policy lints patch descriptions with Open Policy Agent (OPA) Rego
// policies before they are applied to a runtime.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	result, err := eng.Evaluate(ctx, patch)
//	if err != nil {
//	    return err
//	}
//	for _, w := range result.Warnings {
//	    fmt.Println(w)
//	}
//	if err := result.Err(); err != nil {
//	    return err
//	}
//
// # Input
//
// Policies see the patch flattened into lists under input.patch: surfaces
// (path, depth), nodes (surface, name, path, depth, kind, direction, type,
// script, expose), wires (surface, index, from, to) and values. Nodes of a
// module's child surface are listed with the path "main/voice" as their
// surface and a depth one greater than the module's.
//
// # Built-in Policies
//
//   - node-naming (warning): node names are lowercase snake_case
//   - custom-script (error): custom nodes carry a non-empty script
//   - dangling-port (warning): io nodes on root surfaces are wired
//   - duplicate-wire (warning): a wire is listed once per surface
//   - module-depth (error): modules nest at most MaxModuleDepth deep
//
// # Custom Policies
//
// A policy defines a deny set in its own package. Entries are strings or
// objects with message, node and an optional severity overriding the
// policy's:
//
//	# Gain ports must be read-only.
//	# severity: error
//	package axiom.custom.gain
//
//	import rego.v1
//
//	deny contains violation if {
//	    some node in input.patch.nodes
//	    node.name == "gain"
//	    node.direction != "read"
//	    violation := {"message": "gain must be read-only", "node": node.path}
//	}
//
// In enforcing mode error and critical violations refuse the patch; in
// advisory mode they are only reported. Loader.Watch together with
// Engine.ReplacePolicies reloads policy files while a patch is being
// edited.
package policy
