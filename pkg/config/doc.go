// Package config loads axiom settings and patch descriptions and applies
// patches to a running engine.
//
// # Settings
//
// Settings are read from YAML and checked with validator tags. Sections
// configure the runtime, telemetry, the SQLite store and patch policies:
//
//	runtime:
//	  voices: 16
//	  release_delay: 2
//	  backend: native
//	  script_timeout: 5s
//	telemetry:
//	  logging: {level: debug, format: console}
//	store:
//	  path: axiom.db
//
// # Patches
//
// A patch describes the root surfaces of a runtime in CUE. Node names are
// keys; wires, values and extracted groups address controls as
// "node.control":
//
//	surfaces: main: {
//	    nodes: {
//	        lfo:  {kind: "custom", script: "controls = [control(\"out\", NUM, WRITE)]"}
//	        gain: {kind: "io", direction: "read"}
//	        voice: {
//	            kind: "module"
//	            surface: nodes: pitch: {kind: "io", direction: "read"}
//	            expose: pitch: "pitch.value"
//	        }
//	    }
//	    wires: [["lfo.out", "gain.value"], ["lfo.out", "voice.pitch"]]
//	    values: "gain.value": 0.5
//	}
//
// PatchParser unifies the sources with a built-in schema, decodes them and
// cross-checks references. Every problem is reported as a ValidationError
// carrying the file, line and column it was found at.
//
// # Applying
//
// Applier diffs a patch against the live surfaces. Nodes that are still
// described keep their handles, custom node scripts are replaced in place,
// and wires are connected or disconnected one by one, so applying an edited
// patch only dirties what changed.
package config
