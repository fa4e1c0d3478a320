package policy

import (
	"strconv"
	"strings"
	"time"
)

// MaxModuleDepth is the deepest module nesting the module-depth policy
// accepts.
const MaxModuleDepth = 8

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		nodeNamingPolicy(),
		customScriptPolicy(),
		danglingPortPolicy(),
		duplicateWirePolicy(),
		moduleDepthPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Rego:        rego,
		Severity:    severity,
		Enabled:     true,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// nodeNamingPolicy enforces node naming conventions.
func nodeNamingPolicy() Policy {
	return builtin("node-naming",
		"Node names should be lowercase letters, digits and underscores, starting with a letter",
		SeverityWarning, []string{"naming", "conventions"},
		`package axiom.policies.naming

import rego.v1

deny contains violation if {
	some node in input.patch.nodes
	not regex.match("^[a-z][a-z0-9_]*$", node.name)
	violation := {
		"message": sprintf("node name '%s' should be lowercase snake_case", [node.name]),
		"node": node.path,
	}
}
`)
}

// customScriptPolicy rejects custom nodes that declare nothing.
func customScriptPolicy() Policy {
	return builtin("custom-script",
		"Custom nodes must carry a non-empty script",
		SeverityError, []string{"scripts"},
		`package axiom.policies.scripts

import rego.v1

deny contains violation if {
	some node in input.patch.nodes
	node.kind == "custom"
	trim_space(object.get(node, "script", "")) == ""
	violation := {
		"message": sprintf("custom node '%s' has an empty script", [node.name]),
		"node": node.path,
	}
}
`)
}

// danglingPortPolicy warns about root ports nothing is wired to.
func danglingPortPolicy() Policy {
	return builtin("dangling-port",
		"IO nodes on a root surface should be wired",
		SeverityWarning, []string{"wiring"},
		`package axiom.policies.ports

import rego.v1

wired(surface, endpoint) if {
	some wire in input.patch.wires
	wire.surface == surface
	endpoint in [wire.from, wire.to]
}

deny contains violation if {
	some node in input.patch.nodes
	node.kind == "io"
	node.depth == 0
	not wired(node.surface, sprintf("%s.value", [node.name]))
	violation := {
		"message": sprintf("io node '%s' is not wired", [node.name]),
		"node": node.path,
	}
}
`)
}

// duplicateWirePolicy warns about wires listed more than once in either
// direction.
func duplicateWirePolicy() Policy {
	return builtin("duplicate-wire",
		"A wire should be listed once per surface",
		SeverityWarning, []string{"wiring"},
		`package axiom.policies.wires

import rego.v1

deny contains violation if {
	some i, a in input.patch.wires
	some j, b in input.patch.wires
	i < j
	a.surface == b.surface
	{a.from, a.to} == {b.from, b.to}
	violation := {
		"message": sprintf("wire %s - %s is listed twice (wires[%d] and wires[%d])", [a.from, a.to, a.index, b.index]),
		"node": a.surface,
	}
}
`)
}

// moduleDepthPolicy limits module nesting.
func moduleDepthPolicy() Policy {
	return builtin("module-depth",
		"Modules must not nest deeper than the configured limit",
		SeverityError, []string{"structure"},
		strings.ReplaceAll(`package axiom.policies.depth

import rego.v1

max_depth := {{max_depth}}

deny contains violation if {
	some surface in input.patch.surfaces
	surface.depth > max_depth
	violation := {
		"message": sprintf("surface '%s' is nested %d modules deep, the limit is %d", [surface.path, surface.depth, max_depth]),
		"node": surface.path,
	}
}
`, "{{max_depth}}", strconv.Itoa(MaxModuleDepth)))
}
