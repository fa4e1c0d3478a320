// Package codegen defines the narrow contract between the compilation engine
// and a code-generation backend.
//
// The engine never inspects a backend's internals. It hands over a typed
// description (a ControlSpec for a value accessor, a NodeSpec for a node, a
// LinkSpec for a surface) and receives an opaque Module back. A Module can be
// asked for the storage behind its primary value slot and can be linked as a
// child of another Module.
package codegen

import (
	"context"

	"github.com/batlogic/axiom/pkg/values"
)

// Module is an opaque compiled artifact.
type Module interface {
	// ID uniquely identifies this artifact. Recompiling a unit yields a
	// module with a new ID.
	ID() string

	// Name is the human readable name of the unit the module was built for.
	Name() string

	// Storage returns the backing storage of the module's primary value slot,
	// or nil when the module has none.
	Storage() *values.Storage

	// Children returns the modules linked beneath this one.
	Children() []Module

	// Release frees backend resources. It must only be called once no reader
	// can still reach the module.
	Release()

	// Released reports whether Release has been called.
	Released() bool
}

// Backend produces modules.
type Backend interface {
	// Name identifies the backend.
	Name() string

	// CompileControl builds the accessor module for a shared value.
	CompileControl(ctx context.Context, spec ControlSpec) (Module, error)

	// CompileNode builds the module for one node.
	CompileNode(ctx context.Context, spec NodeSpec) (Module, error)

	// Link composes node modules into a surface module.
	Link(ctx context.Context, spec LinkSpec) (Module, error)
}

// ControlSpec describes the value accessor of a control group.
type ControlSpec struct {
	// ID is the stable identity of the group being compiled.
	ID   string
	Name string
	Kind values.Kind

	// Voices is the number of instances the storage must hold.
	Voices int

	// Extracted values are addressable from outside the owning surface.
	Extracted bool

	// Exposed, Read and Written mirror the group's derived predicates.
	Exposed bool
	Read    bool
	Written bool
}

// PortSpec describes one control of a node.
type PortSpec struct {
	Name  string
	Kind  values.Kind
	Read  bool
	Write bool

	// Group is the ID of the control group the port is bound to.
	Group string

	// Slot is the stable value handle of that group.
	Slot *values.Slot
}

// Bridge binds a control inside a child surface to a control of the node
// that hosts it.
type Bridge struct {
	Name  string
	Outer *values.Slot
	Inner *values.Slot
}

// NodeSpec describes a node.
type NodeSpec struct {
	ID   string
	Name string

	// Variant names the node kind: "module", "io" or "custom".
	Variant string
	Ports   []PortSpec

	// Children are linked beneath the node module; a module node carries its
	// child surface here.
	Children []Module
	Bridges  []Bridge

	// Attributes carry variant specific data such as a custom node's script
	// globals.
	Attributes map[string]interface{}
}

// LinkSpec describes a surface link.
type LinkSpec struct {
	ID      string
	Name    string
	Modules []Module
}
