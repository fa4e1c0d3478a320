package codegen

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/batlogic/axiom/pkg/values"
)

// NativeBackend is the in-process backend. It allocates value storage for
// accessors and records the structure of nodes and links without generating
// machine code.
type NativeBackend struct {
	live     atomic.Int64
	compiled atomic.Int64
}

// NewNativeBackend creates a new native backend.
func NewNativeBackend() *NativeBackend {
	return &NativeBackend{}
}

// Name implements Backend.
func (b *NativeBackend) Name() string { return "native" }

// Live returns the number of modules built and not yet released.
func (b *NativeBackend) Live() int64 { return b.live.Load() }

// Compiled returns the number of modules built since creation.
func (b *NativeBackend) Compiled() int64 { return b.compiled.Load() }

// CompileControl implements Backend.
func (b *NativeBackend) CompileControl(ctx context.Context, spec ControlSpec) (Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Kind != values.KindNum && spec.Kind != values.KindMidi {
		return nil, fmt.Errorf("unsupported value kind: %s", spec.Kind)
	}
	m := b.newModule(spec.Name, "control")
	m.storage = values.NewStorage(spec.Kind, spec.Voices)
	return m, nil
}

// CompileNode implements Backend.
func (b *NativeBackend) CompileNode(ctx context.Context, spec NodeSpec) (Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, p := range spec.Ports {
		if p.Slot == nil {
			return nil, fmt.Errorf("node %s: port %s is not bound to a value", spec.Name, p.Name)
		}
	}
	for _, c := range spec.Children {
		if c.Released() {
			return nil, fmt.Errorf("node %s: child module %s was already released", spec.Name, c.ID())
		}
	}
	m := b.newModule(spec.Name, spec.Variant)
	m.children = append([]Module(nil), spec.Children...)
	m.ports = append([]PortSpec(nil), spec.Ports...)
	m.bridges = append([]Bridge(nil), spec.Bridges...)
	return m, nil
}

// Link implements Backend.
func (b *NativeBackend) Link(ctx context.Context, spec LinkSpec) (Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, c := range spec.Modules {
		if c.Released() {
			return nil, fmt.Errorf("link %s: module %s was already released", spec.Name, c.ID())
		}
	}
	m := b.newModule(spec.Name, "surface")
	m.children = append([]Module(nil), spec.Modules...)
	return m, nil
}

func (b *NativeBackend) newModule(name, variant string) *nativeModule {
	b.live.Add(1)
	b.compiled.Add(1)
	return &nativeModule{
		id:      uuid.New().String(),
		name:    name,
		variant: variant,
		owner:   b,
	}
}

type nativeModule struct {
	id       string
	name     string
	variant  string
	storage  *values.Storage
	children []Module
	ports    []PortSpec
	bridges  []Bridge
	released atomic.Bool
	owner    *NativeBackend
}

func (m *nativeModule) ID() string               { return m.id }
func (m *nativeModule) Name() string             { return m.name }
func (m *nativeModule) Storage() *values.Storage { return m.storage }
func (m *nativeModule) Children() []Module       { return m.children }
func (m *nativeModule) Released() bool           { return m.released.Load() }

// Release drops the module's reference to its storage. The memory itself is
// reclaimed by the garbage collector once no slot points at it.
func (m *nativeModule) Release() {
	if m.released.CompareAndSwap(false, true) {
		m.owner.live.Add(-1)
	}
}

// Variant returns the kind of unit a native module was built for.
func Variant(m Module) string {
	if nm, ok := m.(*nativeModule); ok {
		return nm.variant
	}
	return ""
}

// Ports returns the ports recorded on a native node module.
func Ports(m Module) []PortSpec {
	if nm, ok := m.(*nativeModule); ok {
		return nm.ports
	}
	return nil
}
