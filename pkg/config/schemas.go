package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Values checked against
// a schema must be built with the registry's context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, def := range map[string]string{
		"patch":   "#Patch",
		"surface": "#Surface",
		"node":    "#Node",
	} {
		_ = sr.registerDefinition(name, builtinPatchSchema, def)
	}
}

// Context returns the CUE context schemas are compiled in.
func (sr *SchemaRegistry) Context() *cue.Context { return sr.ctx }

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

func (sr *SchemaRegistry) registerDefinition(name, src, def string) error {
	val := sr.ctx.CompileString(src, cue.Filename("builtin.schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	d := val.LookupPath(cue.ParsePath(def))
	if !d.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, def)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = d
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Check unifies val with the named schema and requires the result to be
// concrete.
func (sr *SchemaRegistry) Check(schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(val).Validate(cue.Concrete(true))
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if err := sr.Check(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateNode validates a node description against the node schema.
func (sr *SchemaRegistry) ValidateNode(ctx context.Context, node NodePatch) error {
	return sr.ValidateAgainstSchema(ctx, "node", node)
}

// ValidateSurface validates a surface description against the surface schema.
func (sr *SchemaRegistry) ValidateSurface(ctx context.Context, surface SurfacePatch) error {
	return sr.ValidateAgainstSchema(ctx, "surface", surface)
}

const builtinPatchSchema = `
#Name: =~"^[A-Za-z_][A-Za-z0-9_-]*$"
#Path: =~"^[A-Za-z_][A-Za-z0-9_-]*\\.[A-Za-z_][A-Za-z0-9_-]*$"

#Patch: {
	surfaces: [#Name]: #Surface
}

#Surface: {
	nodes?: [#Name]: #Node
	wires?: [...[#Path, #Path]]
	values?: [#Path]: number
	extracted?: [...#Path]
}

#Node: {
	kind: "module" | "io" | "custom"

	if kind == "io" {
		direction: "read" | "write" | "readwrite"
		type:      *"num" | "number" | "midi" | "event"
	}

	if kind == "custom" {
		script: string
	}

	if kind == "module" {
		surface?: #Surface
		expose?: [#Name]: #Path
	}
}
`
