package config

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Preset: {
	name:  string
	voices: int & >=1 & <=32
}
`

	err := sr.RegisterSchema("preset", customSchema)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("preset")
	if !ok {
		t.Fatal("expected to find preset schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	if err := sr.RegisterSchema("broken", "#Broken: {"); err == nil {
		t.Error("expected a compile error for a broken schema")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	if diff := cmp.Diff([]string{"node", "patch", "surface"}, sr.ListSchemas()); diff != "" {
		t.Errorf("built-in schemas mismatch (-want +got):\n%s", diff)
	}
}

func TestSchemaRegistry_ValidateNode(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		node    NodePatch
		wantErr bool
	}{
		{name: "custom", node: NodePatch{Kind: KindCustom, Script: "controls = []"}},
		{name: "io", node: NodePatch{Kind: KindIO, Direction: "write", Type: "midi"}},
		{name: "io defaults to num", node: NodePatch{Kind: KindIO, Direction: "read"}},
		{name: "module", node: NodePatch{Kind: KindModule}},
		{name: "unknown kind", node: NodePatch{Kind: "mixer"}, wantErr: true},
		{name: "io without direction", node: NodePatch{Kind: KindIO}, wantErr: true},
		{name: "io with bad type", node: NodePatch{Kind: KindIO, Direction: "read", Type: "audio"}, wantErr: true},
		{name: "direction on module", node: NodePatch{Kind: KindModule, Direction: "read"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateNode(ctx, tt.node)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateNode() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_ValidateSurface(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	ok := SurfacePatch{
		Nodes: map[string]*NodePatch{"in": {Kind: KindIO, Direction: "read"}},
		Wires: [][]string{{"a.out", "in.value"}},
	}
	if err := sr.ValidateSurface(ctx, ok); err != nil {
		t.Errorf("expected a valid surface, got: %v", err)
	}

	bad := SurfacePatch{Wires: [][]string{{"a.out"}}}
	if err := sr.ValidateSurface(ctx, bad); err == nil {
		t.Error("expected a one-ended wire to be rejected")
	}

	if err := sr.ValidateAgainstSchema(ctx, "missing", ok); err == nil {
		t.Error("expected an error for an unknown schema")
	}
}
