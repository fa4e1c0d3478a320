package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

const midiPolicy = `# MIDI ports are not allowed
# on this rig.
# severity: critical
# tags: ports, midi

package axiom.custom.midi

import rego.v1

deny contains "no midi" if {
	some node in input.patch.nodes
	node.type == "midi"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoader_LoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "no-midi.rego")
	writeFile(t, path, midiPolicy)

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no-midi" {
		t.Errorf("expected name no-midi, got %s", policy.Name)
	}
	if policy.Description != "MIDI ports are not allowed on this rig." {
		t.Errorf("unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("expected critical severity, got %s", policy.Severity)
	}
	if diff := cmp.Diff([]string{"ports", "midi"}, policy.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if !policy.Enabled || policy.Source != path {
		t.Errorf("unexpected policy %+v", policy)
	}
}

func TestLoader_LoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	data, err := json.Marshal(Policy{Name: "json-policy", Rego: midiPolicy, Enabled: true})
	if err != nil {
		t.Fatalf("failed to marshal policy: %v", err)
	}
	path := filepath.Join(dir, "policy.json")
	writeFile(t, path, string(data))

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "json-policy" || policy.Severity != SeverityWarning {
		t.Errorf("unexpected policy %+v", policy)
	}
	if policy.CreatedAt.IsZero() {
		t.Error("expected a creation time")
	}

	empty := filepath.Join(dir, "empty.json")
	writeFile(t, empty, `{"name": "empty"}`)
	if _, err := loader.loadFromFile(context.Background(), empty); err == nil {
		t.Error("expected an error for a policy without rego")
	}

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{`)
	if _, err := loader.loadFromFile(context.Background(), bad); err == nil {
		t.Error("expected an error for malformed JSON")
	}
}

func TestLoader_LoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	writeFile(t, filepath.Join(dir, "a.rego"), midiPolicy)
	writeFile(t, filepath.Join(sub, "b.rego"), midiPolicy)
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a policy")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"a", "b"}, names); diff != "" {
		t.Errorf("loaded policies mismatch (-want +got):\n%s", diff)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected an error for a missing path")
	}
}

func TestLoader_Cache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "cached.rego")
	writeFile(t, path, midiPolicy)

	first, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	writeFile(t, path, "# severity: info\npackage x\n")
	second, _ := loader.loadFromFile(context.Background(), path)
	if first != second {
		t.Error("expected the cached policy to be returned")
	}

	loader.ClearCache()
	third, _ := loader.loadFromFile(context.Background(), path)
	if third.Severity != SeverityInfo {
		t.Errorf("expected the file to be read again, got severity %s", third.Severity)
	}
}

func TestLoader_LoadBundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "bundle.json")

	data, _ := json.Marshal(PolicyBundle{
		Name:    "rig",
		Version: "1.0.0",
		Policies: []Policy{
			{Name: "no-midi", Rego: midiPolicy, Enabled: true},
			{Name: "strict", Rego: midiPolicy, Severity: SeverityError},
		},
	})
	writeFile(t, path, string(data))

	bundle, err := loader.LoadBundle(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadBundle failed: %v", err)
	}
	if bundle.Name != "rig" || len(bundle.Policies) != 2 {
		t.Fatalf("unexpected bundle %+v", bundle)
	}
	if bundle.Policies[0].Severity != SeverityWarning || bundle.Policies[1].Severity != SeverityError {
		t.Errorf("unexpected severities %s, %s", bundle.Policies[0].Severity, bundle.Policies[1].Severity)
	}
}

func TestLoader_Watch(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.rego")
	writeFile(t, path, midiPolicy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 1)
	err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		select {
		case reloaded <- p:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, path, "# severity: info\npackage axiom.custom.watched\n")

	select {
	case policies := <-reloaded:
		if len(policies) != 1 || policies[0].Severity != SeverityInfo {
			t.Errorf("expected the edited policy, got %+v", policies)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the reload")
	}
}
