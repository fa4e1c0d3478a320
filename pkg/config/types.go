package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Node kinds accepted in a patch description.
const (
	KindModule = "module"
	KindIO     = "io"
	KindCustom = "custom"
)

// Patch is the parsed description of a runtime's root surfaces.
type Patch struct {
	// Surfaces maps a root surface name to its description.
	Surfaces map[string]*SurfacePatch `json:"surfaces"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"-"`

	// ParsedAt is when the patch was parsed.
	ParsedAt time.Time `json:"-"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"-"`
}

// SurfacePatch describes the nodes, wires and values of one surface.
type SurfacePatch struct {
	// Nodes maps a node name to its description.
	Nodes map[string]*NodePatch `json:"nodes,omitempty"`

	// Wires lists pairs of "node.control" paths.
	Wires [][]string `json:"wires,omitempty"`

	// Values sets the value of the group holding each "node.control" path.
	Values map[string]float64 `json:"values,omitempty"`

	// Extracted lists "node.control" paths whose groups are extracted.
	Extracted []string `json:"extracted,omitempty"`

	Pos Position `json:"-"`
}

// NodePatch describes one node.
type NodePatch struct {
	// Kind is module, io or custom.
	Kind string `json:"kind" validate:"required,oneof=module io custom"`

	// Direction of an io node (read, write, readwrite).
	Direction string `json:"direction,omitempty" validate:"omitempty,oneof=read write readwrite"`

	// Type of an io node (num, midi). Defaults to num.
	Type string `json:"type,omitempty" validate:"omitempty,oneof=num number midi event"`

	// Script is the logic of a custom node.
	Script string `json:"script,omitempty"`

	// Surface is the child surface of a module node.
	Surface *SurfacePatch `json:"surface,omitempty"`

	// Expose maps a control name on a module node to the "node.control"
	// path of the child control it mirrors.
	Expose map[string]string `json:"expose,omitempty"`

	Pos Position `json:"-"`
}

// Position is a location in a patch source file.
type Position struct {
	File   string
	Line   int
	Column int
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the patch path of the error (e.g., "surfaces.main.nodes.osc").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// Err joins the patch's errors, or returns nil when there are none.
func (p *Patch) Err() error {
	if len(p.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(p.Errors))
	for i, e := range p.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%d validation errors:\n  %s", len(p.Errors), strings.Join(msgs, "\n  "))
}

// SurfaceNames returns the root surface names in sorted order.
func (p *Patch) SurfaceNames() []string {
	return sortedKeys(p.Surfaces)
}

// NodeNames returns the node names in sorted order.
func (sp *SurfacePatch) NodeNames() []string {
	if sp == nil {
		return nil
	}
	return sortedKeys(sp.Nodes)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// splitPath splits "node.control".
func splitPath(path string) (node, control string, ok bool) {
	node, control, ok = strings.Cut(path, ".")
	return node, control, ok && node != "" && control != ""
}
