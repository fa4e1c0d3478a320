package policy

import (
	"maps"
	"slices"

	"github.com/batlogic/axiom/pkg/config"
)

// PatchDocument is a patch flattened for Rego. Nested module surfaces are
// listed next to the root surfaces with their path and depth, so policies
// do not need recursion.
type PatchDocument struct {
	Surfaces []SurfaceDoc `json:"surfaces"`
	Nodes    []NodeDoc    `json:"nodes"`
	Wires    []WireDoc    `json:"wires"`
	Values   []ValueDoc   `json:"values"`
}

// SurfaceDoc describes one surface of the patch.
type SurfaceDoc struct {
	Path      string   `json:"path"`
	Depth     int      `json:"depth"`
	Extracted []string `json:"extracted,omitempty"`
}

// NodeDoc describes one node. Depth is 0 for nodes of a root surface.
type NodeDoc struct {
	Surface   string            `json:"surface"`
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	Depth     int               `json:"depth"`
	Kind      string            `json:"kind"`
	Direction string            `json:"direction,omitempty"`
	Type      string            `json:"type,omitempty"`
	Script    string            `json:"script,omitempty"`
	Expose    map[string]string `json:"expose,omitempty"`
	File      string            `json:"file,omitempty"`
	Line      int               `json:"line,omitempty"`
}

// WireDoc describes one wire as written in its surface.
type WireDoc struct {
	Surface string `json:"surface"`
	Index   int    `json:"index"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// ValueDoc describes one initial control value.
type ValueDoc struct {
	Surface string  `json:"surface"`
	Control string  `json:"control"`
	Value   float64 `json:"value"`
}

// NewPatchDocument flattens p. Surfaces and nodes appear in name order.
func NewPatchDocument(p *config.Patch) *PatchDocument {
	doc := &PatchDocument{
		Surfaces: []SurfaceDoc{},
		Nodes:    []NodeDoc{},
		Wires:    []WireDoc{},
		Values:   []ValueDoc{},
	}
	if p == nil {
		return doc
	}
	for _, name := range p.SurfaceNames() {
		doc.addSurface(name, 0, p.Surfaces[name])
	}
	return doc
}

func (d *PatchDocument) addSurface(path string, depth int, s *config.SurfacePatch) {
	if s == nil {
		s = &config.SurfacePatch{}
	}
	d.Surfaces = append(d.Surfaces, SurfaceDoc{Path: path, Depth: depth, Extracted: s.Extracted})

	for _, name := range s.NodeNames() {
		n := s.Nodes[name]
		d.Nodes = append(d.Nodes, NodeDoc{
			Surface:   path,
			Name:      name,
			Path:      path + "/" + name,
			Depth:     depth,
			Kind:      n.Kind,
			Direction: n.Direction,
			Type:      n.Type,
			Script:    n.Script,
			Expose:    n.Expose,
			File:      n.Pos.File,
			Line:      n.Pos.Line,
		})
		if n.Kind == config.KindModule {
			d.addSurface(path+"/"+name, depth+1, n.Surface)
		}
	}

	for i, w := range s.Wires {
		if len(w) != 2 {
			continue
		}
		d.Wires = append(d.Wires, WireDoc{Surface: path, Index: i, From: w[0], To: w[1]})
	}

	for _, ctl := range slices.Sorted(maps.Keys(s.Values)) {
		d.Values = append(d.Values, ValueDoc{Surface: path, Control: ctl, Value: s.Values[ctl]})
	}
}

// nodeByPath finds a node for attaching a source position to a violation.
func (d *PatchDocument) nodeByPath(path string) (NodeDoc, bool) {
	for _, n := range d.Nodes {
		if n.Path == path {
			return n, true
		}
	}
	return NodeDoc{}, false
}
