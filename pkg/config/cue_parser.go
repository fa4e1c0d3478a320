package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
	"github.com/go-playground/validator/v10"
)

// PatchParser parses and validates CUE patch descriptions.
type PatchParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewPatchParser creates a new patch parser.
func NewPatchParser() *PatchParser {
	sr := NewSchemaRegistry()
	return &PatchParser{
		ctx:            sr.Context(),
		schemaRegistry: sr,
		validator:      validator.New(),
	}
}

// Parse parses a patch from the given files and directories. Multiple
// sources are unified into one patch. Problems with the patch content are
// reported in Patch.Errors; the returned error is reserved for sources that
// cannot be read at all.
func (pp *PatchParser) Parse(ctx context.Context, sources []string) (*Patch, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = pp.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs = pp.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}
		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return &Patch{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: parseErrors}, nil
	}
	return pp.extract(cueValue, sourceFiles), nil
}

// ParseBytes parses a single patch held in memory. filename is used in
// error positions.
func (pp *PatchParser) ParseBytes(ctx context.Context, filename string, data []byte) *Patch {
	val := pp.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return &Patch{
			SourceFiles: []string{filename},
			ParsedAt:    time.Now(),
			Errors:      pp.convertCUEErrors(err, filename),
		}
	}
	return pp.extract(val, []string{filename})
}

// ParseInline parses inline CUE content.
func (pp *PatchParser) ParseInline(ctx context.Context, content string) *Patch {
	return pp.ParseBytes(ctx, "inline", []byte(content))
}

// loadDirectory loads a directory as a CUE package.
func (pp *PatchParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, pp.convertCUEErrors(inst.Err, "")
	}

	val := pp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, pp.convertCUEErrors(err, "")
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

// loadFile loads a single CUE file.
func (pp *PatchParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := pp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, pp.convertCUEErrors(err, path)
	}
	return val, nil
}

// extract checks val against the patch schema and decodes it.
func (pp *PatchParser) extract(val cue.Value, sourceFiles []string) *Patch {
	patch := &Patch{SourceFiles: sourceFiles, ParsedAt: time.Now()}
	preferred := ""
	if len(sourceFiles) == 1 {
		preferred = sourceFiles[0]
	}

	if err := pp.schemaRegistry.Check("patch", val); err != nil {
		patch.Errors = pp.convertCUEErrors(err, preferred)
		return patch
	}

	schema, _ := pp.schemaRegistry.GetSchema("patch")
	unified := schema.Unify(val)
	if err := unified.Decode(patch); err != nil {
		patch.Errors = append(patch.Errors, ValidationError{
			Message:  fmt.Sprintf("failed to decode patch: %v", err),
			Severity: "error",
		})
		return patch
	}

	surfaces := cue.Str("surfaces")
	for _, name := range patch.SurfaceNames() {
		sv := val.LookupPath(cue.MakePath(surfaces, cue.Str(name)))
		pp.annotate(sv, patch.Surfaces[name])
	}

	c := checker{patch: patch, validate: pp.validator}
	for _, name := range patch.SurfaceNames() {
		c.surface("surfaces."+name, patch.Surfaces[name])
	}
	return patch
}

// annotate records the source positions of a surface and its nodes.
func (pp *PatchParser) annotate(val cue.Value, sp *SurfacePatch) {
	if sp == nil {
		return
	}
	sp.Pos = position(val.Pos())
	nodes := cue.Str("nodes")
	for _, name := range sp.NodeNames() {
		nv := val.LookupPath(cue.MakePath(nodes, cue.Str(name)))
		np := sp.Nodes[name]
		np.Pos = position(nv.Pos())
		if np.Surface != nil {
			pp.annotate(nv.LookupPath(cue.MakePath(cue.Str("surface"))), np.Surface)
		}
	}
}

func position(p token.Pos) Position {
	if !p.IsValid() {
		return Position{}
	}
	return Position{File: p.Filename(), Line: p.Line(), Column: p.Column()}
}

// convertCUEErrors converts CUE errors to ValidationError slice. When an
// error has several positions the first one inside preferred wins.
func (pp *PatchParser) convertCUEErrors(err error, preferred string) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var pos token.Pos
		for _, p := range errors.Positions(e) {
			if !pos.IsValid() {
				pos = p
			}
			if preferred != "" && p.Filename() == preferred {
				pos = p
				break
			}
		}
		at := position(pos)

		validationErrors = append(validationErrors, ValidationError{
			File:     at.File,
			Line:     at.Line,
			Column:   at.Column,
			Path:     strings.Join(e.Path(), "."),
			Message:  strings.TrimSpace(errors.Details(e, nil)),
			Severity: "error",
		})
	}

	return validationErrors
}

// LoadFromDirectory lists all CUE files below a directory.
func (pp *PatchParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}

// checker cross-checks references inside a decoded patch that the schema
// cannot express: wire and value paths must name nodes of their surface.
type checker struct {
	patch    *Patch
	validate *validator.Validate
}

func (c *checker) fail(path string, pos Position, format string, args ...interface{}) {
	c.patch.Errors = append(c.patch.Errors, ValidationError{
		File:     pos.File,
		Line:     pos.Line,
		Column:   pos.Column,
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
		Severity: "error",
	})
}

func (c *checker) surface(path string, sp *SurfacePatch) {
	if sp == nil {
		return
	}
	for _, name := range sp.NodeNames() {
		np := sp.Nodes[name]
		npath := path + ".nodes." + name
		if err := c.validate.Struct(np); err != nil {
			c.fail(npath, np.Pos, "%v", err)
			continue
		}
		if np.Kind == KindModule {
			c.surface(npath+".surface", np.Surface)
			for _, port := range sortedKeys(np.Expose) {
				if !c.hasNode(np.Surface, np.Expose[port]) {
					c.fail(npath+".expose."+port, np.Pos, "exposed control %q names no node of the child surface", np.Expose[port])
				}
			}
		}
	}

	for i, w := range sp.Wires {
		if len(w) != 2 {
			c.fail(fmt.Sprintf("%s.wires[%d]", path, i), sp.Pos, "a wire joins exactly two controls")
			continue
		}
		if w[0] == w[1] {
			c.fail(fmt.Sprintf("%s.wires[%d]", path, i), sp.Pos, "cannot wire %s to itself", w[0])
		}
		for _, end := range w {
			c.endpoint(fmt.Sprintf("%s.wires[%d]", path, i), sp, end)
		}
	}
	for _, p := range sortedKeys(sp.Values) {
		c.endpoint(path+".values", sp, p)
	}
	for _, p := range sp.Extracted {
		c.endpoint(path+".extracted", sp, p)
	}
}

// endpoint checks that p names a node of sp and, for nodes whose controls
// are known statically, one of its controls.
func (c *checker) endpoint(path string, sp *SurfacePatch, p string) {
	node, control, ok := splitPath(p)
	if !ok {
		c.fail(path, sp.Pos, "%q is not a node.control path", p)
		return
	}
	np, ok := sp.Nodes[node]
	if !ok {
		c.fail(path, sp.Pos, "%q names no node of the surface", p)
		return
	}
	switch np.Kind {
	case KindIO:
		if control != "value" {
			c.fail(path, np.Pos, "io node %s only has the control \"value\"", node)
		}
	case KindModule:
		if _, ok := np.Expose[control]; !ok {
			c.fail(path, np.Pos, "module node %s exposes no control %q", node, control)
		}
	}
}

func (c *checker) hasNode(sp *SurfacePatch, p string) bool {
	node, _, ok := splitPath(p)
	if !ok || sp == nil {
		return false
	}
	_, ok = sp.Nodes[node]
	return ok
}
