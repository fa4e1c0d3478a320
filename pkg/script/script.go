// Package script evaluates the Starlark logic attached to custom nodes.
//
// A custom node script is an ordinary Starlark file. Evaluation runs it in a
// sandboxed thread with a step budget and the caller's deadline, then reads
// the declarations it left behind in its globals:
//
//	controls = [
//	    control("in", NUM, READ),
//	    control("gain", NUM, WRITE, exposed = True, default = 0.5),
//	    {"name": "notes", "type": "midi", "direction": "read"},
//	]
//
// Scripts never touch values. They only describe the shape of the node.
package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// DefaultMaxSteps bounds how much work a single evaluation may perform.
const DefaultMaxSteps = 1_000_000

// Evaluator executes custom node scripts.
type Evaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewEvaluator creates a new evaluator. A zero timeout defaults to five
// seconds.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Evaluator{
		timeout:  timeout,
		maxSteps: DefaultMaxSteps,
	}
}

// Result is the outcome of a successful evaluation.
type Result struct {
	// Output holds the script's public globals converted to Go values.
	Output map[string]interface{}

	// Controls are the control declarations found in the "controls" global.
	Controls []ControlDecl

	// ExecutionTime is how long evaluation took.
	ExecutionTime time.Duration
}

// ControlDecl declares one control of a custom node.
type ControlDecl struct {
	Name      string
	Type      string
	Direction string
	Exposed   bool
	Default   *float64
}

// Error is a script failure with the position it occurred at. Line and
// Column are zero when the position is unknown.
type Error struct {
	Line   int
	Column int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Msg)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Evaluate executes src, named filename in positions, and extracts its
// control declarations.
func (ev *Evaluator) Evaluate(ctx context.Context, filename, src string) (*Result, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, ev.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  filename,
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(ev.maxSteps)

	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(fmt.Sprintf("execution timeout after %v", ev.timeout))
	})
	defer stop()

	globals, err := starlark.ExecFile(thread, filename, src, predeclared())
	if err != nil {
		return nil, positioned(err)
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, &Error{Msg: fmt.Sprintf("global %s: %v", name, err), Err: err}
		}
		output[name] = goVal
	}

	decls, err := declarations(output["controls"])
	if err != nil {
		return nil, &Error{Msg: err.Error(), Err: err}
	}

	return &Result{
		Output:        output,
		Controls:      decls,
		ExecutionTime: time.Since(startTime),
	}, nil
}

// positioned converts Starlark's error types into an *Error carrying the
// innermost source position.
func positioned(err error) *Error {
	var syn syntax.Error
	if errors.As(err, &syn) {
		return &Error{Line: int(syn.Pos.Line), Column: int(syn.Pos.Col), Msg: syn.Msg, Err: err}
	}
	var list resolve.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		return &Error{Line: int(list[0].Pos.Line), Column: int(list[0].Pos.Col), Msg: list[0].Msg, Err: err}
	}
	var eval *starlark.EvalError
	if errors.As(err, &eval) {
		for i := len(eval.CallStack) - 1; i >= 0; i-- {
			if pos := eval.CallStack[i].Pos; pos.Line > 0 {
				return &Error{Line: int(pos.Line), Column: int(pos.Col), Msg: eval.Msg, Err: err}
			}
		}
		return &Error{Msg: eval.Msg, Err: err}
	}
	return &Error{Msg: err.Error(), Err: err}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"control":   starlark.NewBuiltin("control", builtinControl),
		"NUM":       starlark.String("num"),
		"MIDI":      starlark.String("midi"),
		"READ":      starlark.String("read"),
		"WRITE":     starlark.String("write"),
		"READWRITE": starlark.String("readwrite"),
	}
}

// builtinControl implements control(name, type, direction="read", exposed=False, default=None).
func builtinControl(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name, typ string
		direction       = "read"
		exposed         bool
		def             starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "type", &typ, "direction?", &direction, "exposed?", &exposed, "default?", &def); err != nil {
		return nil, err
	}

	dict := starlark.NewDict(5)
	_ = dict.SetKey(starlark.String("name"), starlark.String(name))
	_ = dict.SetKey(starlark.String("type"), starlark.String(typ))
	_ = dict.SetKey(starlark.String("direction"), starlark.String(direction))
	_ = dict.SetKey(starlark.String("exposed"), starlark.Bool(exposed))
	if def != starlark.None {
		if _, ok := starlark.AsFloat(def); !ok {
			return nil, fmt.Errorf("%s: default must be a number, got %s", b.Name(), def.Type())
		}
		_ = dict.SetKey(starlark.String("default"), def)
	}
	return dict, nil
}

func declarations(raw interface{}) ([]ControlDecl, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("controls must be a list, got %T", raw)
	}

	seen := make(map[string]bool, len(list))
	decls := make([]ControlDecl, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("controls[%d] must be a dict, got %T", i, item)
		}
		d := ControlDecl{Direction: "read"}
		if d.Name, ok = m["name"].(string); !ok || d.Name == "" {
			return nil, fmt.Errorf("controls[%d]: name is required", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("controls[%d]: duplicate control %q", i, d.Name)
		}
		seen[d.Name] = true
		if d.Type, ok = m["type"].(string); !ok {
			return nil, fmt.Errorf("control %s: type is required", d.Name)
		}
		if dir, ok := m["direction"].(string); ok {
			d.Direction = dir
		}
		if exp, ok := m["exposed"].(bool); ok {
			d.Exposed = exp
		}
		switch def := m["default"].(type) {
		case nil:
		case float64:
			d.Default = &def
		case int64:
			f := float64(def)
			d.Default = &f
		default:
			return nil, fmt.Errorf("control %s: default must be a number", d.Name)
		}
		decls = append(decls, d)
	}
	return decls, nil
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
