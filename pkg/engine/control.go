package engine

import (
	"fmt"

	"github.com/batlogic/axiom/pkg/values"
)

// Direction is the I/O direction of a control, seen from its node.
type Direction uint8

const (
	// DirRead controls are read by their node.
	DirRead Direction = 1 << iota

	// DirWrite controls are written by their node.
	DirWrite

	// DirReadWrite controls are both read and written.
	DirReadWrite = DirRead | DirWrite
)

// Reads reports whether the direction includes reading.
func (d Direction) Reads() bool { return d&DirRead != 0 }

// Writes reports whether the direction includes writing.
func (d Direction) Writes() bool { return d&DirWrite != 0 }

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	case DirReadWrite:
		return "readwrite"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ParseDirection returns the direction with the given name.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "read", "":
		return DirRead, nil
	case "write":
		return DirWrite, nil
	case "readwrite":
		return DirReadWrite, nil
	default:
		return 0, NewTypeError(fmt.Sprintf("unknown direction %q", s), nil).WithCode(ErrCodeInvalidArgument)
	}
}

// ParseKind returns the value kind with the given name.
func ParseKind(s string) (values.Kind, error) {
	switch s {
	case "num", "number", "":
		return values.KindNum, nil
	case "midi", "event":
		return values.KindMidi, nil
	default:
		return 0, NewTypeError(fmt.Sprintf("unknown control type %q", s), nil).WithCode(ErrCodeInvalidArgument)
	}
}

// Control is a single typed, directional parameter or port of one node. It
// belongs to exactly one node and, at any time, to exactly one control group
// of the same surface.
type Control struct {
	surface *Surface
	handle  ControlHandle
	node    NodeHandle
	group   GroupHandle

	name    string
	typ     values.Kind
	dir     Direction
	exposed bool

	def    values.NumValue
	hasDef bool

	removed bool
}

// Handle returns the control's handle within its surface.
func (c *Control) Handle() ControlHandle { return c.handle }

// Surface returns the surface the control lives on.
func (c *Control) Surface() *Surface { return c.surface }

// Node returns the handle of the owning node.
func (c *Control) Node() NodeHandle { return c.node }

// Group returns the handle of the group the control belongs to.
func (c *Control) Group() GroupHandle { return c.group }

// Path returns "node.control" within the control's surface.
func (c *Control) Path() string { return c.surface.controlPath(c) }

// Name returns the control name, unique within its node.
func (c *Control) Name() string { return c.name }

// Type returns the control's value type.
func (c *Control) Type() values.Kind { return c.typ }

// Direction returns the control's I/O direction.
func (c *Control) Direction() Direction { return c.dir }

// Exposed reports whether the control is visible outside its surface.
func (c *Control) Exposed() bool { return c.exposed }

// Removed reports whether the control no longer exists.
func (c *Control) Removed() bool { return c.removed }

// Default returns the value a fresh group storage is seeded with.
func (c *Control) Default() (values.NumValue, bool) { return c.def, c.hasDef }

// SetExposed changes the exposure flag and invalidates the owning group.
func (c *Control) SetExposed(exposed bool) {
	if c.removed || c.exposed == exposed {
		return
	}
	c.exposed = exposed
	c.markGroupDirty()
}

// SetDefault sets the value a newly allocated group storage starts from.
func (c *Control) SetDefault(v values.NumValue) {
	c.def = v
	c.hasDef = true
}

// setType changes the control's declared type. The group keeps its members
// and will reject the mix at compile time if the types no longer agree.
func (c *Control) setType(k values.Kind) {
	if c.typ == k {
		return
	}
	c.typ = k
	c.markGroupDirty()
	if n, ok := c.surface.Node(c.node); ok {
		n.MarkDirty()
	}
}

func (c *Control) setDirection(d Direction) {
	if c.dir == d {
		return
	}
	c.dir = d
	c.markGroupDirty()
	if n, ok := c.surface.Node(c.node); ok {
		n.MarkDirty()
	}
}

func (c *Control) markGroupDirty() {
	if g, ok := c.surface.Group(c.group); ok {
		g.MarkDirty()
	}
}

func (c *Control) String() string {
	return fmt.Sprintf("%s(%s %s)", c.name, c.typ, c.dir)
}
