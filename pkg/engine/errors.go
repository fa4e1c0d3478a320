package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a compilation error. The class
// decides how far a failure propagates.
type ErrorClass string

const (
	// ErrorClassStructural indicates invalid graph topology, such as a
	// dependency cycle or a control claimed by two groups. Fatal to the
	// current compile pass of the surface.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassType indicates a control type that is incompatible with a
	// connection or with the rest of its group. Isolated to the units
	// involved.
	ErrorClassType ErrorClass = "type"

	// ErrorClassScript indicates custom node logic that failed to evaluate.
	// Isolated to the node.
	ErrorClassScript ErrorClass = "script"

	// ErrorClassBackend indicates the code-generation backend failed. Fatal
	// to the unit being compiled.
	ErrorClassBackend ErrorClass = "backend"

	// ErrorClassLifecycle indicates an operation on a closed runtime, a
	// removed entity, or a reentrant compile.
	ErrorClassLifecycle ErrorClass = "lifecycle"
)

// EngineError represents a classified error with graph context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Surface is the ID of the surface the error belongs to.
	Surface string `json:"surface,omitempty"`

	// Node is the ID of the node the error belongs to, if any.
	Node string `json:"node,omitempty"`

	// Unit is the ID of the control group or other unit involved, if any.
	Unit string `json:"unit,omitempty"`

	// Line and Column locate the error inside node source, if known.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Node != "" && e.Unit != "":
		msg += fmt.Sprintf(" (node=%s, unit=%s)", e.Node, e.Unit)
	case e.Node != "":
		msg += fmt.Sprintf(" (node=%s)", e.Node)
	case e.Unit != "":
		msg += fmt.Sprintf(" (unit=%s)", e.Unit)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. Two engine errors
// match when class and code agree; an empty code on the target matches any
// code of that class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if e.Class != t.Class {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewStructuralError creates a new structural error.
func NewStructuralError(message string, err error) *EngineError {
	return newError(ErrorClassStructural, message, err)
}

// NewTypeError creates a new type error.
func NewTypeError(message string, err error) *EngineError {
	return newError(ErrorClassType, message, err)
}

// NewScriptError creates a new script error.
func NewScriptError(message string, err error) *EngineError {
	return newError(ErrorClassScript, message, err)
}

// NewBackendError creates a new backend error.
func NewBackendError(message string, err error) *EngineError {
	return newError(ErrorClassBackend, message, err)
}

// NewLifecycleError creates a new lifecycle error.
func NewLifecycleError(message string, err error) *EngineError {
	return newError(ErrorClassLifecycle, message, err)
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithSurface adds surface context to an error.
func (e *EngineError) WithSurface(surfaceID string) *EngineError {
	e.Surface = surfaceID
	return e
}

// WithNode adds node context to an error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.Node = nodeID
	return e
}

// WithUnit adds unit context to an error.
func (e *EngineError) WithUnit(unitID string) *EngineError {
	e.Unit = unitID
	return e
}

// WithPosition adds a source position to an error.
func (e *EngineError) WithPosition(line, column int) *EngineError {
	e.Line = line
	e.Column = column
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Location returns where in the graph the error should be reported.
func (e *EngineError) Location() SourceLocation {
	return SourceLocation{
		Surface: e.Surface,
		Node:    e.Node,
		Group:   e.Unit,
		Line:    e.Line,
		Column:  e.Column,
	}
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsStructural returns true if the error is classified as structural.
func IsStructural(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassStructural
}

// IsType returns true if the error is classified as a type error.
func IsType(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassType
}

// IsScript returns true if the error is classified as a script error.
func IsScript(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassScript
}

// IsBackend returns true if the error is classified as a backend error.
func IsBackend(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassBackend
}

// IsLifecycle returns true if the error is classified as a lifecycle error.
func IsLifecycle(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassLifecycle
}

// IsIsolated returns true if the error only affects the unit that raised it
// and leaves the rest of the surface compiling.
func IsIsolated(err error) bool {
	return IsType(err) || IsScript(err) || IsBackend(err)
}

// Common error codes.
const (
	ErrCodeCycle               = "CYCLE"
	ErrCodeDuplicateMembership = "DUPLICATE_MEMBERSHIP"
	ErrCodeTypeMismatch        = "TYPE_MISMATCH"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeCrossSurface        = "CROSS_SURFACE"
	ErrCodeClosed              = "CLOSED"
	ErrCodeReentrant           = "REENTRANT"
	ErrCodeBackendFailed       = "BACKEND_FAILED"
	ErrCodeScriptFailed        = "SCRIPT_FAILED"
	ErrCodeInvalidArgument     = "INVALID_ARGUMENT"
	ErrCodeGroupFailed         = "GROUP_FAILED"
	ErrCodeIncomplete          = "INCOMPLETE"
)

// Sentinel errors for use with errors.Is.
var (
	ErrNotFound     = NewLifecycleError("not found", nil).WithCode(ErrCodeNotFound)
	ErrClosed       = NewLifecycleError("runtime closed", nil).WithCode(ErrCodeClosed)
	ErrReentrant    = NewLifecycleError("compilation already in progress", nil).WithCode(ErrCodeReentrant)
	ErrCycle        = NewStructuralError("dependency cycle", nil).WithCode(ErrCodeCycle)
	ErrTypeMismatch = NewTypeError("type mismatch", nil).WithCode(ErrCodeTypeMismatch)
	ErrCrossSurface = NewStructuralError("controls on different surfaces", nil).WithCode(ErrCodeCrossSurface)
)
