package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/batlogic/axiom/pkg/engine"
)

// RunStatus is the outcome of one surface compile pass.
type RunStatus string

const (
	RunStatusOK      RunStatus = "ok"
	RunStatusPartial RunStatus = "partial"
	RunStatusAborted RunStatus = "aborted"
	RunStatusSkipped RunStatus = "skipped"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// CompileRun is the record of one surface compile pass.
type CompileRun struct {
	ID        string        `json:"id"`
	Surface   string        `json:"surface"`
	Pass      uint64        `json:"pass"`
	Status    RunStatus     `json:"status"`
	Compiled  int           `json:"compiled"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Error     *string       `json:"error,omitempty"`
	Source    *string       `json:"source,omitempty"` // patch files, comma separated
	StartedAt time.Time     `json:"started_at"`
	CreatedAt time.Time     `json:"created_at"`
}

// ErrorRecord is a mirrored error log entry. ClearedAt is set once the
// engine clears the location.
type ErrorRecord struct {
	ID        string     `json:"id"`
	Surface   string     `json:"surface"`
	Node      string     `json:"node,omitempty"`
	Group     string     `json:"group,omitempty"`
	Line      int        `json:"line,omitempty"`
	Column    int        `json:"column,omitempty"`
	Class     string     `json:"class"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message"`
	RaisedAt  time.Time  `json:"raised_at"`
	ClearedAt *time.Time `json:"cleared_at,omitempty"`
}

// Location returns the engine location the record was raised at.
func (r *ErrorRecord) Location() engine.SourceLocation {
	return engine.SourceLocation{
		Surface: r.Surface,
		Node:    r.Node,
		Group:   r.Group,
		Line:    r.Line,
		Column:  r.Column,
	}
}

// Active reports whether the error is still present in the engine.
func (r *ErrorRecord) Active() bool { return r.ClearedAt == nil }

// ErrorFilter narrows ListErrors. Zero fields match everything.
type ErrorFilter struct {
	Surface        string
	Class          string
	IncludeCleared bool
	Limit          int
	Offset         int
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Surface   *string    `json:"surface,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.ErrorSink

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Compile runs
	RecordCompileRun(ctx context.Context, run *CompileRun) error
	GetCompileRun(ctx context.Context, id string) (*CompileRun, error)
	ListCompileRuns(ctx context.Context, surface string, limit, offset int) ([]*CompileRun, error)
	DeleteCompileRunsBefore(ctx context.Context, before time.Time) (int64, error)

	// Errors
	ListErrors(ctx context.Context, filter ErrorFilter) ([]*ErrorRecord, error)

	// Events
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
