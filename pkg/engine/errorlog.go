package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SourceLocation identifies where in the graph description an error was
// raised. Unused fields are empty or zero; a surface-wide error carries only
// Surface.
type SourceLocation struct {
	Surface string `json:"surface"`
	Node    string `json:"node,omitempty"`
	Group   string `json:"group,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// ErrorEntry is one record of the error log.
type ErrorEntry struct {
	ID       string         `json:"id"`
	Location SourceLocation `json:"location"`
	Class    ErrorClass     `json:"class"`
	Code     string         `json:"code,omitempty"`
	Message  string         `json:"message"`
	Time     time.Time      `json:"time"`
	Err      *EngineError   `json:"-"`

	seq uint64
}

// ErrorSink mirrors the error log into external storage.
type ErrorSink interface {
	AppendError(ctx context.Context, entry ErrorEntry) error
	ClearErrors(ctx context.Context, loc SourceLocation) error
}

// ErrorLog collects compilation failures keyed by source location. A
// location holds at most one entry; a newer failure replaces the older one.
// It is safe for concurrent use so the editor layer can poll it.
type ErrorLog struct {
	mu      sync.RWMutex
	entries map[SourceLocation]ErrorEntry
	seq     uint64
}

// NewErrorLog creates an empty error log.
func NewErrorLog() *ErrorLog {
	return &ErrorLog{entries: make(map[SourceLocation]ErrorEntry)}
}

// Append records err at its location and returns the stored entry.
func (l *ErrorLog) Append(err *EngineError) ErrorEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := ErrorEntry{
		ID:       uuid.New().String(),
		Location: err.Location(),
		Class:    err.Class,
		Code:     err.Code,
		Message:  err.Error(),
		Time:     time.Now(),
		Err:      err,
		seq:      l.seq,
	}
	l.entries[entry.Location] = entry
	return entry
}

// Clear removes the entry at loc, reporting whether one existed.
func (l *ErrorLog) Clear(loc SourceLocation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[loc]; !ok {
		return false
	}
	delete(l.entries, loc)
	return true
}

// ClearMatching removes every entry whose location satisfies match and
// returns the removed locations.
func (l *ErrorLog) ClearMatching(match func(SourceLocation) bool) []SourceLocation {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed []SourceLocation
	for loc := range l.entries {
		if match(loc) {
			removed = append(removed, loc)
			delete(l.entries, loc)
		}
	}
	return removed
}

// Get returns the entry at loc.
func (l *ErrorLog) Get(loc SourceLocation) (ErrorEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[loc]
	return e, ok
}

// Entries returns every entry, oldest first.
func (l *ErrorLog) Entries() []ErrorEntry {
	return l.Filter(func(ErrorEntry) bool { return true })
}

// Filter returns the entries accepted by keep, oldest first.
func (l *ErrorLog) Filter(keep func(ErrorEntry) bool) []ErrorEntry {
	l.mu.RLock()
	out := make([]ErrorEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ForSurface returns the entries raised on the surface with the given ID.
func (l *ErrorLog) ForSurface(surfaceID string) []ErrorEntry {
	return l.Filter(func(e ErrorEntry) bool { return e.Location.Surface == surfaceID })
}

// ForNode returns the entries raised on the node with the given ID.
func (l *ErrorLog) ForNode(nodeID string) []ErrorEntry {
	return l.Filter(func(e ErrorEntry) bool { return e.Location.Node == nodeID })
}

// ForGroup returns the entries raised on the group with the given ID.
func (l *ErrorLog) ForGroup(groupID string) []ErrorEntry {
	return l.Filter(func(e ErrorEntry) bool { return e.Location.Group == groupID })
}

// Len returns the number of entries.
func (l *ErrorLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
