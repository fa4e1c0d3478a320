package stores

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/batlogic/axiom/pkg/engine"
	"github.com/batlogic/axiom/pkg/telemetry"
)

// NewCompileRun builds the record of one compile result. passErr is the
// error returned by the compile call; only the part of it raised for this
// result's surface marks the run as aborted.
func NewCompileRun(res *engine.CompileResult, passErr error) *CompileRun {
	run := &CompileRun{
		Pass:      res.Pass,
		Compiled:  len(res.Compiled),
		Failed:    len(res.Failed),
		Duration:  res.Duration,
		StartedAt: time.Now().Add(-res.Duration),
	}
	if res.Surface != nil {
		run.Surface = res.Surface.Name()
	}

	var surfaceID string
	if res.Surface != nil {
		surfaceID = res.Surface.ID()
	}
	abort := surfaceError(passErr, surfaceID)

	switch {
	case abort != nil:
		run.Status = RunStatusAborted
		msg := abort.Error()
		run.Error = &msg
	case res.Skipped:
		run.Status = RunStatusSkipped
	case !res.OK():
		run.Status = RunStatusPartial
		msgs := make([]string, 0, len(res.Failed))
		for _, f := range res.Failed {
			msgs = append(msgs, f.Error())
		}
		msg := strings.Join(msgs, "; ")
		run.Error = &msg
	default:
		run.Status = RunStatusOK
	}
	return run
}

// surfaceError picks the error raised for surfaceID out of a joined compile
// error. An error carrying no location belongs to every surface.
func surfaceError(err error, surfaceID string) error {
	if err == nil {
		return nil
	}
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}

	var found []error
	for _, e := range errs {
		var ee *engine.EngineError
		if errors.As(e, &ee) && ee.Surface != "" && ee.Surface != surfaceID {
			continue
		}
		found = append(found, e)
	}
	return errors.Join(found...)
}

// RecordResults stores one compile run per result and returns them. sources
// names the patch files the runtime was built from.
func (s *SQLiteStore) RecordResults(ctx context.Context, results []*engine.CompileResult, passErr error, sources []string) ([]*CompileRun, error) {
	var source *string
	if len(sources) > 0 {
		joined := strings.Join(sources, ",")
		source = &joined
	}

	runs := make([]*CompileRun, 0, len(results))
	for _, res := range results {
		run := NewCompileRun(res, passErr)
		run.Source = source
		if err := s.RecordCompileRun(ctx, run); err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// EventRecorder returns a telemetry subscriber that appends every event to
// the events table. Write failures are reported to onError when it is set.
func (s *SQLiteStore) EventRecorder(ctx context.Context, onError func(error)) telemetry.EventSubscriber {
	return func(e telemetry.Event) {
		if err := s.AppendEvent(ctx, eventFromTelemetry(e)); err != nil && onError != nil {
			onError(err)
		}
	}
}

func eventFromTelemetry(e telemetry.Event) *Event {
	ev := &Event{
		Type:      e.Type,
		Level:     EventLevel(e.Level),
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
	switch ev.Level {
	case EventLevelDebug, EventLevelInfo, EventLevelWarning, EventLevelError:
	default:
		ev.Level = EventLevelInfo
	}
	if e.RunID != "" {
		runID := e.RunID
		ev.RunID = &runID
	}
	if e.Surface != "" {
		surface := e.Surface
		ev.Surface = &surface
	}
	if len(e.Data) > 0 {
		if data, err := json.Marshal(e.Data); err == nil {
			details := string(data)
			ev.Details = &details
		}
	}
	return ev
}
