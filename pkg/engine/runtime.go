package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/batlogic/axiom/pkg/codegen"
	"github.com/batlogic/axiom/pkg/script"
	"github.com/batlogic/axiom/pkg/telemetry"
	"github.com/batlogic/axiom/pkg/values"
)

// DefaultReleaseDelay is the number of compile passes a replaced module
// outlives its replacement.
const DefaultReleaseDelay = 2

// Runtime is the compilation context shared by a tree of surfaces. It owns the
// backend, the root surfaces, the error log and the notification topics.
//
// Graph mutation and compilation happen on a single edit goroutine. Only
// ControlGroup value slots may be touched from elsewhere.
type Runtime struct {
	id      string
	backend codegen.Backend
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
	sink    ErrorSink
	scripts *script.Evaluator
	voices  int

	errors  *ErrorLog
	topics  topics
	reclaim reclaimer

	roots []*Surface

	compileMu sync.Mutex
	sess      *session
	pass      uint64
	closed    atomic.Bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithBackend sets the code-generation backend. The default is the native
// backend.
func WithBackend(b codegen.Backend) Option {
	return func(rt *Runtime) { rt.backend = b }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(rt *Runtime) { rt.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(rt *Runtime) { rt.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(rt *Runtime) { rt.tracer = t }
}

// WithEvents sets the telemetry event publisher.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(rt *Runtime) { rt.events = ep }
}

// WithTelemetry wires every part of a telemetry bundle.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(rt *Runtime) {
		if t == nil {
			return
		}
		rt.logger = t.Logger
		rt.metrics = t.Metrics
		rt.tracer = t.Tracer
		rt.events = t.Events
	}
}

// WithErrorSink mirrors the error log into s.
func WithErrorSink(s ErrorSink) Option {
	return func(rt *Runtime) { rt.sink = s }
}

// WithReleaseDelay sets how many passes a replaced module is kept alive.
func WithReleaseDelay(passes uint64) Option {
	return func(rt *Runtime) { rt.reclaim.delay = passes }
}

// WithVoices sets the number of voices an extracted group allocates. It is
// clamped to 1..values.MaxVoices.
func WithVoices(n int) Option {
	return func(rt *Runtime) {
		rt.voices = max(1, min(n, values.MaxVoices))
	}
}

// WithScriptTimeout bounds custom node script evaluation.
func WithScriptTimeout(d time.Duration) Option {
	return func(rt *Runtime) { rt.scripts = script.NewEvaluator(d) }
}

// New creates a runtime.
func New(opts ...Option) *Runtime {
	rt := &Runtime{
		id:      uuid.New().String(),
		backend: codegen.NewNativeBackend(),
		logger:  telemetry.NewNopLogger(),
		scripts: script.NewEvaluator(0),
		voices:  values.MaxVoices,
		errors:  NewErrorLog(),
	}
	rt.reclaim.delay = DefaultReleaseDelay
	for _, opt := range opts {
		opt(rt)
	}
	if rt.logger == nil {
		rt.logger = telemetry.NewNopLogger()
	}
	rt.logger = rt.logger.NewComponentLogger("engine")
	return rt
}

// ID returns the runtime's identity.
func (rt *Runtime) ID() string { return rt.id }

// Backend returns the code-generation backend.
func (rt *Runtime) Backend() codegen.Backend { return rt.backend }

// Errors returns the error log.
func (rt *Runtime) Errors() *ErrorLog { return rt.errors }

// Pass returns the number of the most recent compile pass.
func (rt *Runtime) Pass() uint64 { return rt.pass }

// PendingReleases returns the number of retired modules not yet released.
func (rt *Runtime) PendingReleases() int { return rt.reclaim.len() }

// Closed reports whether Close was called.
func (rt *Runtime) Closed() bool { return rt.closed.Load() }

// Recompiled returns the topic notified after a surface pass committed.
func (rt *Runtime) Recompiled() *Topic[RecompiledEvent] { return &rt.topics.recompiled }

// ErrorRaised returns the topic notified when the error log gains an entry.
func (rt *Runtime) ErrorRaised() *Topic[ErrorRaisedEvent] { return &rt.topics.errorRaised }

// ErrorCleared returns the topic notified when an error log entry is removed.
func (rt *Runtime) ErrorCleared() *Topic[ErrorClearedEvent] { return &rt.topics.errorCleared }

// ValueChanged returns the topic notified when a group value is written.
func (rt *Runtime) ValueChanged() *Topic[ValueChangedEvent] { return &rt.topics.valueChanged }

// PortFiddled returns the topic notified when an I/O port's identity changed.
func (rt *Runtime) PortFiddled() *Topic[PortFiddledEvent] { return &rt.topics.portFiddled }

// NewRootSurface creates a top-level surface. Root names are unique.
func (rt *Runtime) NewRootSurface(name string) (*Surface, error) {
	if rt.closed.Load() {
		return nil, ErrClosed
	}
	if name == "" {
		return nil, NewStructuralError("surface name is required", nil).WithCode(ErrCodeInvalidArgument)
	}
	if _, ok := rt.RootSurface(name); ok {
		return nil, NewStructuralError(fmt.Sprintf("root surface %q already exists", name), nil).
			WithCode(ErrCodeInvalidArgument)
	}
	s := newSurface(rt, RootSurface, name, nil)
	rt.roots = append(rt.roots, s)
	rt.logger.WithSurface(name).Debug("Root surface created")
	return s, nil
}

// RootSurface looks up a root surface by name.
func (rt *Runtime) RootSurface(name string) (*Surface, bool) {
	for _, s := range rt.roots {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

// RootSurfaces returns the root surfaces in creation order.
func (rt *Runtime) RootSurfaces() []*Surface {
	return append([]*Surface(nil), rt.roots...)
}

// RemoveRootSurface destroys a root surface and everything on it.
func (rt *Runtime) RemoveRootSurface(s *Surface) error {
	for i, r := range rt.roots {
		if r == s {
			rt.roots = append(rt.roots[:i], rt.roots[i+1:]...)
			s.destroy()
			return nil
		}
	}
	return ErrNotFound
}

// Compile runs a pass over every root surface. Each root commits or fails on
// its own; the returned error joins the pass-level failures.
func (rt *Runtime) Compile(ctx context.Context) ([]*CompileResult, error) {
	sess, err := rt.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.end()

	results := make([]*CompileResult, 0, len(rt.roots))
	var errs []error
	for _, s := range rt.roots {
		res, err := s.compilePass(sess)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// Close destroys every surface, releases every module and closes the
// notification topics. Later calls are no-ops.
func (rt *Runtime) Close() error {
	if !rt.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, s := range rt.roots {
		s.destroy()
	}
	rt.roots = nil
	released := rt.reclaim.drain()

	rt.metrics.RecordModulesReleased(released)
	rt.metrics.SetPendingRelease(0)
	rt.topics.closeAll()
	rt.logger.Debugf("Runtime closed, released %d modules", released)
	return nil
}

// retire hands a replaced module to the reclaimer.
func (rt *Runtime) retire(m codegen.Module) {
	n := rt.reclaim.retire(m, rt.pass)
	rt.metrics.SetPendingRelease(n)
	rt.logger.Tracef("Module retired at pass %d, %d pending release", rt.pass, n)
}

// session is one serialized compile. Notifications raised while it is open
// are delivered when it ends, after the compile lock is released.
type session struct {
	rt    *Runtime
	ctx   context.Context
	pass  uint64
	runID string
	notes []func()
}

func (rt *Runtime) begin(ctx context.Context) (*session, error) {
	if rt.closed.Load() {
		return nil, ErrClosed
	}
	if !rt.compileMu.TryLock() {
		return nil, NewLifecycleError("compile requested while another compile is running", nil).
			WithCode(ErrCodeReentrant)
	}
	rt.pass++
	s := &session{
		rt:    rt,
		ctx:   ctx,
		pass:  rt.pass,
		runID: uuid.New().String(),
	}
	rt.sess = s
	return s, nil
}

func (s *session) end() {
	rt := s.rt
	released, remaining := rt.reclaim.collect(s.pass)
	rt.metrics.RecordModulesReleased(released)
	rt.metrics.SetPendingRelease(remaining)
	rt.sess = nil
	rt.compileMu.Unlock()

	for _, fn := range s.notes {
		fn()
	}
}

// notify delivers fn now, or when the open session ends.
func (rt *Runtime) notify(fn func()) {
	if rt.sess != nil {
		rt.sess.notes = append(rt.sess.notes, fn)
		return
	}
	fn()
}

// raise records err in the error log, replacing any entry for the same unit.
func (rt *Runtime) raise(ctx context.Context, err *EngineError) ErrorEntry {
	loc := err.Location()
	cleared := rt.errors.ClearMatching(func(l SourceLocation) bool {
		return l.Surface == loc.Surface && l.Node == loc.Node && l.Group == loc.Group
	})
	entry := rt.errors.Append(err)
	rt.metrics.RecordUnitFailure(unitKind(loc), string(err.Class))

	if rt.sink != nil {
		for _, l := range cleared {
			if serr := rt.sink.ClearErrors(ctx, l); serr != nil {
				rt.logger.WithError(serr).Warn("Failed to clear mirrored error entry")
			}
		}
		if serr := rt.sink.AppendError(ctx, entry); serr != nil {
			rt.logger.WithError(serr).Warn("Failed to mirror error entry")
		}
	}

	rt.notify(func() {
		for _, l := range cleared {
			if l != entry.Location {
				rt.topics.errorCleared.publish(ErrorClearedEvent{Location: l})
			}
		}
		rt.topics.errorRaised.publish(ErrorRaisedEvent{Entry: entry})
	})
	return entry
}

// clear removes every entry accepted by match.
func (rt *Runtime) clear(ctx context.Context, match func(SourceLocation) bool) {
	cleared := rt.errors.ClearMatching(match)
	if len(cleared) == 0 {
		return
	}
	if rt.sink != nil {
		for _, l := range cleared {
			if serr := rt.sink.ClearErrors(ctx, l); serr != nil {
				rt.logger.WithError(serr).Warn("Failed to clear mirrored error entry")
			}
		}
	}
	rt.notify(func() {
		for _, l := range cleared {
			rt.topics.errorCleared.publish(ErrorClearedEvent{Location: l})
		}
	})
}

// emit publishes a telemetry event when a publisher is configured.
func (rt *Runtime) emit(fn func(ep *telemetry.EventPublisher) error) {
	if rt.events == nil {
		return
	}
	if err := fn(rt.events); err != nil {
		rt.logger.WithError(err).Debug("Failed to publish telemetry event")
	}
}

func unitKind(loc SourceLocation) string {
	switch {
	case loc.Node != "":
		return "node"
	case loc.Group != "":
		return "group"
	default:
		return "surface"
	}
}
