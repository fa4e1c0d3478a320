package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/batlogic/axiom/pkg/config"
	"github.com/batlogic/axiom/pkg/engine"
	"github.com/batlogic/axiom/pkg/policy"
	"github.com/batlogic/axiom/pkg/stores"
	"github.com/batlogic/axiom/pkg/telemetry"
)

// buildVersion is reported as the telemetry service version.
var buildVersion string

// workspace bundles everything a command needs to turn patch files into
// compiled surfaces.
type workspace struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	parser   *config.PatchParser
	rt       *engine.Runtime
	applier  *config.Applier

	// policies is nil when linting is disabled.
	policies *policy.Engine

	// store is nil when no database is configured.
	store    *stores.SQLiteStore
	recorder *telemetry.Subscription
}

// loadSettings reads the settings file named by --config and applies the
// global flag overrides.
func loadSettings() (*config.Settings, error) {
	settings := config.DefaultSettings()
	if configPath != "" {
		var err error
		if settings, err = config.LoadSettings(configPath); err != nil {
			return nil, err
		}
	}
	if verbose {
		settings.Telemetry.Logging.Level = "debug"
	}
	if dbPath != "" {
		settings.Store.Path = dbPath
	}
	if buildVersion != "" {
		settings.Telemetry.ServiceVersion = buildVersion
	}
	return settings, settings.Validate()
}

func openWorkspace(ctx context.Context) (*workspace, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&settings.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	w := &workspace{
		settings: settings,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("cli"),
		parser:   config.NewPatchParser(),
	}

	opts := settings.RuntimeOptions(tel)
	if settings.Store.Path != "" {
		store, err := stores.Open(ctx, settings.Store.Path)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, err
		}
		w.store = store
		w.recorder = tel.Events.Subscribe(store.EventRecorder(ctx, func(err error) {
			w.logger.WithError(err).Warn("Failed to record event")
		}), nil)
		opts = append(opts, engine.WithErrorSink(store))
	}

	if settings.Policy.Enabled {
		pe, err := policy.NewEngineFromSettings(ctx, *tel.Logger.Zerolog(), settings.Policy, policy.WithEvents(tel.Events))
		if err != nil {
			w.close(ctx)
			return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
		}
		w.policies = pe
	}

	w.rt = engine.New(opts...)
	w.applier = config.NewApplier(w.rt, tel.Logger)

	w.logger.WithFields(map[string]interface{}{
		"store":   settings.Store.Path,
		"policy":  settings.Policy.Enabled,
		"backend": settings.Runtime.Backend,
	}).Debug("Workspace opened")
	return w, nil
}

// close releases the runtime before telemetry so that pending events are
// delivered while the store is still open.
func (w *workspace) close(ctx context.Context) {
	if w.rt != nil {
		if err := w.rt.Close(); err != nil && !errors.Is(err, engine.ErrClosed) {
			w.logger.WithError(err).Warn("Failed to close runtime")
		}
	}
	if err := w.tel.Shutdown(ctx); err != nil {
		w.logger.WithError(err).Warn("Failed to shut down telemetry")
	}
	if w.recorder != nil {
		w.recorder.Unsubscribe()
	}
	if w.store != nil {
		if err := w.store.Close(); err != nil {
			w.logger.WithError(err).Warn("Failed to close store")
		}
	}
}

// parse reads the patch sources. A patch carrying validation errors is
// returned together with its joined errors.
func (w *workspace) parse(ctx context.Context, sources []string) (*config.Patch, error) {
	if len(sources) == 0 {
		sources = []string{"."}
	}
	patch, err := w.parser.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	return patch, patch.Err()
}

// lint evaluates the policies against patch. It returns a nil result when
// linting is disabled.
func (w *workspace) lint(ctx context.Context, patch *config.Patch) (*policy.PolicyResult, error) {
	if w.policies == nil {
		return nil, nil
	}
	return w.policies.Evaluate(ctx, patch)
}

// build runs one full cycle: parse, lint, apply, compile and record.
func (w *workspace) build(ctx context.Context, sources []string) (report *compileReport, err error) {
	op := telemetry.StartOperation(w.tel.WithContext(ctx), "build")
	defer func() {
		op.End(err)
		op.Logger.WithFields(map[string]interface{}{
			"sources":  len(report.Sources),
			"duration": op.Timer.Duration().String(),
		}).Debug("Build finished")
	}()
	ctx = op.Ctx
	report = &compileReport{}

	patch, err := w.parse(ctx, sources)
	if patch != nil {
		report.Sources = patch.SourceFiles
		report.Invalid = patch.Errors
	}
	if err != nil {
		return report, err
	}

	lint, err := w.lint(ctx, patch)
	if err != nil {
		return report, err
	}
	report.Lint = lint
	if err := lint.Err(); err != nil {
		return report, err
	}

	applied, results, compileErr := w.applier.ApplyAndCompile(ctx, patch)
	if applied != nil {
		report.setApplied(applied)
	}
	if results == nil && compileErr != nil {
		return report, compileErr
	}

	runs, err := w.record(ctx, results, compileErr, patch.SourceFiles)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to record compile runs")
	}
	report.setRuns(runs)
	report.setErrors(w.rt)

	return report, report.Err()
}

func (w *workspace) record(ctx context.Context, results []*engine.CompileResult, passErr error, sources []string) ([]*stores.CompileRun, error) {
	if w.store != nil {
		return w.store.RecordResults(ctx, results, passErr, sources)
	}
	runs := make([]*stores.CompileRun, 0, len(results))
	for _, res := range results {
		runs = append(runs, stores.NewCompileRun(res, passErr))
	}
	return runs, nil
}

// unitNames maps the ID of every surface, node and group of rt to a
// readable path such as "main/voice/osc".
func unitNames(rt *engine.Runtime) map[string]string {
	names := make(map[string]string)
	var walk func(s *engine.Surface, path string)
	walk = func(s *engine.Surface, path string) {
		names[s.ID()] = path
		for _, g := range s.Groups() {
			names[g.ID()] = path + "/" + g.Name()
		}
		for _, n := range s.Nodes() {
			np := path + "/" + n.Name()
			names[n.ID()] = np
			if m, ok := n.(*engine.ModuleNode); ok {
				walk(m.Child(), np)
			}
		}
	}
	for _, s := range rt.RootSurfaces() {
		walk(s, s.Name())
	}
	return names
}
