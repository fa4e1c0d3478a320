package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("engine").
		WithSurface("s1").
		WithNode("n1").
		WithPass(3).
		WithError(errors.New("boom")).
		Warn("node failed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", buf.String(), err)
	}

	for key, want := range map[string]interface{}{
		"component": "engine",
		"surface":   "s1",
		"node":      "n1",
		"pass":      float64(3),
		"error":     "boom",
		"level":     "warn",
		"message":   "node failed",
	} {
		if entry[key] != want {
			t.Errorf("Expected %s=%v, got %v", key, want, entry[key])
		}
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Debug("hidden")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected nothing below warn to be written, got %q", buf.String())
	}

	logger.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Expected error line, got %q", buf.String())
	}
}

func TestLogger_FromContext(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("Expected a fallback logger")
	}

	logger := NewNopLogger()
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("Expected logger stored in context to be returned")
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	m.RecordCompilePass("s", "ok", time.Millisecond)
	m.RecordUnitCompiled("node")
	m.RecordUnitFailure("node", "type")
	m.RecordValueSwap()
	m.RecordModulesReleased(2)
	m.SetPendingRelease(1)

	var nilMetrics *Metrics
	nilMetrics.RecordValueSwap()

	if m.Registry() != nil {
		t.Error("Expected no registry for disabled metrics")
	}
}

func TestMetrics_Recorded(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "axiom"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	m.RecordCompilePass("main", "ok", 2*time.Millisecond)
	m.RecordUnitCompiled("group")
	m.RecordUnitCompiled("group")
	m.RecordUnitFailure("node", "type")
	m.RecordValueSwap()
	m.RecordModulesReleased(3)
	m.SetPendingRelease(4)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	values := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				values[mf.GetName()] += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}

	want := map[string]float64{
		"axiom_compile_passes_total":          1,
		"axiom_compile_pass_duration_seconds": 1,
		"axiom_units_compiled_total":          2,
		"axiom_unit_failures_total":           1,
		"axiom_value_swaps_total":             1,
		"axiom_modules_released_total":        3,
		"axiom_modules_pending_release":       4,
	}
	for name, v := range want {
		if values[name] != v {
			t.Errorf("Expected %s=%v, got %v", name, v, values[name])
		}
	}
}

func TestTracer_Disabled(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "axiom", "test", "test")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	ctx, span := tr.StartSurfaceSpan(context.Background(), "s1", "main", 1)
	EndSpan(span, errors.New("failed"))
	if TraceID(ctx) != "" {
		t.Error("Expected no trace ID from a disabled tracer")
	}

	var nilTracer *Tracer
	_, span = nilTracer.StartNodeSpan(context.Background(), "n1", "osc", "custom")
	span.End()

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no shutdown error, got: %v", err)
	}
}

func TestTracer_RecordsSpans(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "axiom", "test", "test")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer tr.Shutdown(context.Background())

	ctx, span := tr.StartGroupSpan(context.Background(), "g1", 2)
	defer span.End()
	if TraceID(ctx) == "" {
		t.Error("Expected a sampled span to carry a trace ID")
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var got []Event
	sub := ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeUnitFailed))

	_ = ep.PublishCompileStarted("run", "s1", 1)
	_ = ep.PublishUnitFailed("run", "s1", "n1", "type", "mismatch")

	if len(got) != 1 {
		t.Fatalf("Expected 1 filtered event, got %d", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("Expected ID and timestamp to be filled in")
	}
	if got[0].Unit != "n1" || got[0].Data["class"] != "type" {
		t.Errorf("Unexpected event: %+v", got[0])
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	if sub.Active() {
		t.Error("Expected subscription to be inactive")
	}

	_ = ep.PublishUnitFailed("run", "s1", "n2", "type", "mismatch")
	if len(got) != 1 {
		t.Errorf("Expected no delivery after unsubscribe, got %d events", len(got))
	}
}

func TestEventPublisher_AsyncShutdownDetaches(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, MaxBatchSize: 4, EnableAsync: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var (
		mu    sync.Mutex
		count int
	)
	sub := ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		if err := ep.PublishCompileStarted("run", "s1", uint64(i)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Errorf("Expected all 5 events drained on shutdown, got %d", count)
	}
	if sub.Active() {
		t.Error("Expected shutdown to deactivate subscriptions")
	}
	if err := ep.Publish(Event{Type: "late"}); err == nil {
		t.Error("Expected publish after shutdown to fail")
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Expected default config to be valid, got: %v", err)
	}
	if err := TestConfig().Validate(); err != nil {
		t.Errorf("Expected test config to be valid, got: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected invalid level to be rejected")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected unsupported exporter to be rejected")
	}
}

func TestNewTelemetry(t *testing.T) {
	tel, err := NewTelemetry(TestConfig())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("Expected telemetry to round-trip through context")
	}

	op := StartOperation(ctx, "compile")
	op.End(nil)

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected clean shutdown, got: %v", err)
	}
}
