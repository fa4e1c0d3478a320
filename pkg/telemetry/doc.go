// Package telemetry provides observability instrumentation for the axiom
// compilation engine.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing behind a single
// Telemetry bundle.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	rt := engine.New(engine.WithTelemetry(tel))
//
// # Structured Logging
//
// Component loggers carry the identity of the unit being compiled:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithSurface(s.ID()).WithNode(n.ID()).Debug("node compiled")
//
// Log levels: trace, debug, info, warn, error, fatal, disabled.
//
// # Tracing
//
// Every surface compile pass opens a "surface.compile" span; nodes and
// control groups compiled within it open "node.compile" and "group.compile"
// child spans. Supported exporters are OTLP over gRPC and stdout.
//
// # Metrics
//
// Metrics live on a private registry exposed through Metrics.Handler:
//
//   - compile_passes_total{surface,status}
//   - compile_pass_duration_seconds{surface}
//   - units_compiled_total{kind}
//   - unit_failures_total{kind,class}
//   - value_swaps_total
//   - modules_released_total
//   - modules_pending_release
//
// A nil or disabled *Metrics records nothing, so instrumented code never has
// to check.
//
// # Events
//
// The EventPublisher fans compile events out to subscribers, synchronously or
// through a bounded buffer. Subscribe returns a *Subscription token;
// Unsubscribe or publisher shutdown detaches it.
package telemetry
