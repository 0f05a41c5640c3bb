// Package telemetry provides observability for deck: structured logging via
// zerolog, Prometheus metrics and OpenTelemetry tracing.
//
// The logger wraps zerolog with deck-specific field helpers (target, service,
// plan and run IDs) and can be installed as the global logger so packages
// using the zerolog/log facade share its configuration. The metrics collector
// satisfies the executor's observer interface; wiring it into an executor is
// all that is needed to account for runs and steps. The tracer installs a
// global OpenTelemetry provider with otlp, stdout or no-op exporters, so
// engine spans reach the configured backend without the engine depending on
// this package.
//
// Typical wiring:
//
//	cfg := telemetry.DefaultConfig()
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	if err != nil {
//		return err
//	}
//	logger.SetGlobal()
//
//	metrics, err := telemetry.NewMetrics(cfg.Metrics)
//	if err != nil {
//		return err
//	}
//	executor := engine.NewExecutor(providers, targets, engine.WithObserver(metrics))
package telemetry
