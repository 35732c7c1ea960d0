// Package telemetry provides observability for halfspace.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an event publisher into one Telemetry value.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	evaluator := engine.NewEvaluator(script.New(script.Options{}),
//	    engine.WithTelemetry(tel),
//	    engine.WithLogger(tel.Logger.Zerolog()),
//	)
//
// # Spans
//
// Every evaluation pass gets a "pass.evaluate" span carrying the run id.
// Blocks that are computed rather than reused from the cache get a child
// "block.evaluate" span.
//
// # Metrics
//
// Exposed under the configured namespace (default "halfspace"):
//
//   - passes_started_total, passes_completed_total{status}
//   - pass_duration_seconds{status}, active_passes
//   - blocks_evaluated_total{state,cached}, block_duration_seconds{state}
//   - script_invocations_total, cache_hits_total, blocks
//   - document_errors_total{reason}
//
// # Events
//
// The publisher emits pass.started, pass.completed and block.evaluated
// during evaluation, plus document.loaded and policy.violation from the
// command line tool. Subscribers receive events in publication order.
//
// Telemetry from Disabled records nothing and is the evaluator's default.
package telemetry
