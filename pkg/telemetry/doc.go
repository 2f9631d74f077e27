// Package telemetry provides the logging, tracing and metrics used across
// ccrecon.
//
// The package combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and Prometheus metrics behind one Config:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.ListenAddress = ":9464"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//	tel.StartMetricsServer()
//
// # Logging
//
// Logger wraps zerolog with the fields the engine attaches to every line:
//
//	logger := tel.Logger.NewComponentLogger("reconciler")
//	logger.WithRunID(runID).WithResource("site", "HQ").Info("created")
//
// A nil *Logger is valid and discards everything, so components can take an
// optional logger without checks.
//
// # Tracing
//
// Runs, resources, controller calls and task waits each get a span:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, "merged")
//	defer span.End()
//
// Tracing is disabled by default. The stdout exporter prints spans, the
// otlp exporter ships them to a collector over gRPC.
//
// # Metrics
//
// Metrics live in a private registry served at Path when ListenAddress is
// set. All metrics carry the configured namespace, "ccrecon" by default:
//
//   - runs_started_total, runs_completed_total, run_duration_seconds
//   - resource_outcomes_total, resource_reconcile_duration_seconds, resource_retries_total
//   - drift_detections_total, errors_total
//   - rpc_calls_total, rpc_call_duration_seconds, rpc_retries_total
//   - task_polls_total, task_wait_duration_seconds, active_runs
//
// Every Record method is a no-op on a nil or disabled *Metrics.
package telemetry
