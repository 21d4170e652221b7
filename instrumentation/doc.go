// Package instrumentation wraps OpenTelemetry tracing and metrics for the
// authorization server.
//
// When disabled, no-op providers are installed so instrumented code paths
// carry zero overhead and need no nil checks. Exporter wiring (OTLP,
// Prometheus) is deliberately left to the embedding application via the
// Resource and provider accessors.
package instrumentation
