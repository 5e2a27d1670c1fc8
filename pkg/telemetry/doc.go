// Package telemetry wires OpenTelemetry tracing and meters for the relay.
//
// It owns tracer provider setup, the relay's metric instruments, and the
// attribute redaction applied to spans before export, so that access codes
// carried in query strings never leave the process.
package telemetry
