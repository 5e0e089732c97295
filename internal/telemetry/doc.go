// Package telemetry wires OpenTelemetry trace and metric providers for the
// gateway. When disabled every instrument is a no-op.
package telemetry
