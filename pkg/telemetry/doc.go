// Package telemetry wires OpenTelemetry exporters and meters for brickflow.
//
// It centralises trace provider setup, records step and fan-out metrics for the
// reducer, annotates spans with remote gate decisions and exposes Prometheus
// collectors for the frame agent server.
package telemetry
