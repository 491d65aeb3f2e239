// Package twinsync keeps the properties of digital twins in sync with the
// telemetry their devices report.
//
// A twin lives in a managed graph service (Azure Digital Twins, or a Neo4j
// database standing in for one) that this package reaches only through the
// GraphService interface. For every TelemetryEvent, a Driver reads the device
// twin, optionally resolves a related twin through a Resolver, and writes the
// event's fields to the target twin with a Patcher. Events are independent:
// a failure aborts the event at hand and nothing else.
//
// Telemetry arrives through an EventSource reading a gocloud.dev pubsub
// subscription, or through the transports in the mqttsource and trigger
// packages. Decoders for IoT Hub envelopes and SenML packs turn transport
// payloads into events.
//
// Each operation logs through the *slog.Logger found in its context (see
// component.Logger), and reports spans and metrics through OpenTelemetry.
package twinsync
