package twinsync

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/twinsync")
var meter = otel.Meter("github.com/go-digitaltwin/twinsync")

const (
	// stageAttribute associates each record with the Driver stage that ended the
	// event's processing: "patching" for successful events, the failing stage
	// otherwise.
	stageAttribute = "stage"
	// reasonAttribute tells skipped events apart: "no_parent" or "no_fields".
	reasonAttribute = "reason"
)

// Skip reasons.
const (
	skipNoParent = "no_parent"
	skipNoFields = "no_fields"
)

var (
	// syncDuration measures the processing of a single TelemetryEvent, from
	// reading the device twin to the acknowledgement of the patch.
	//
	// Only successful events are recorded.
	syncDuration metric.Float64Histogram
	// syncFailures counts events whose processing was aborted.
	//
	// Each record is associated with the stageAttribute of the failure.
	syncFailures metric.Int64Counter
	// syncSkipped counts events that were dropped without error, labelled with
	// the stageAttribute and reasonAttribute of the skip.
	syncSkipped metric.Int64Counter
	// duplicateParents counts parent queries that returned more than one row.
	// The resolver only ever uses the first row, so a non-zero rate hints at data
	// quality issues in the graph.
	duplicateParents metric.Int64Counter
)

func init() {
	var err error
	syncDuration, err = meter.Float64Histogram(
		"twinsync.sync.duration",
		metric.WithDescription("The duration of processing a single telemetry event, including all graph service calls."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("twinsync: failed to init 'twinsync.sync.duration' instrument")
	}

	syncFailures, err = meter.Int64Counter(
		"twinsync.sync.failures",
		metric.WithDescription("The number of telemetry events whose processing was aborted."),
	)
	if err != nil {
		panic("twinsync: failed to init 'twinsync.sync.failures' instrument")
	}

	syncSkipped, err = meter.Int64Counter(
		"twinsync.sync.skipped",
		metric.WithDescription("The number of telemetry events skipped without writing to any twin."),
	)
	if err != nil {
		panic("twinsync: failed to init 'twinsync.sync.skipped' instrument")
	}

	duplicateParents, err = meter.Int64Counter(
		"twinsync.resolve.duplicates",
		metric.WithDescription("The number of parent queries that returned more than a single row."),
	)
	if err != nil {
		panic("twinsync: failed to init 'twinsync.resolve.duplicates' instrument")
	}
}

// measureSync records the outcome of processing one event. Successful events
// record their duration; failed events increment the failure counter labelled
// with the stage that failed.
func measureSync(ctx context.Context, stage Stage, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(stageAttribute, stage.String()))
	if succeeded {
		// Floating-point division keeps sub-millisecond precision.
		duration := float64(d) / float64(time.Millisecond)
		syncDuration.Record(ctx, duration, metric.WithAttributeSet(attrs))
	} else {
		syncFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}

// measureSkip records an event that Process dropped without error.
func measureSkip(ctx context.Context, stage Stage, reason string) {
	syncSkipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String(stageAttribute, stage.String()),
		attribute.String(reasonAttribute, reason),
	))
}
