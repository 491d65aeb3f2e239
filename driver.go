package twinsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stage is the step of event processing a Driver is in.
type Stage int

const (
	Idle Stage = iota
	Reading
	Resolving
	Patching
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reading:
		return "reading"
	case Resolving:
		return "resolving"
	case Patching:
		return "patching"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// A SyncError reports the failure of processing one TelemetryEvent, and the
// stage at which it happened.
type SyncError struct {
	EventID  string
	DeviceID string
	Stage    Stage
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync event %q from %q: %s: %v", e.EventID, e.DeviceID, e.Stage, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Driver synchronizes twin properties from telemetry events. For each event it
// confirms the device twin exists, optionally resolves the twin related to it,
// and writes the event's fields as properties of the target twin.
//
// A Driver holds only configuration and is safe for concurrent use.
type Driver struct {
	Reader   Reader
	Resolver Resolver
	Patcher  Patcher

	// Relation names the relationship to follow from the device twin to its
	// parent. The fields are written to the parent instead of the device twin.
	// Empty means the device twin itself is patched.
	Relation string
	// Properties maps event field names to twin property names. When set,
	// fields without a mapping are ignored. When nil, fields are written under
	// their own names.
	Properties map[string]string
	// Conditional makes each write conditional on the ETag read earlier in the
	// same event's processing.
	Conditional bool
}

// Process runs one event through the Reading, Resolving and Patching stages.
// A failure aborts the remaining stages for this event only, and is returned
// as a *SyncError after being logged once.
//
// An event for a device without a parent (when a Relation is configured), or
// without any field to write, is skipped: Process returns nil.
func (d Driver) Process(ctx context.Context, event TelemetryEvent) error {
	ctx, span := tracer.Start(ctx, "Driver.Process", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("device.id", event.DeviceID),
	))
	defer span.End()
	logger := component.Logger(ctx).With(
		slog.String("event.id", event.ID),
		slog.String("device.id", event.DeviceID),
	)
	ctx = component.InjectLogger(ctx, logger)

	start := time.Now()
	stage := Idle
	fail := func(err error) error {
		measureSync(ctx, stage, false, time.Since(start))
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "Failed to process telemetry event", slog.String("stage", stage.String()), slog.Any("error", err))
		return &SyncError{EventID: event.ID, DeviceID: event.DeviceID, Stage: stage, Err: err}
	}

	stage = Reading
	logger.Debug("Reading device twin")
	target, err := d.Reader.FetchTwin(ctx, TwinID(event.DeviceID))
	if err != nil {
		return fail(err)
	}

	if d.Relation != "" && d.Resolver != nil {
		stage = Resolving
		logger.Debug("Resolving related twin", slog.String("relationship.name", d.Relation))
		parentID, err := d.Resolver.ResolveParent(ctx, target.ID, d.Relation)
		if errors.Is(err, ErrNoneFound) {
			measureSkip(ctx, stage, skipNoParent)
			logger.Warn("Skipping event: device twin has no parent", slog.String("relationship.name", d.Relation))
			return nil
		}
		if err != nil {
			return fail(err)
		}
		target, err = d.Reader.FetchTwin(ctx, parentID)
		if err != nil {
			return fail(err)
		}
	}

	stage = Patching
	patch := d.buildPatch(event, target)
	if len(patch) == 0 {
		measureSkip(ctx, stage, skipNoFields)
		logger.Info("Skipping event: no fields to write", slog.Int("fields", len(event.Fields)))
		return nil
	}
	opts := []PatchOption{WithKnownState(target)}
	if d.Conditional {
		opts = append(opts, WithIfMatch(target.ETag))
	}
	if err := d.Patcher.ApplyPatch(ctx, target.ID, patch, opts...); err != nil {
		return fail(err)
	}

	measureSync(ctx, stage, true, time.Since(start))
	logger.Info("Synchronized telemetry event", slog.String("twin.id", string(target.ID)), slog.Int("operations", len(patch)))
	return nil
}

// buildPatch translates event fields into patch operations, ordered by field
// name. Properties the target lacks are added, the rest are replaced.
func (d Driver) buildPatch(event TelemetryEvent, target Twin) Patch {
	var patch Patch
	for _, field := range slices.Sorted(maps.Keys(event.Fields)) {
		name := field
		if d.Properties != nil {
			mapped, ok := d.Properties[field]
			if !ok {
				continue
			}
			name = mapped
		}
		value := event.Fields[field]
		if target.HasProperty(name) {
			patch = append(patch, Replace(PropertyPath(name), value))
		} else {
			patch = append(patch, Add(PropertyPath(name), value))
		}
	}
	return patch
}
