package twinsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Patcher writes property patches to twins.
type Patcher struct {
	Graph GraphService
}

type patchOptions struct {
	known   *Twin
	ifMatch string
}

// A PatchOption configures a single ApplyPatch call.
type PatchOption func(*patchOptions)

// WithKnownState tells ApplyPatch the current state of the twin being patched.
// Add operations on properties the twin already holds are sent as Replace.
func WithKnownState(twin Twin) PatchOption {
	return func(o *patchOptions) { o.known = &twin }
}

// WithIfMatch makes the write conditional on the twin's ETag still being etag.
// An empty etag means an unconditional write.
func WithIfMatch(etag string) PatchOption {
	return func(o *patchOptions) { o.ifMatch = etag }
}

// ApplyPatch sends patch to the twin with the given id as a single update.
// Either every operation takes effect or none does; that guarantee is the
// graph service's.
//
// The patch is validated before anything is sent. ApplyPatch never retries: a
// *NotFoundError or *TransportError is returned to the caller as is.
func (p Patcher) ApplyPatch(ctx context.Context, id TwinID, patch Patch, opts ...PatchOption) error {
	if id == "" {
		return ErrEmptyTwinID
	}
	if err := patch.Validate(); err != nil {
		return fmt.Errorf("validate patch: %w", err)
	}
	var o patchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.known != nil {
		patch = reconcile(patch, *o.known)
	}

	ctx, span := tracer.Start(ctx, "Patcher.ApplyPatch", trace.WithAttributes(
		attribute.String("twin.id", string(id)),
		attribute.Int("patch.operations", len(patch)),
		attribute.Bool("patch.conditional", o.ifMatch != ""),
	))
	defer span.End()
	logger := component.Logger(ctx).With(slog.String("twin.id", string(id)))

	if err := p.Graph.UpdateTwin(ctx, id, patch, o.ifMatch); err != nil {
		err = asTransportError("UpdateTwin", err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Info("Patched twin", slog.String("patch", patch.String()))
	return nil
}

// reconcile returns a copy of patch whose Add operations on properties already
// present in twin are turned into Replace operations. Paths deeper than a
// top-level property are left alone.
func reconcile(patch Patch, twin Twin) Patch {
	out := make(Patch, len(patch))
	for i, op := range patch {
		if op.Op == OpAdd {
			if name, ok := topLevelProperty(op.Path); ok && twin.HasProperty(name) {
				op.Op = OpReplace
			}
		}
		out[i] = op
	}
	return out
}
