package twinsync

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Reader fetches twins from a GraphService.
type Reader struct {
	Graph GraphService
}

// FetchTwin returns the full property bag and model id of the twin with the
// given id.
//
// It returns a *NotFoundError if the service does not know the id, and a
// *TransportError for any other failure. FetchTwin has no side effects.
func (r Reader) FetchTwin(ctx context.Context, id TwinID) (Twin, error) {
	if id == "" {
		return Twin{}, ErrEmptyTwinID
	}
	ctx, span := tracer.Start(ctx, "Reader.FetchTwin", trace.WithAttributes(
		attribute.String("twin.id", string(id)),
	))
	defer span.End()
	logger := component.Logger(ctx).With(slog.String("twin.id", string(id)))

	twin, err := r.Graph.GetTwin(ctx, id)
	if err != nil {
		err = asTransportError("GetTwin", err)
		span.SetStatus(codes.Error, err.Error())
		return Twin{}, err
	}

	logger.Debug("Fetched twin", slog.String("model.id", twin.ModelID), slog.Int("properties", len(twin.Properties)))
	for _, name := range slices.Sorted(maps.Keys(twin.Properties)) {
		logger.Debug("Twin property", slog.String("name", name), slog.Any("value", twin.Properties[name]))
	}
	return twin, nil
}
