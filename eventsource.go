package twinsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"
)

// EventHandler processes one decoded TelemetryEvent. Driver.Process is one.
type EventHandler func(ctx context.Context, event TelemetryEvent) error

// EventSource receives telemetry from a pubsub subscription and decodes it
// into TelemetryEvent values.
type EventSource struct {
	Subscription *pubsub.Subscription
	Decoder      Decoder
	// Concurrency bounds the number of events handled at once. Values below 1
	// mean one event at a time.
	Concurrency int
}

// Run receives messages until ctx is done or the subscription fails, passing
// each decoded event to h.
//
// Messages are acknowledged as soon as they are received, even if they later
// fail to decode or process; otherwise a poison message would be redelivered
// forever. Decode and handler errors are logged and the message dropped.
// Run returns nil when ctx is cancelled.
func (s EventSource) Run(ctx context.Context, h EventHandler) error {
	logger := component.Logger(ctx)
	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for {
		msg, err := s.Subscription.Receive(gctx)
		if err != nil {
			// Drain in-flight handlers before reporting anything.
			_ = g.Wait()
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				// we're shutting down
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		msg.Ack()

		metadata := msg.Metadata
		if metadata[MetadataEventID] == "" && msg.LoggableID != "" {
			metadata = withEventID(metadata, msg.LoggableID)
		}
		event, err := s.Decoder(msg.Body, metadata)
		if err != nil {
			logger.WarnContext(ctx, "Dropping undecodable telemetry message", slog.String("message.id", msg.LoggableID), slog.Any("error", err))
			continue
		}

		g.Go(func() error {
			if err := h(gctx, event); err != nil {
				// Handlers log their own failures in detail; this only records the
				// drop.
				logger.DebugContext(gctx, "Telemetry event dropped", slog.String("event.id", event.ID), slog.Any("error", err))
			}
			return nil
		})
	}
}

func withEventID(metadata map[string]string, id string) map[string]string {
	out := maps.Clone(metadata)
	if out == nil {
		out = make(map[string]string, 1)
	}
	out[MetadataEventID] = id
	return out
}

// Stream returns a component.Proc that runs the source until the component
// shuts down. A subscription failure is fatal to the component.
func (s EventSource) Stream(h EventHandler) component.Proc {
	return func(l *component.L) {
		if err := s.Run(l.Context(), h); err != nil {
			l.Fatal(err)
		}
	}
}

// SyncTelemetry returns a component.Proc that synchronizes every event
// received from sub into the twin graph using d.
func (d Driver) SyncTelemetry(sub *pubsub.Subscription, decode Decoder, concurrency int) component.Proc {
	source := EventSource{
		Subscription: sub,
		Decoder:      decode,
		Concurrency:  concurrency,
	}
	return source.Stream(d.Process)
}
