// Command twinsync synchronizes digital-twin properties from device telemetry.
//
// It reads telemetry from any combination of a pubsub subscription, an MQTT
// topic and its HTTP trigger API, and writes each event's fields to the twin
// graph selected by TWINSYNC_BACKEND. See internal/config for the environment
// variables it understands.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/natspubsub"

	"github.com/go-digitaltwin/twinsync"
	"github.com/go-digitaltwin/twinsync/internal/config"
	"github.com/go-digitaltwin/twinsync/mqttsource"
	"github.com/go-digitaltwin/twinsync/trigger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(2)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	ctx := component.InjectLogger(context.Background(), logger)

	graph, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Error("Failed to open graph backend", slog.String("backend", cfg.Backend), slog.Any("error", err))
		os.Exit(1)
	}
	defer graph.close()

	decode, err := cfg.DecodeFunc()
	if err != nil {
		logger.Error("Invalid decoder", slog.Any("error", err))
		os.Exit(2)
	}
	d := newDriver(cfg, graph)

	var sub *pubsub.Subscription
	if cfg.SubscriptionURL != "" {
		sub, err = pubsub.OpenSubscription(ctx, cfg.SubscriptionURL)
		if err != nil {
			logger.Error("Failed to open subscription", slog.String("url", cfg.SubscriptionURL), slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := sub.Shutdown(ctx); err != nil {
				logger.Warn("Failed to shut down subscription", slog.Any("error", err))
			}
		}()
	}

	logger.Info("Starting twinsync",
		slog.String("backend", cfg.Backend),
		slog.String("relation", cfg.Relation),
		slog.String("decoder", cfg.Decoder),
		slog.Bool("conditional", cfg.Conditional),
	)
	component.RunProc(func(l *component.L) {
		if sub != nil {
			l.Fork("pubsub telemetry", d.SyncTelemetry(sub, decode, cfg.Concurrency))
		}
		if cfg.MQTT.Broker != "" {
			src := mqttsource.Source{
				Config: mqttsource.Config{
					Broker:   cfg.MQTT.Broker,
					ClientID: cfg.MQTT.ClientID,
					Username: cfg.MQTT.Username,
					Password: cfg.MQTT.Password,
					Topic:    cfg.MQTT.Topic,
					QoS:      cfg.MQTT.QoS,
				},
				Decoder: decode,
			}
			l.Fork("mqtt telemetry", src.Stream(d.Process))
		}
		if cfg.HTTPEnabled() {
			l.Go("http trigger", serveHTTP(cfg.HTTPAddr, trigger.MakeHandler(d, logger)))
		}
	})
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func newDriver(cfg config.Config, b backend) twinsync.Driver {
	var resolver twinsync.Resolver = twinsync.QueryResolver{Graph: b.graph, Query: b.parentQuery}
	if cfg.Resolver == "traversal" {
		resolver = twinsync.TraversalResolver{Graph: b.graph}
	}
	return twinsync.Driver{
		Reader:      twinsync.Reader{Graph: b.graph},
		Resolver:    resolver,
		Patcher:     twinsync.Patcher{Graph: b.graph},
		Relation:    cfg.Relation,
		Properties:  cfg.Properties,
		Conditional: cfg.Conditional,
	}
}

// serveHTTP returns a component.Proc serving h on addr until the component
// stops.
func serveHTTP(addr string, h http.Handler) component.Proc {
	return func(l *component.L) {
		logger := component.Logger(l.Context())
		srv := &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-l.Context().Done()
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("Failed to shut down HTTP server", slog.Any("error", err))
			}
		}()

		logger.Info("Serving trigger API", slog.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			l.Fatal(err)
		}
	}
}
