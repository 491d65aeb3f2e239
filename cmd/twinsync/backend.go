package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-digitaltwin/twinsync"
	"github.com/go-digitaltwin/twinsync/adt"
	"github.com/go-digitaltwin/twinsync/internal/config"
	"github.com/go-digitaltwin/twinsync/memgraph"
	"github.com/go-digitaltwin/twinsync/neo4jgraph"
)

// backend is an opened graph service and the parent query dialect it speaks.
type backend struct {
	graph       twinsync.GraphService
	parentQuery twinsync.QueryFunc
	close       func()
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	logger := component.Logger(ctx)
	switch cfg.Backend {
	case config.BackendADT:
		creds := adt.Credentials{
			TenantID:     cfg.ADT.TenantID,
			ClientID:     cfg.ADT.ClientID,
			ClientSecret: cfg.ADT.ClientSecret,
		}
		client, err := adt.NewClient(cfg.ADT.Endpoint, creds.HTTPClient(ctx))
		if err != nil {
			return backend{}, err
		}
		logger.Info("Using Azure Digital Twins", slog.String("endpoint", cfg.ADT.Endpoint))
		return backend{graph: client, parentQuery: twinsync.ADTParentQuery, close: func() {}}, nil

	case config.BackendNeo4j:
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URI, neo4j.BasicAuth(cfg.Neo4j.Username, cfg.Neo4j.Password, ""))
		if err != nil {
			return backend{}, fmt.Errorf("create neo4j driver: %w", err)
		}
		closeDriver := func() {
			if err := driver.Close(context.Background()); err != nil {
				logger.Warn("Failed to close neo4j driver", slog.Any("error", err))
			}
		}
		notify := func(err error, next time.Duration) {
			logger.Warn("Neo4j not ready", slog.Any("error", err), slog.Duration("retry_in", next))
		}
		policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		if err := backoff.RetryNotify(func() error { return driver.VerifyConnectivity(ctx) }, policy, notify); err != nil {
			closeDriver()
			return backend{}, fmt.Errorf("verify neo4j connectivity: %w", err)
		}
		if cfg.Neo4j.Bootstrap {
			if err := neo4jgraph.BootstrapDatabase(ctx, driver, cfg.Neo4j.Database); err != nil {
				closeDriver()
				return backend{}, fmt.Errorf("bootstrap neo4j database: %w", err)
			}
		}
		logger.Info("Using Neo4j", slog.String("uri", cfg.Neo4j.URI), slog.String("database", cfg.Neo4j.Database))
		return backend{graph: neo4jgraph.New(driver, cfg.Neo4j.Database), parentQuery: neo4jgraph.ParentQuery, close: closeDriver}, nil

	default:
		logger.Warn("Using an empty in-memory graph; every event will fail to find its twin")
		return backend{graph: memgraph.New(), parentQuery: twinsync.ADTParentQuery, close: func() {}}, nil
	}
}
