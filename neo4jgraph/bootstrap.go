// Package neo4jgraph stores a twin graph in Neo4j, standing in for a managed
// digital-twin service. Its Graph implements twinsync.GraphService.
package neo4jgraph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// BootstrapDatabase creates the named database and the constraints twins rely
// on.
//
// Twin ids are constrained as a node key, which both indexes them for lookups
// and rejects duplicate twins (e.g. caused by concurrent seeding).
//
// To execute queries against the created database, open a session with the
// database name as the default database. For example:
//
//	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
//	defer func() { _ = s.Close(ctx) }()
//	... use s ...
//
// This function is idempotent.
func BootstrapDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	return CreateConstraints(ctx, d, name)
}

// CreateConstraints creates the twin constraints in an existing database. Use
// it directly for the default database, which BootstrapDatabase refuses to
// create.
//
// This function is idempotent.
func CreateConstraints(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
	defer func() { _ = s.Close(ctx) }()

	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// We use key constraint instead of uniqueness constraint because we can
		// (it is only available in the enterprise edition).
		_, err := tx.Run(ctx, `
			CREATE CONSTRAINT twin_id IF NOT EXISTS
			FOR (t:Twin)
			REQUIRE t._dtId IS NODE KEY
		`, nil)
		if err != nil {
			return nil, fmt.Errorf("key constraint: label Twin: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("create constraints: %w", err)
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if name == "" {
		panic("neo4jgraph: database name must not be empty")
	}
	if name == "neo4j" {
		panic("neo4jgraph: database name must not be neo4j: reserved for system database")
	}
	if strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_") {
		panic("neo4jgraph: Names that begin with an underscore and with the prefix system are reserved for internal use")
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	// create a new database if it does not exist
	result, err := s.Run(ctx, `
			CREATE DATABASE $name IF NOT EXISTS
		`, map[string]any{
		"name": name,
	})
	if err != nil {
		return err
	}
	_, err = result.Consume(ctx)
	return err
}
