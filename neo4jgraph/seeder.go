package neo4jgraph

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/twinsync"
)

// CreateTwin creates a twin node. The ETag is assigned by the graph; creating a
// twin whose id already exists fails on the constraint set up by
// BootstrapDatabase.
func (g *Graph) CreateTwin(ctx context.Context, twin twinsync.Twin) error {
	if twin.ID == "" {
		return twinsync.ErrEmptyTwinID
	}
	props, err := nodeProperties(twin.Properties)
	if err != nil {
		return fmt.Errorf("create twin %q: %w", twin.ID, err)
	}
	ctx, span := tracer.Start(ctx, "CreateTwin", trace.WithAttributes(
		attribute.String("neo4j.database", g.database),
		attribute.String("twin.id", string(twin.ID)),
	))
	defer span.End()
	s, closeSession := g.newSession(ctx, neo4j.AccessModeWrite)
	defer closeSession()

	_, err = s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			CREATE (t:Twin)
			SET t = $props,
				t._dtId = $id,
				t._modelId = $model,
				t._etag = $etag,
				t._created_at = datetime(),
				t._last_modified = datetime()
			RETURN count(t) AS nodes
		`, map[string]any{
			"props": props,
			"id":    string(twin.ID),
			"model": twin.ModelID,
			"etag":  newETag(),
		})
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("query single result: %w", err)
		}
		nodes, err := getRecordProperty[int64](record, "nodes")
		if err != nil {
			return nil, fmt.Errorf("get nodes: %w", err)
		}
		// Creating a twin creates exactly one node; anything else means the graph
		// has lost its integrity.
		if nodes != 1 {
			panicWithCorruptedGraph(ctx, fmt.Sprintf("create-twin created %v nodes instead of 1", nodes))
		}
		return nil, nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("create twin %q: %w", twin.ID, err)
	}
	return nil
}

// CreateRelationship creates a relationship between two existing twins. An
// empty relationship id is replaced with a generated one.
func (g *Graph) CreateRelationship(ctx context.Context, rel twinsync.Relationship) error {
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "CreateRelationship", trace.WithAttributes(
		attribute.String("neo4j.database", g.database),
		attribute.String("relationship.id", rel.ID),
		attribute.String("relationship.name", rel.Name),
	))
	defer span.End()
	s, closeSession := g.newSession(ctx, neo4j.AccessModeWrite)
	defer closeSession()

	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			OPTIONAL MATCH (source:Twin {_dtId: $source})
			OPTIONAL MATCH (target:Twin {_dtId: $target})
			FOREACH (ignored IN CASE WHEN source IS NULL OR target IS NULL THEN [] ELSE [1] END |
				CREATE (source)-[:RELATED {_name: $name, _relationshipId: $id, _created_at: datetime()}]->(target)
			)
			RETURN source IS NOT NULL AS sourceFound, target IS NOT NULL AS targetFound
		`, map[string]any{
			"source": string(rel.SourceID),
			"target": string(rel.TargetID),
			"name":   rel.Name,
			"id":     rel.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("query single result: %w", err)
		}
		for _, end := range []struct {
			key string
			id  twinsync.TwinID
		}{{"sourceFound", rel.SourceID}, {"targetFound", rel.TargetID}} {
			found, ok := record.Get(end.key)
			if !ok {
				return nil, errPropertyNotFound
			}
			if found != true {
				return nil, &twinsync.NotFoundError{Kind: "twin", ID: string(end.id)}
			}
		}
		return nil, nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if twinsync.IsNotFound(err) {
			return err
		}
		return fmt.Errorf("create relationship %q: %w", rel.ID, err)
	}
	return nil
}

// nodeProperties returns the node properties to store for a twin's property
// bag, rejecting reserved names.
func nodeProperties(props map[string]any) (map[string]any, error) {
	for name := range props {
		if strings.HasPrefix(name, "_") {
			return nil, fmt.Errorf("property %q: reserved name", name)
		}
	}
	out := maps.Clone(props)
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}

// We modify the underlying neo4j graph database in a way that prompts us when
// the graph violates some of our basic constraints.
//
// When we suspect the graph has lost its integrity, we may no longer operate on
// it. In which case, we must immediately stop all operations. This is achieved
// with a panic preceded by telemetry signals (traces, metrics, and logs) to
// bring the situation to our immediate attention.
func panicWithCorruptedGraph(ctx context.Context, reason string) {
	component.Logger(ctx).ErrorContext(ctx, "Encountered corrupted neo4j graph that violates twin constraints", "error", reason)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, reason)
	panic(fmt.Errorf("neo4j graph violates twin constraints: %v", reason))
}
