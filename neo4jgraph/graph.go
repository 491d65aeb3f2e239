package neo4jgraph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"slices"
	"strings"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/twinsync"
)

// DefaultPageSize is the number of relationships fetched per page by
// IncomingRelationships when Graph.PageSize is not set.
const DefaultPageSize = 100

// Graph implements twinsync.GraphService on a Neo4j database.
//
// Twins are stored as nodes labelled Twin. The twin id, model id and ETag live
// in the reserved properties _dtId, _modelId and _etag; every other node
// property is a twin property. Relationships between twins are RELATED edges
// carrying their name and id in _name and _relationshipId.
//
// Each call runs in its own transaction; patches apply atomically.
type Graph struct {
	driver   neo4j.DriverWithContext // Connection to the neo4j server/cluster.
	database string                  // Target database name that identifies the specific underlying neo4j graph.

	// PageSize bounds the number of relationships read per transaction.
	PageSize int
}

// New returns a Graph operating on the given database.
func New(driver neo4j.DriverWithContext, database string) *Graph {
	return &Graph{driver: driver, database: database}
}

// Call newSession to open a session scoped to a single operation. Closing
// errors are logged, not returned: by then the operation has completed.
func (g *Graph) newSession(ctx context.Context, mode neo4j.AccessMode) (neo4j.SessionWithContext, func()) {
	// We open a new session for every operation to ensure transactional isolation
	// and to prevent any state carryover between different query executions.
	s := g.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: g.database,
		AccessMode:   mode,
	})
	return s, func() {
		if err := s.Close(ctx); err != nil {
			component.Logger(ctx).Error("Failed to close session", "error", err, "mode", mode)
		}
	}
}

// GetTwin implements twinsync.GraphService.
func (g *Graph) GetTwin(ctx context.Context, id twinsync.TwinID) (twinsync.Twin, error) {
	ctx, span := tracer.Start(ctx, "GetTwin", trace.WithAttributes(
		attribute.String("neo4j.database", g.database),
		attribute.String("twin.id", string(id)),
	))
	defer span.End()
	s, closeSession := g.newSession(ctx, neo4j.AccessModeRead)
	defer closeSession()

	v, err := s.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (t:Twin {_dtId: $id})
			RETURN t AS twin
		`, map[string]any{"id": string(id)})
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			if err := result.Err(); err != nil {
				return nil, err
			}
			return nil, &twinsync.NotFoundError{Kind: "twin", ID: string(id)}
		}
		return parseTwin(result.Record(), "twin")
	})
	if err != nil {
		err = classify(ctx, "GetTwin", err)
		span.SetStatus(codes.Error, err.Error())
		return twinsync.Twin{}, err
	}
	return v.(twinsync.Twin), nil
}

// IncomingRelationships implements twinsync.GraphService. Relationships are
// read in pages of PageSize, each in its own transaction, ordered by
// relationship id. Stopping the iteration early leaves the remaining pages
// unread.
func (g *Graph) IncomingRelationships(ctx context.Context, id twinsync.TwinID) iter.Seq2[twinsync.Relationship, error] {
	pageSize := g.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(twinsync.Relationship, error) bool) {
		ctx, span := tracer.Start(ctx, "IncomingRelationships", trace.WithAttributes(
			attribute.String("neo4j.database", g.database),
			attribute.String("twin.id", string(id)),
		))
		defer span.End()

		for skip := 0; ; skip += pageSize {
			page, err := g.relationshipPage(ctx, id, skip, pageSize)
			if err != nil {
				err = classify(ctx, "IncomingRelationships", err)
				span.SetStatus(codes.Error, err.Error())
				yield(twinsync.Relationship{}, err)
				return
			}
			span.AddEvent("page", trace.WithAttributes(attribute.Int("page.size", len(page))))
			for _, rel := range page {
				if !yield(rel, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

func (g *Graph) relationshipPage(ctx context.Context, id twinsync.TwinID, skip, limit int) ([]twinsync.Relationship, error) {
	s, closeSession := g.newSession(ctx, neo4j.AccessModeRead)
	defer closeSession()

	v, err := s.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (source:Twin)-[r:RELATED]->(target:Twin {_dtId: $id})
			RETURN r._relationshipId AS id, r._name AS name, source._dtId AS source, target._dtId AS target
			ORDER BY id
			SKIP $skip
			LIMIT $limit
		`, map[string]any{
			"id":    string(id),
			"skip":  skip,
			"limit": limit,
		})
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		page := make([]twinsync.Relationship, len(records))
		for i, record := range records {
			if page[i], err = parseRelationship(record); err != nil {
				return nil, err
			}
		}
		return page, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]twinsync.Relationship), nil
}

// Query implements twinsync.GraphService. The query is Cypher and must return
// twin nodes in a column named "twin"; see ParentQuery. The whole result is
// read in a single transaction before the first twin is yielded.
func (g *Graph) Query(ctx context.Context, query string) iter.Seq2[twinsync.Twin, error] {
	return func(yield func(twinsync.Twin, error) bool) {
		ctx, span := tracer.Start(ctx, "Query", trace.WithAttributes(
			attribute.String("neo4j.database", g.database),
			attribute.String("neo4j.query", query),
		))
		defer span.End()
		s, closeSession := g.newSession(ctx, neo4j.AccessModeRead)
		defer closeSession()

		v, err := s.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			result, err := tx.Run(ctx, query, nil)
			if err != nil {
				return nil, err
			}
			keys, err := result.Keys()
			if err != nil {
				return nil, err
			}
			if !slices.Contains(keys, "twin") {
				return nil, fmt.Errorf("%w: no %q column in %v", twinsync.ErrUnsupportedQuery, "twin", keys)
			}
			records, err := result.Collect(ctx)
			if err != nil {
				return nil, err
			}
			twins := make([]twinsync.Twin, len(records))
			for i, record := range records {
				if twins[i], err = parseTwin(record, "twin"); err != nil {
					return nil, err
				}
			}
			return twins, nil
		})
		if err != nil {
			err = classify(ctx, "Query", err)
			span.SetStatus(codes.Error, err.Error())
			yield(twinsync.Twin{}, err)
			return
		}
		for _, twin := range v.([]twinsync.Twin) {
			if !yield(twin, nil) {
				return
			}
		}
	}
}

// ParentQuery is a twinsync.QueryFunc building the Cypher equivalent of
// twinsync.ADTParentQuery:
//
//	MATCH (parent:Twin)-[:RELATED {_name: 'contains'}]->(:Twin {_dtId: 'serra01'})
//	RETURN parent AS twin
func ParentQuery(childID twinsync.TwinID, relationName string) string {
	return "MATCH (parent:Twin)-[:RELATED {_name: " + twinsync.QuoteLiteral(relationName) + "}]->" +
		"(:Twin {_dtId: " + twinsync.QuoteLiteral(string(childID)) + "}) " +
		"RETURN parent AS twin " +
		"ORDER BY parent._dtId"
}

// UpdateTwin implements twinsync.GraphService. Only top-level properties can be
// patched, and properties beginning with an underscore are reserved.
//
// The twin's node is write-locked for the duration of the transaction, so
// concurrent patches of the same twin serialise, and the ETag check is exact.
func (g *Graph) UpdateTwin(ctx context.Context, id twinsync.TwinID, patch twinsync.Patch, ifMatch string) error {
	ctx, span := tracer.Start(ctx, "UpdateTwin", trace.WithAttributes(
		attribute.String("neo4j.database", g.database),
		attribute.String("twin.id", string(id)),
		attribute.Int("patch.operations", len(patch)),
	))
	defer span.End()
	logger := component.Logger(ctx).With("neo4j.database", g.database, "twin.id", string(id))
	s, closeSession := g.newSession(ctx, neo4j.AccessModeWrite)
	defer closeSession()

	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Touching the node takes its write lock before we read its properties.
		result, err := tx.Run(ctx, `
			MATCH (t:Twin {_dtId: $id})
			SET t._etag = t._etag
			RETURN t AS twin
		`, map[string]any{"id": string(id)})
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			if err := result.Err(); err != nil {
				return nil, err
			}
			return nil, &twinsync.NotFoundError{Kind: "twin", ID: string(id)}
		}
		current, err := parseTwin(result.Record(), "twin")
		if err != nil {
			return nil, err
		}
		if ifMatch != "" && ifMatch != "*" && ifMatch != current.ETag {
			return nil, rejectPatch(ctx, "UpdateTwin", http.StatusPreconditionFailed, "PreconditionFailed", twinsync.ErrPreconditionFailed)
		}

		set, err := patchProperties(current.Properties, patch)
		if err != nil {
			return nil, rejectPatch(ctx, "UpdateTwin", http.StatusBadRequest, "JsonPatchInvalid", err)
		}
		_, err = tx.Run(ctx, `
			MATCH (t:Twin {_dtId: $id})
			SET t += $props, t._etag = $etag, t._last_modified = datetime()
		`, map[string]any{
			"id":    string(id),
			"props": set,
			"etag":  newETag(),
		})
		return nil, err
	})
	if err != nil {
		err = classify(ctx, "UpdateTwin", err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Debug("Updated twin", "patch", patch.String())
	return nil
}

// patchProperties checks patch against the current properties and returns the
// property assignments it amounts to.
func patchProperties(current map[string]any, patch twinsync.Patch) (map[string]any, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	set := make(map[string]any, len(patch))
	for _, op := range patch {
		tokens, err := twinsync.SplitPath(op.Path)
		if err != nil {
			return nil, err
		}
		if len(tokens) != 1 {
			return nil, &twinsync.InvalidPathError{Path: op.Path, Reason: "nested properties are not supported"}
		}
		name := tokens[0]
		if strings.HasPrefix(name, "_") {
			return nil, &twinsync.InvalidPathError{Path: op.Path, Reason: "reserved property"}
		}
		if op.Value == nil {
			return nil, &twinsync.InvalidPathError{Path: op.Path, Reason: "null values are not supported"}
		}
		_, exists := current[name]
		switch op.Op {
		case twinsync.OpAdd:
			if exists {
				return nil, fmt.Errorf("%s: %w", op.Path, twinsync.ErrPropertyExists)
			}
		case twinsync.OpReplace:
			if !exists {
				return nil, fmt.Errorf("%s: %w", op.Path, twinsync.ErrPropertyMissing)
			}
		default:
			return nil, fmt.Errorf("unsupported patch op %q", op.Op)
		}
		set[name] = op.Value
	}
	return set, nil
}

// rejectPatch counts a patch the graph refused and returns the error
// describing it.
func rejectPatch(ctx context.Context, op string, status int, code string, err error) error {
	rejectedPatches.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", code)))
	return &twinsync.TransportError{Op: op, StatusCode: status, Code: code, Err: err}
}

// Call classify with an error returned from a transaction to translate it into
// the error kinds documented by twinsync.GraphService.
//
// The function panics when a Cypher query and the code parsing its results
// disagree: this is a bug that no caller can handle.
func classify(ctx context.Context, op string, err error) error {
	var nf *twinsync.NotFoundError
	var te *twinsync.TransportError
	switch {
	case errors.As(err, &nf), errors.As(err, &te):
		return err
	case errors.Is(err, errPropertyNotFound), errors.As(err, &unexpectedPropertyTypeError{}):
		component.Logger(ctx).Error("A Cypher query was modified without care", "error", err)
		panic(fmt.Errorf("seek developer attention: neo4j cypher query: %w", err))
	default:
		return &twinsync.TransportError{Op: op, Err: fmt.Errorf("neo4j execute: %w", err)}
	}
}

func newETag() string {
	return `W/"` + uuid.NewString() + `"`
}

// parseTwin reads the twin node stored under key in the record.
func parseTwin(record *neo4j.Record, key string) (twinsync.Twin, error) {
	node, err := getRecordProperty[neo4j.Node](record, key)
	if err != nil {
		return twinsync.Twin{}, err
	}
	id, err := getNodeProperty[string](node, "_dtId")
	if err != nil {
		return twinsync.Twin{}, err
	}
	model, _ := node.Props["_modelId"].(string)
	etag, _ := node.Props["_etag"].(string)

	props := make(map[string]any, len(node.Props))
	for name, v := range node.Props {
		if strings.HasPrefix(name, "_") {
			continue
		}
		props[name] = v
	}
	return twinsync.Twin{
		ID:         twinsync.TwinID(id),
		ModelID:    model,
		ETag:       etag,
		Properties: props,
	}, nil
}

func parseRelationship(record *neo4j.Record) (rel twinsync.Relationship, err error) {
	if rel.ID, err = getRecordProperty[string](record, "id"); err != nil {
		return rel, err
	}
	if rel.Name, err = getRecordProperty[string](record, "name"); err != nil {
		return rel, err
	}
	source, err := getRecordProperty[string](record, "source")
	if err != nil {
		return rel, err
	}
	target, err := getRecordProperty[string](record, "target")
	if err != nil {
		return rel, err
	}
	rel.SourceID, rel.TargetID = twinsync.TwinID(source), twinsync.TwinID(target)
	return rel, nil
}
