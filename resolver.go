package twinsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRelation is the relationship name connecting a parent twin to the
// twins it contains.
const DefaultRelation = "contains"

var relationNamePattern = regexp.MustCompile(`^\w+$`)

// ValidRelationName reports whether name can be spliced into a parent query:
// one or more letters, digits or underscores.
func ValidRelationName(name string) bool {
	return relationNamePattern.MatchString(name)
}

// relationOrDefault maps an empty name to DefaultRelation and rejects names
// that are not ValidRelationName.
func relationOrDefault(name string) (string, error) {
	if name == "" {
		return DefaultRelation, nil
	}
	if !ValidRelationName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRelation, name)
	}
	return name, nil
}

// A Resolver finds the logical parent of a twin.
//
// ResolveParent returns ErrNoneFound when the graph holds no such parent, and a
// wrapped *TransportError when the graph service could not be reached. Use
// errors.Is and errors.As to tell the two apart.
type Resolver interface {
	ResolveParent(ctx context.Context, childID TwinID, relationName string) (TwinID, error)
}

// TraversalResolver resolves parents by scanning the incoming relationships of
// the child twin.
type TraversalResolver struct {
	Graph GraphService
}

// ResolveParent returns the source of the first incoming relationship named
// relationName. It stops reading relationships as soon as one matches, so
// later pages are never fetched. An empty relationName means DefaultRelation.
func (r TraversalResolver) ResolveParent(ctx context.Context, childID TwinID, relationName string) (TwinID, error) {
	if childID == "" {
		return "", ErrEmptyTwinID
	}
	relationName, err := relationOrDefault(relationName)
	if err != nil {
		return "", err
	}
	ctx, span := tracer.Start(ctx, "TraversalResolver.ResolveParent", trace.WithAttributes(
		attribute.String("twin.id", string(childID)),
		attribute.String("relationship.name", relationName),
	))
	defer span.End()
	logger := component.Logger(ctx).With(
		slog.String("twin.id", string(childID)),
		slog.String("relationship.name", relationName),
	)

	for rel, err := range r.Graph.IncomingRelationships(ctx, childID) {
		if err != nil {
			return "", resolveFailed(ctx, logger, span, "IncomingRelationships", err)
		}
		logger.Info("Inspecting incoming relationship", slog.String("name", rel.Name), slog.String("source", string(rel.SourceID)))
		if rel.Name == relationName {
			span.SetAttributes(attribute.String("parent.id", string(rel.SourceID)))
			return rel.SourceID, nil
		}
	}
	logger.Info("No incoming relationship matched")
	return "", ErrNoneFound
}

// QueryFunc builds a query selecting the parents of childID through relations
// named relationName, in the query language of a particular GraphService.
type QueryFunc func(childID TwinID, relationName string) string

// QueryResolver resolves parents by issuing a graph query and taking its first
// row.
//
// The graph is assumed to hold at most one meaningful parent per child. This is
// a simplification, not a guarantee: when the query returns more rows, the
// extra rows are ignored, logged as a warning, and counted by the
// "twinsync.resolve.duplicates" instrument so duplicate-parent data surfaces
// instead of being silently masked.
type QueryResolver struct {
	Graph GraphService
	// Query builds the parent query. Nil means ADTParentQuery.
	Query QueryFunc
}

// ResolveParent returns the id of the first twin selected by the parent query.
// An empty relationName means DefaultRelation.
func (r QueryResolver) ResolveParent(ctx context.Context, childID TwinID, relationName string) (TwinID, error) {
	if childID == "" {
		return "", ErrEmptyTwinID
	}
	relationName, err := relationOrDefault(relationName)
	if err != nil {
		return "", err
	}
	build := r.Query
	if build == nil {
		build = ADTParentQuery
	}
	query := build(childID, relationName)

	ctx, span := tracer.Start(ctx, "QueryResolver.ResolveParent", trace.WithAttributes(
		attribute.String("twin.id", string(childID)),
		attribute.String("relationship.name", relationName),
	))
	defer span.End()
	logger := component.Logger(ctx).With(slog.String("twin.id", string(childID)))
	logger.Info("Querying for parent twin", slog.String("query", query))

	var parent TwinID
	var rows int
	for twin, err := range r.Graph.Query(ctx, query) {
		if err != nil {
			return "", resolveFailed(ctx, logger, span, "Query", err)
		}
		rows++
		logger.Info("Inspecting query row", slog.Int("row", rows), slog.String("id", string(twin.ID)))
		if rows == 1 {
			parent = twin.ID
			continue
		}
		// One extra row is enough to flag the result; there is no need to drain
		// the remaining pages.
		logger.Warn("Parent query returned duplicate parents; using the first row",
			slog.String("parent.id", string(parent)),
			slog.String("ignored.id", string(twin.ID)),
		)
		duplicateParents.Add(ctx, 1, metric.WithAttributes(attribute.String("relationship.name", relationName)))
		break
	}
	if rows == 0 {
		logger.Warn("No parent found")
		return "", ErrNoneFound
	}
	span.SetAttributes(attribute.String("parent.id", string(parent)))
	return parent, nil
}

// Call resolveFailed with an error yielded by a GraphService sequence. Transport
// failures are logged here and returned wrapped; anything else is a programming
// error that the caller must see untouched.
func resolveFailed(ctx context.Context, logger *slog.Logger, span trace.Span, op string, err error) error {
	span.SetStatus(codes.Error, err.Error())
	var te *TransportError
	if errors.As(err, &te) {
		logger.ErrorContext(ctx, "Failed to retrieve parent", slog.Int("status", te.StatusCode), slog.Any("error", err))
		return fmt.Errorf("resolve parent: %w", err)
	}
	if IsNotFound(err) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ADTParentQuery builds an Azure Digital Twins query selecting the twins that
// relate to childID through relationName:
//
//	SELECT Parent FROM digitaltwins Parent JOIN Child RELATED Parent.contains WHERE Child.$dtId = 'serra01'
//
// relationName is spliced in unquoted and must satisfy ValidRelationName; the
// resolvers check it before building a query.
func ADTParentQuery(childID TwinID, relationName string) string {
	return "SELECT Parent " +
		"FROM digitaltwins Parent " +
		"JOIN Child RELATED Parent." + relationName + " " +
		"WHERE Child.$dtId = " + QuoteLiteral(string(childID))
}

// QuoteLiteral returns s as a single-quoted query string literal, escaping
// backslashes and single quotes.
func QuoteLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
