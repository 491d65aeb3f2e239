package twinsync

import (
	"context"
	"iter"
)

// TwinID uniquely identifies a twin within a graph service.
type TwinID string

func (id TwinID) String() string { return string(id) }

// Twin is a read-only copy of a twin as reported by a GraphService.
type Twin struct {
	ID TwinID
	// ModelID identifies the schema (e.g. a DTDL model) the twin conforms to.
	ModelID string
	// ETag is an opaque token identifying the twin's current revision. Backends
	// without optimistic concurrency leave it empty.
	ETag string
	// Properties maps property names to their current values. Values are the
	// decoded JSON (or graph) types: float64/int64, string, bool, and so on.
	Properties map[string]any
}

// HasProperty reports whether the twin currently carries the named property.
func (t Twin) HasProperty(name string) bool {
	_, ok := t.Properties[name]
	return ok
}

// Document returns the twin in the JSON document shape used by Azure Digital
// Twins: properties at the top level next to "$dtId", "$etag" and
// "$metadata".
func (t Twin) Document() map[string]any {
	doc := make(map[string]any, len(t.Properties)+3)
	for name, v := range t.Properties {
		doc[name] = v
	}
	doc["$dtId"] = string(t.ID)
	doc["$metadata"] = map[string]any{"$model": t.ModelID}
	if t.ETag != "" {
		doc["$etag"] = t.ETag
	}
	return doc
}

// Relationship is a named, directed edge between two twins. Relationships are
// owned by the graph service; this package only reads them.
type Relationship struct {
	ID       string
	Name     string
	SourceID TwinID
	TargetID TwinID
}

// GraphService is the set of calls a managed digital-twin graph exposes to
// this package. Authentication and transport are the implementation's
// concern.
//
// Implementations report a missing twin with a *NotFoundError and every other
// failure with a *TransportError.
type GraphService interface {
	// GetTwin returns the twin with the given id.
	GetTwin(ctx context.Context, id TwinID) (Twin, error)

	// IncomingRelationships returns a lazy sequence of the relationships
	// targeting the given twin. The sequence may page through results on
	// demand; it is meant to be ranged over once, and stopping early must not
	// fetch further pages. A non-nil error is yielded at most once, as the last
	// element.
	IncomingRelationships(ctx context.Context, id TwinID) iter.Seq2[Relationship, error]

	// Query runs a declarative graph query and yields the twins it selects, with
	// the same laziness and error conventions as IncomingRelationships. The query
	// language is the backend's.
	Query(ctx context.Context, query string) iter.Seq2[Twin, error]

	// UpdateTwin applies the patch atomically: either all operations take
	// effect or none do. A non-empty ifMatch makes the write conditional on the
	// twin's current ETag.
	UpdateTwin(ctx context.Context, id TwinID, patch Patch, ifMatch string) error
}
