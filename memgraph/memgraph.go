// Package memgraph implements twinsync.GraphService in memory.
//
// A Graph behaves like the managed service closely enough to run the
// synchronization core locally and in tests: patches apply atomically, adding
// an existing property or replacing a missing one is rejected, every write
// rotates the twin's ETag, and conditional writes are honoured. Queries are
// limited to the shapes the core itself issues; see Graph.Query.
package memgraph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/go-digitaltwin/twinsync"
	"github.com/google/uuid"
)

// Graph is an in-memory twin graph. The zero value is not ready for use; call
// New.
//
// A Graph is safe for concurrent use.
type Graph struct {
	mu    sync.RWMutex
	twins map[twinsync.TwinID]twinsync.Twin
	// Relationships in creation order.
	rels []twinsync.Relationship
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{twins: make(map[twinsync.TwinID]twinsync.Twin)}
}

// CreateTwin stores a new twin. The twin's ETag is assigned by the graph.
func (g *Graph) CreateTwin(_ context.Context, twin twinsync.Twin) error {
	if twin.ID == "" {
		return twinsync.ErrEmptyTwinID
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.twins[twin.ID]; ok {
		return fmt.Errorf("create twin %q: already exists", twin.ID)
	}
	twin.Properties = cloneProperties(twin.Properties)
	twin.ETag = newETag()
	g.twins[twin.ID] = twin
	return nil
}

// CreateRelationship stores a new relationship between two existing twins. An
// empty relationship id is replaced with a generated one.
func (g *Graph) CreateRelationship(_ context.Context, rel twinsync.Relationship) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range []twinsync.TwinID{rel.SourceID, rel.TargetID} {
		if _, ok := g.twins[id]; !ok {
			return &twinsync.NotFoundError{Kind: "twin", ID: string(id)}
		}
	}
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	g.rels = append(g.rels, rel)
	return nil
}

// GetTwin implements twinsync.GraphService.
func (g *Graph) GetTwin(ctx context.Context, id twinsync.TwinID) (twinsync.Twin, error) {
	if err := ctx.Err(); err != nil {
		return twinsync.Twin{}, &twinsync.TransportError{Op: "GetTwin", Err: err}
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	twin, ok := g.twins[id]
	if !ok {
		return twinsync.Twin{}, &twinsync.NotFoundError{Kind: "twin", ID: string(id)}
	}
	twin.Properties = cloneProperties(twin.Properties)
	return twin, nil
}

// IncomingRelationships implements twinsync.GraphService. The sequence yields
// the relationships that existed when iteration started, in creation order.
func (g *Graph) IncomingRelationships(ctx context.Context, id twinsync.TwinID) iter.Seq2[twinsync.Relationship, error] {
	return func(yield func(twinsync.Relationship, error) bool) {
		g.mu.RLock()
		var incoming []twinsync.Relationship
		for _, rel := range g.rels {
			if rel.TargetID == id {
				incoming = append(incoming, rel)
			}
		}
		g.mu.RUnlock()

		for _, rel := range incoming {
			if err := ctx.Err(); err != nil {
				yield(twinsync.Relationship{}, &twinsync.TransportError{Op: "IncomingRelationships", Err: err})
				return
			}
			if !yield(rel, nil) {
				return
			}
		}
	}
}

var (
	// Matches the output of twinsync.ADTParentQuery.
	parentQuery = regexp.MustCompile(`^SELECT (\w+) FROM digitaltwins (\w+) JOIN (\w+) RELATED (\w+)\.(\w+) WHERE (\w+)\.\$dtId = '((?:[^'\\]|\\.)*)'$`)
	// Matches a query selecting every twin.
	allQuery = regexp.MustCompile(`^SELECT \* FROM digitaltwins$`)
)

// Query implements twinsync.GraphService for two query shapes: the parent
// query built by twinsync.ADTParentQuery, and "SELECT * FROM digitaltwins"
// which yields every twin ordered by id. Any other query fails with a
// *twinsync.TransportError wrapping twinsync.ErrUnsupportedQuery.
func (g *Graph) Query(ctx context.Context, query string) iter.Seq2[twinsync.Twin, error] {
	return func(yield func(twinsync.Twin, error) bool) {
		twins, err := g.query(query)
		if err != nil {
			yield(twinsync.Twin{}, err)
			return
		}
		for _, twin := range twins {
			if err := ctx.Err(); err != nil {
				yield(twinsync.Twin{}, &twinsync.TransportError{Op: "Query", Err: err})
				return
			}
			if !yield(twin, nil) {
				return
			}
		}
	}
}

func (g *Graph) query(query string) ([]twinsync.Twin, error) {
	query = strings.Join(strings.Fields(query), " ")
	g.mu.RLock()
	defer g.mu.RUnlock()

	if allQuery.MatchString(query) {
		ids := slices.Sorted(maps.Keys(g.twins))
		twins := make([]twinsync.Twin, len(ids))
		for i, id := range ids {
			twins[i] = g.twins[id]
			twins[i].Properties = cloneProperties(twins[i].Properties)
		}
		return twins, nil
	}

	m := parentQuery.FindStringSubmatch(query)
	if m == nil {
		return nil, unsupported(query)
	}
	selected, parent, child, relParent, relName, whereChild, literal := m[1], m[2], m[3], m[4], m[5], m[6], m[7]
	if selected != parent || relParent != parent || whereChild != child {
		return nil, unsupported(query)
	}
	childID := twinsync.TwinID(unquote(literal))

	var twins []twinsync.Twin
	for _, rel := range g.rels {
		if rel.TargetID != childID || rel.Name != relName {
			continue
		}
		twin := g.twins[rel.SourceID]
		twin.Properties = cloneProperties(twin.Properties)
		twins = append(twins, twin)
	}
	return twins, nil
}

func unsupported(query string) error {
	return &twinsync.TransportError{
		Op:         "Query",
		StatusCode: http.StatusBadRequest,
		Code:       "BadRequest",
		Err:        fmt.Errorf("%w: %s", twinsync.ErrUnsupportedQuery, query),
	}
}

func unquote(literal string) string {
	var b strings.Builder
	escaped := false
	for _, r := range literal {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}

// UpdateTwin implements twinsync.GraphService. Only top-level property paths
// are supported. The patch applies entirely or not at all.
func (g *Graph) UpdateTwin(ctx context.Context, id twinsync.TwinID, patch twinsync.Patch, ifMatch string) error {
	if err := ctx.Err(); err != nil {
		return &twinsync.TransportError{Op: "UpdateTwin", Err: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	twin, ok := g.twins[id]
	if !ok {
		return &twinsync.NotFoundError{Kind: "twin", ID: string(id)}
	}
	if ifMatch != "" && ifMatch != "*" && ifMatch != twin.ETag {
		return &twinsync.TransportError{
			Op:         "UpdateTwin",
			StatusCode: http.StatusPreconditionFailed,
			Code:       "PreconditionFailed",
			Err:        twinsync.ErrPreconditionFailed,
		}
	}

	props, err := applyPatch(twin.Properties, patch)
	if err != nil {
		return &twinsync.TransportError{
			Op:         "UpdateTwin",
			StatusCode: http.StatusBadRequest,
			Code:       "JsonPatchInvalid",
			Err:        err,
		}
	}
	twin.Properties = props
	twin.ETag = newETag()
	g.twins[id] = twin
	return nil
}

// applyPatch returns a patched copy of props, leaving props untouched.
func applyPatch(props map[string]any, patch twinsync.Patch) (map[string]any, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	out := cloneProperties(props)
	for _, op := range patch {
		tokens, err := twinsync.SplitPath(op.Path)
		if err != nil {
			return nil, err
		}
		if len(tokens) != 1 {
			return nil, &twinsync.InvalidPathError{Path: op.Path, Reason: "nested properties are not supported"}
		}
		name := tokens[0]
		_, exists := out[name]
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
			return nil, errors.New("unsupported patch op " + string(op.Op))
		}
		out[name] = op.Value
	}
	return out, nil
}

func cloneProperties(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	return maps.Clone(props)
}

func newETag() string {
	return `W/"` + uuid.NewString() + `"`
}
