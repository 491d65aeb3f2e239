package memgraph

import (
	"context"
	"errors"
	"testing"

	"github.com/go-digitaltwin/twinsync"
	"github.com/go-digitaltwin/twinsync/graphtest"
)

func TestGraph(t *testing.T) {
	graph := New()
	graphtest.Run(t, graph, graph, twinsync.ADTParentQuery)
}

func TestGraph_Query_Unsupported(t *testing.T) {
	graph := New()
	for _, err := range graph.Query(context.Background(), "SELECT T FROM digitaltwins T WHERE T.Moisture > 10") {
		if !errors.Is(err, twinsync.ErrUnsupportedQuery) || !twinsync.IsTransport(err) {
			t.Errorf("Query() error = %v, want a transport error wrapping %v", err, twinsync.ErrUnsupportedQuery)
		}
		return
	}
	t.Error("Query() yielded nothing for an unsupported query")
}

func TestGraph_Query_EscapedID(t *testing.T) {
	ctx := context.Background()
	graph := New()
	for _, id := range []twinsync.TwinID{"parent", `o'brien`} {
		if err := graph.CreateTwin(ctx, twinsync.Twin{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := graph.CreateRelationship(ctx, twinsync.Relationship{Name: "contains", SourceID: "parent", TargetID: `o'brien`}); err != nil {
		t.Fatal(err)
	}
	parent, err := twinsync.QueryResolver{Graph: graph}.ResolveParent(ctx, `o'brien`, "contains")
	if err != nil {
		t.Fatal(err)
	}
	if parent != "parent" {
		t.Errorf("ResolveParent() = %q, want %q", parent, "parent")
	}
}

func TestGraph_UpdateTwin_Nested(t *testing.T) {
	ctx := context.Background()
	graph := New()
	if err := graph.CreateTwin(ctx, twinsync.Twin{ID: "serra01"}); err != nil {
		t.Fatal(err)
	}
	err := graph.UpdateTwin(ctx, "serra01", twinsync.Patch{twinsync.Add("/Location/lat", 1.0)}, "")
	var invalid *twinsync.InvalidPathError
	if !errors.As(err, &invalid) {
		t.Errorf("UpdateTwin() error = %v, want an invalid path error", err)
	}
}

func TestGraph_CreateRelationship_MissingTwin(t *testing.T) {
	graph := New()
	err := graph.CreateRelationship(context.Background(), twinsync.Relationship{Name: "contains", SourceID: "a", TargetID: "b"})
	if !twinsync.IsNotFound(err) {
		t.Errorf("CreateRelationship() error = %v, want not found", err)
	}
}
