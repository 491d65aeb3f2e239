/*
Package graphtest provides a suite of tests designed to assess implementations
of [twinsync.GraphService] (e.g. in-memory, neo4j, Azure Digital Twins).

The tests seed a small graph through a [Seeder], then exercise the graph
service through the [twinsync.GraphService] interface and through the
synchronization core built on it, checking functional correctness and
compliance with the behaviours documented by that interface.

Call graphtest.Run in its own test to invoke the test-suite:

	func TestGraph(t *testing.T) {
		graph := memgraph.New()
		// The graph is both the service under test and its own seeder.
		graphtest.Run(t, graph, graph, twinsync.ADTParentQuery)
	}

The test cases in this suite focus on the basic twin operations:

  - Reading twins and their incoming relationships.
  - Patching properties atomically, with add and replace semantics.
  - Selecting parent twins with the backend's query language.

So, specific graph services are encouraged to perform additional tests which
are specific to the underlying storage.
*/
package graphtest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/twinsync"
)

// A Seeder populates a graph service with the fixtures the suite runs against.
// Graph services are read-mostly from the core's point of view; creating twins
// and relationships is a backend-specific concern.
type Seeder interface {
	// CreateTwin creates the given twin. The ETag is the backend's to assign.
	CreateTwin(ctx context.Context, twin twinsync.Twin) error
	// CreateRelationship creates the given relationship between two existing
	// twins.
	CreateRelationship(ctx context.Context, rel twinsync.Relationship) error
}

// The fixture graph: a greenhouse containing two planters, one of which also
// has an owner.
var (
	greenhouse = twinsync.Twin{ID: "greenhouse", ModelID: "dtmi:garden:Greenhouse;1", Properties: map[string]any{"Name": "North"}}
	serra01    = twinsync.Twin{ID: "serra01", ModelID: "dtmi:garden:Planter;1", Properties: map[string]any{"Type": "Tomato"}}
	serra02    = twinsync.Twin{ID: "serra02", ModelID: "dtmi:garden:Planter;1", Properties: map[string]any{}}
	gardener   = twinsync.Twin{ID: "gardener", ModelID: "dtmi:garden:Person;1", Properties: map[string]any{"Name": "Ada"}}
	orphan     = twinsync.Twin{ID: "orphan", ModelID: "dtmi:garden:Planter;1", Properties: map[string]any{}}

	fixtureTwins = []twinsync.Twin{greenhouse, serra01, serra02, gardener, orphan}
	fixtureRels  = []twinsync.Relationship{
		{ID: "greenhouse-contains-serra01", Name: "contains", SourceID: "greenhouse", TargetID: "serra01"},
		{ID: "greenhouse-contains-serra02", Name: "contains", SourceID: "greenhouse", TargetID: "serra02"},
		{ID: "gardener-owns-serra01", Name: "owns", SourceID: "gardener", TargetID: "serra01"},
	}
)

// env is what every test case operates on.
type env struct {
	graph       twinsync.GraphService
	parentQuery twinsync.QueryFunc
}

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// Exercises the graph service, returning a description of any unexpected
	// behaviour.
	run func(ctx context.Context, e env) error
	// The properties of every fixture twin as expected after the case ran. This
	// snapshot takes into account the order and the successful execution of
	// previous test-cases.
	graph snapshot
}

// A snapshot maps twin ids to their expected properties.
type snapshot map[twinsync.TwinID]map[string]any

var initial = snapshot{
	"greenhouse": {"Name": "North"},
	"serra01":    {"Type": "Tomato"},
	"serra02":    {},
	"gardener":   {"Name": "Ada"},
	"orphan":     {},
}

// with returns a copy of s with the given twin's properties replaced.
func (s snapshot) with(id twinsync.TwinID, props map[string]any) snapshot {
	out := make(snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	out[id] = props
	return out
}

var cases = []testCase{
	{
		name:     "get-twin",
		location: locateSource(),
		run: func(ctx context.Context, e env) error {
			twin, err := e.graph.GetTwin(ctx, "serra01")
			if err != nil {
				return err
			}
			if twin.ID != serra01.ID || twin.ModelID != serra01.ModelID {
				return fmt.Errorf("GetTwin = {ID: %q, ModelID: %q}, want {ID: %q, ModelID: %q}", twin.ID, twin.ModelID, serra01.ID, serra01.ModelID)
			}
			return nil
		},
		graph: initial,
	},
	{
		name:     "get-missing-twin",
		location: locateSource(),
		run: func(ctx context.Context, e env) error {
			_, err := e.graph.GetTwin(ctx, "ghost")
			if !twinsync.IsNotFound(err) {
				return fmt.Errorf("GetTwin(ghost) error = %v, want a *NotFoundError", err)
			}
			return nil
		},
		graph: initial,
	},
	{
		name:     "add-property",
		location: locateSource(),
		run: func(ctx context.Context, e env) error {
			return e.graph.UpdateTwin(ctx, "serra01", twinsync.Patch{twinsync.Add("/Moisture", 30.5)}, "")
		},
		graph: initial.with("serra01", map[string]any{"Type": "Tomato", "Moisture": 30.5}),
	},
	{
		name:     "replace-is-idempotent",
		location: locateSource(),
		run: func(ctx context.Context, e env) error {
			patch := twinsync.Patch{twinsync.Replace("/Moisture", 12.0), twinsync.Replace("/Type", "Basil")}
			for range 2 {
				if err := e.graph.UpdateTwin(ctx, "serra01", patch, ""); err != nil {
					return err
				}
			}
			return nil
		},
		graph: initial.with("serra01", map[string]any{"Type": "Basil", "Moisture": 12.0}),
	},
	{
		name:     "add-existing-property",
		location: locateSource(),
		run: func(ctx context.Context, e env) error {
			err := e.graph.UpdateTwin(ctx, "serra01", twinsync.Patch{twinsync.Add("/Type", "Mint")}, "")
			if !twinsync.IsTransport(err) || !errors.Is(err, twinsync.ErrPropertyExists) {
				return fmt.Errorf("UpdateTwin error = %v, want a transport error wrapping %v", err, twinsync.ErrPropertyExists)
			}
			return nil
		},
		graph: initial.with("serra01", map[string]any{"Type": "Basil", "Moisture": 12.0}),
	},
	{
		name:     "replace-missing-property",
		location: locateSource(),
		run: func(ctx context.Context, e env) error {
			err := e.graph.UpdateTwin(ctx, "serra02", twinsync.Patch{twinsync.Replace("/UV", 4.0)}, "")
			if !twinsync.IsTransport(err) || !errors.Is(err, twinsync.ErrPropertyMissing) {
				return fmt.Errorf("UpdateTwin error = %v, want a transport error wrapping %v", err, twinsync.ErrPropertyMissing)
			}
			return nil
		},
		graph: initial.with("serra01", map[string]any{"Type": "Basil", "Moisture": 12.0}),
	},
	{
		name:     "patch-is-atomic",
		location: locateSource(),
		run: func(ctx context.Context, e env) error {
			patch := twinsync.Patch{twinsync.Replace("/Moisture", 99.0), twinsync.Replace("/UV", 4.0)}
			if err := e.graph.UpdateTwin(ctx, "serra01", patch, ""); err == nil {
				return errors.New("UpdateTwin succeeded replacing a missing property")
			}
			return nil
		},
		graph: initial.with("serra01", map[string]any{"Type": "Basil", "Moisture": 12.0}),
	},
	{
		name:     "update-missing-twin",
		location: locateSource(),
		run: func(ctx context.Context, e env) error {
			err := e.graph.UpdateTwin(ctx, "ghost", twinsync.Patch{twinsync.Add("/A", 1.0)}, "")
			if !twinsync.IsNotFound(err) {
				return fmt.Errorf("UpdateTwin(ghost) error = %v, want a *NotFoundError", err)
			}
			return nil
		},
		graph: initial.with("serra01", map[string]any{"Type": "Basil", "Moisture": 12.0}),
	},
	{
		name:     "conditional-update",
		location: locateSource(),
		run: func(ctx context.Context, e env) error {
			before, err := e.graph.GetTwin(ctx, "serra02")
			if err != nil {
				return err
			}
			if before.ETag == "" {
				// The backend has no optimistic concurrency; nothing to check.
				return e.graph.UpdateTwin(ctx, "serra02", twinsync.Patch{twinsync.Add("/UV", 4.0)}, "")
			}
			if err := e.graph.UpdateTwin(ctx, "serra02", twinsync.Patch{twinsync.Add("/UV", 4.0)}, before.ETag); err != nil {
				return fmt.Errorf("UpdateTwin with current etag: %w", err)
			}
			after, err := e.graph.GetTwin(ctx, "serra02")
			if err != nil {
				return err
			}
			if after.ETag == before.ETag {
				return fmt.Errorf("ETag %q did not change after an update", after.ETag)
			}
			err = e.graph.UpdateTwin(ctx, "serra02", twinsync.Patch{twinsync.Replace("/UV", 5.0)}, before.ETag)
			if !twinsync.IsTransport(err) || !errors.Is(err, twinsync.ErrPreconditionFailed) {
				return fmt.Errorf("UpdateTwin with stale etag error = %v, want a transport error wrapping %v", err, twinsync.ErrPreconditionFailed)
			}
			return nil
		},
		graph: initial.
			with("serra01", map[string]any{"Type": "Basil", "Moisture": 12.0}).
			with("serra02", map[string]any{"UV": 4.0}),
	},
	{
		name:     "incoming-relationships",
		location: locateSource(),
		run: func(ctx context.Context, e env) error {
			var got []string
			for rel, err := range e.graph.IncomingRelationships(ctx, "serra01") {
				if err != nil {
					return err
				}
				if rel.TargetID != "serra01" {
					return fmt.Errorf("relationship %q targets %q, want serra01", rel.ID, rel.TargetID)
				}
				got = append(got, rel.Name+":"+string(rel.SourceID))
			}
			slices.Sort(got)
			if diff := cmp.Diff([]string{"contains:greenhouse", "owns:gardener"}, got); diff != "" {
				return fmt.Errorf("IncomingRelationships mismatch (-want +got):\n%v", diff)
			}
			for _, err := range e.graph.IncomingRelationships(ctx, "orphan") {
				return fmt.Errorf("orphan has incoming relationships (err = %v)", err)
			}
			return nil
		},
		graph: initial.
			with("serra01", map[string]any{"Type": "Basil", "Moisture": 12.0}).
			with("serra02", map[string]any{"UV": 4.0}),
	},
	{
		name:     "query-parent",
		location: locateSource(),
		run: func(ctx context.Context, e env) error {
			var got []twinsync.TwinID
			for twin, err := range e.graph.Query(ctx, e.parentQuery("serra02", "contains")) {
				if err != nil {
					return err
				}
				got = append(got, twin.ID)
			}
			if diff := cmp.Diff([]twinsync.TwinID{"greenhouse"}, got); diff != "" {
				return fmt.Errorf("Query mismatch (-want +got):\n%v", diff)
			}
			for _, err := range e.graph.Query(ctx, e.parentQuery("orphan", "contains")) {
				return fmt.Errorf("orphan has a parent (err = %v)", err)
			}
			return nil
		},
		graph: initial.
			with("serra01", map[string]any{"Type": "Basil", "Moisture": 12.0}).
			with("serra02", map[string]any{"UV": 4.0}),
	},
	{
		name:     "resolve-parent",
		location: locateSource(),
		run: func(ctx context.Context, e env) error {
			resolvers := []twinsync.Resolver{
				twinsync.TraversalResolver{Graph: e.graph},
				twinsync.QueryResolver{Graph: e.graph, Query: e.parentQuery},
			}
			for _, r := range resolvers {
				parent, err := r.ResolveParent(ctx, "serra01", "contains")
				if err != nil {
					return fmt.Errorf("%T: %w", r, err)
				}
				if parent != "greenhouse" {
					return fmt.Errorf("%T resolved %q, want greenhouse", r, parent)
				}
				if _, err := r.ResolveParent(ctx, "orphan", "contains"); !errors.Is(err, twinsync.ErrNoneFound) {
					return fmt.Errorf("%T resolving orphan: error = %v, want %v", r, err, twinsync.ErrNoneFound)
				}
			}
			return nil
		},
		graph: initial.
			with("serra01", map[string]any{"Type": "Basil", "Moisture": 12.0}).
			with("serra02", map[string]any{"UV": 4.0}),
	},
	{
		name:     "sync-telemetry",
		location: locateSource(),
		run: func(ctx context.Context, e env) error {
			d := twinsync.Driver{
				Reader:   twinsync.Reader{Graph: e.graph},
				Resolver: twinsync.QueryResolver{Graph: e.graph, Query: e.parentQuery},
				Patcher:  twinsync.Patcher{Graph: e.graph},
				Relation: "contains",
				Properties: map[string]string{
					"Moisture": "Moisture",
				},
				Conditional: true,
			}
			event := twinsync.TelemetryEvent{ID: "graphtest", DeviceID: "serra02", Fields: map[string]any{"Moisture": 41.0, "UV": 3.0}}
			return d.Process(ctx, event)
		},
		graph: initial.
			with("greenhouse", map[string]any{"Name": "North", "Moisture": 41.0}).
			with("serra01", map[string]any{"Type": "Basil", "Moisture": 12.0}).
			with("serra02", map[string]any{"UV": 4.0}),
	},
}

// Run executes a sequence of test cases on a graph service. It seeds the
// fixture graph through seeder, then checks that the service reads, patches
// and queries twins as twinsync.GraphService documents. The parentQuery builds
// the backend's query for the parents of a twin.
//
// We deliberately avoid receiving a contextual argument for each test to ensure
// that the test suite runs under neutral conditions without any external
// influences or timeouts.
//
// The testing process requires all cases to execute in a strict sequence because
// the state of the graph at the end of one test is the starting point for the
// next.
func Run(t *testing.T, graph twinsync.GraphService, seeder Seeder, parentQuery twinsync.QueryFunc) {
	t.Helper()
	ctx := context.Background()

	for _, twin := range fixtureTwins {
		if err := seeder.CreateTwin(ctx, twin); err != nil {
			t.Fatalf("Seed twin %v: %v", twin.ID, err)
		}
	}
	for _, rel := range fixtureRels {
		if err := seeder.CreateRelationship(ctx, rel); err != nil {
			t.Fatalf("Seed relationship %v: %v", rel.ID, err)
		}
	}

	e := env{graph: graph, parentQuery: parentQuery}
	for _, c := range cases {
		// We encourage developers to read the source code directly, especially when
		// failures are not clear enough.
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		if err := c.run(ctx, e); err != nil {
			t.Fatalf("Case %v: %v", c.name, err)
		}
		// Regardless of what each test-case checks, the whole fixture graph must
		// match the case's snapshot.
		for id, want := range c.graph {
			twin, err := graph.GetTwin(ctx, id)
			if err != nil {
				t.Fatalf("GetTwin(%v) after %v: %v", id, c.name, err)
			}
			if diff := cmp.Diff(want, twin.Properties); diff != "" {
				t.Errorf("Properties of %v after %v mismatch (-want +got):\n%v", id, c.name, diff)
			}
		}
	}
}

// Call this function to set the location of every test-case in the source file.
// The returned string is used to guide developers of graph services to the
// appropriate test-case.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
