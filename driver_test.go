package twinsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newDriver(graph GraphService) Driver {
	return Driver{
		Reader:   Reader{Graph: graph},
		Resolver: TraversalResolver{Graph: graph},
		Patcher:  Patcher{Graph: graph},
	}
}

func TestDriver_Process_AddsMissingProperty(t *testing.T) {
	graph := newFakeGraph(Twin{ID: "serra01", Properties: map[string]any{"Type": "Tomato"}})
	event := TelemetryEvent{ID: "e1", DeviceID: "serra01", Fields: map[string]any{"Moisture": 30.0, "Type": "Basil"}}

	if err := newDriver(graph).Process(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	want := []fakeUpdate{{
		ID:    "serra01",
		Patch: Patch{Add("/Moisture", 30.0), Replace("/Type", "Basil")},
	}}
	if diff := cmp.Diff(want, graph.updates); diff != "" {
		t.Errorf("Updates mismatch (-want +got):\n%s", diff)
	}
}

func TestDriver_Process_UnknownTwin(t *testing.T) {
	graph := newFakeGraph()
	ctx, logs := loggingContext(t)
	event := TelemetryEvent{ID: "e1", DeviceID: "ghost", Fields: map[string]any{"Moisture": 30.0}}

	err := newDriver(graph).Process(ctx, event)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("Process() error = %v, want a *SyncError", err)
	}
	if syncErr.Stage != Reading || syncErr.EventID != "e1" || syncErr.DeviceID != "ghost" {
		t.Errorf("SyncError = %+v", syncErr)
	}
	if !IsNotFound(err) {
		t.Errorf("Process() error = %v, want it to wrap not found", err)
	}
	errs := logs.records(t, slog.LevelError)
	if len(errs) != 1 {
		t.Fatalf("Logged %d errors, want exactly 1", len(errs))
	}
	if errs[0]["stage"] != "reading" || errs[0]["device.id"] != "ghost" || errs[0]["event.id"] != "e1" {
		t.Errorf("Error log lacks context: %v", errs[0])
	}
	if len(graph.updates) != 0 {
		t.Errorf("Process issued %d patch calls, want 0", len(graph.updates))
	}
}

func TestDriver_Process_ParentTwin(t *testing.T) {
	graph := newFakeGraph(
		Twin{ID: "serra01", Properties: map[string]any{}},
		Twin{ID: "greenhouse", ETag: "v7", Properties: map[string]any{"Moisture": 10.0}},
	)
	graph.incoming["serra01"] = []Relationship{{Name: "contains", SourceID: "greenhouse", TargetID: "serra01"}}
	d := newDriver(graph)
	d.Relation = "contains"
	d.Conditional = true
	d.Properties = map[string]string{"Moisture": "Moisture", "UV": "UVIndex"}

	event := TelemetryEvent{DeviceID: "serra01", Fields: map[string]any{"Moisture": 30.0, "UV": 4.0, "Type": "Tomato"}}
	if err := d.Process(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	want := []fakeUpdate{{
		ID:      "greenhouse",
		Patch:   Patch{Replace("/Moisture", 30.0), Add("/UVIndex", 4.0)},
		IfMatch: "v7",
	}}
	if diff := cmp.Diff(want, graph.updates); diff != "" {
		t.Errorf("Updates mismatch (-want +got):\n%s", diff)
	}
}

func TestDriver_Process_NoParent(t *testing.T) {
	graph := newFakeGraph(Twin{ID: "serra01"})
	d := newDriver(graph)
	d.Relation = "contains"
	ctx, logs := loggingContext(t)

	if err := d.Process(ctx, TelemetryEvent{DeviceID: "serra01", Fields: map[string]any{"Moisture": 30.0}}); err != nil {
		t.Fatalf("Process() error = %v, want the event skipped", err)
	}
	if len(graph.updates) != 0 {
		t.Errorf("Process issued %d patch calls, want 0", len(graph.updates))
	}
	if warnings := logs.records(t, slog.LevelWarn); len(warnings) != 1 {
		t.Errorf("Logged %d warnings, want 1", len(warnings))
	}
}

func TestDriver_Process_NoFields(t *testing.T) {
	graph := newFakeGraph(Twin{ID: "serra01"})
	d := newDriver(graph)
	d.Properties = map[string]string{"Moisture": "Moisture"}

	if err := d.Process(context.Background(), TelemetryEvent{DeviceID: "serra01", Fields: map[string]any{"UV": 4.0}}); err != nil {
		t.Fatal(err)
	}
	if len(graph.updates) != 0 {
		t.Errorf("Process issued %d patch calls, want 0", len(graph.updates))
	}
}

func TestDriver_Process_PatchFailure(t *testing.T) {
	graph := newFakeGraph(Twin{ID: "serra01"})
	failing := &failingUpdates{fakeGraph: graph, err: &TransportError{Op: "UpdateTwin", StatusCode: 412, Err: ErrPreconditionFailed}}

	err := newDriver(failing).Process(context.Background(), TelemetryEvent{DeviceID: "serra01", Fields: map[string]any{"A": 1.0}})
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Stage != Patching {
		t.Fatalf("Process() error = %v, want a patching *SyncError", err)
	}
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("Process() error = %v, want it to wrap %v", err, ErrPreconditionFailed)
	}
}

type failingUpdates struct {
	*fakeGraph
	err error
}

func (f *failingUpdates) UpdateTwin(context.Context, TwinID, Patch, string) error { return f.err }

func TestDriver_Process_Concurrent(t *testing.T) {
	const devices = 16
	graph := newFakeGraph()
	for i := range devices {
		id := TwinID(fmt.Sprintf("serra%02d", i))
		graph.twins[id] = Twin{ID: id, Properties: map[string]any{}}
	}
	d := newDriver(graph)

	var wg sync.WaitGroup
	for i := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			event := TelemetryEvent{
				DeviceID: fmt.Sprintf("serra%02d", i),
				Fields:   map[string]any{"Moisture": float64(i)},
			}
			if err := d.Process(context.Background(), event); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	for i := range devices {
		id := TwinID(fmt.Sprintf("serra%02d", i))
		twin, err := graph.GetTwin(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(map[string]any{"Moisture": float64(i)}, twin.Properties); diff != "" {
			t.Errorf("Twin %s properties mismatch (-want +got):\n%s", id, diff)
		}
	}
}

func TestStage_String(t *testing.T) {
	for stage, want := range map[Stage]string{Idle: "idle", Reading: "reading", Resolving: "resolving", Patching: "patching", 9: "Stage(9)"} {
		if got := stage.String(); got != want {
			t.Errorf("Stage(%d).String() = %q, want %q", int(stage), got, want)
		}
	}
}
