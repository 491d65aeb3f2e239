package twinsync

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"testing"

	"github.com/danielorbach/go-component"
)

// fakeGraph is a GraphService over fixed data that records the calls it
// receives. It applies patches to its twins without checking add semantics.
type fakeGraph struct {
	mu       sync.Mutex
	twins    map[TwinID]Twin
	incoming map[TwinID][]Relationship
	rows     []Twin
	// err, when set, is returned (or yielded) by every call.
	err error

	gets     int
	updates  []fakeUpdate
	queries  []string
	consumed int // relationships or rows pulled by a consumer
}

type fakeUpdate struct {
	ID      TwinID
	Patch   Patch
	IfMatch string
}

func newFakeGraph(twins ...Twin) *fakeGraph {
	g := &fakeGraph{
		twins:    make(map[TwinID]Twin),
		incoming: make(map[TwinID][]Relationship),
	}
	for _, t := range twins {
		g.twins[t.ID] = t
	}
	return g
}

func (g *fakeGraph) GetTwin(_ context.Context, id TwinID) (Twin, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gets++
	if g.err != nil {
		return Twin{}, g.err
	}
	t, ok := g.twins[id]
	if !ok {
		return Twin{}, &NotFoundError{Kind: "twin", ID: string(id)}
	}
	t.Properties = maps.Clone(t.Properties)
	return t, nil
}

func (g *fakeGraph) IncomingRelationships(_ context.Context, id TwinID) iter.Seq2[Relationship, error] {
	return func(yield func(Relationship, error) bool) {
		if g.err != nil {
			yield(Relationship{}, g.err)
			return
		}
		for _, rel := range g.incoming[id] {
			g.mu.Lock()
			g.consumed++
			g.mu.Unlock()
			if !yield(rel, nil) {
				return
			}
		}
	}
}

func (g *fakeGraph) Query(_ context.Context, query string) iter.Seq2[Twin, error] {
	return func(yield func(Twin, error) bool) {
		g.mu.Lock()
		g.queries = append(g.queries, query)
		g.mu.Unlock()
		if g.err != nil {
			yield(Twin{}, g.err)
			return
		}
		for _, t := range g.rows {
			g.mu.Lock()
			g.consumed++
			g.mu.Unlock()
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (g *fakeGraph) UpdateTwin(_ context.Context, id TwinID, patch Patch, ifMatch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates = append(g.updates, fakeUpdate{ID: id, Patch: patch, IfMatch: ifMatch})
	if g.err != nil {
		return g.err
	}
	t, ok := g.twins[id]
	if !ok {
		return &NotFoundError{Kind: "twin", ID: string(id)}
	}
	if t.Properties == nil {
		t.Properties = make(map[string]any)
	}
	for _, op := range patch {
		name, _ := topLevelProperty(op.Path)
		t.Properties[name] = op.Value
	}
	g.twins[id] = t
	return nil
}

// logRecorder captures JSON log records written through a context logger.
type logRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *logRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

// records returns the decoded log records at the given level.
func (r *logRecorder) records(t *testing.T, level slog.Level) []map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(r.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("Log line %q: %v", line, err)
		}
		if rec[slog.LevelKey] == level.String() {
			out = append(out, rec)
		}
	}
	return out
}

// loggingContext returns a context carrying a debug-level JSON logger that
// writes into the returned recorder.
func loggingContext(t *testing.T) (context.Context, *logRecorder) {
	t.Helper()
	rec := new(logRecorder)
	logger := slog.New(slog.NewJSONHandler(rec, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return component.InjectLogger(context.Background(), logger), rec
}
