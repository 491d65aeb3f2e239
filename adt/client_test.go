package adt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/twinsync"
)

// newTestClient returns a Client talking to a server running mux.
func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_GetTwin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /digitaltwins/{id}", func(w http.ResponseWriter, r *http.Request) {
		if v := r.URL.Query().Get("api-version"); v != APIVersion {
			t.Errorf("api-version = %q, want %q", v, APIVersion)
		}
		if r.PathValue("id") != "serra01" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": "DigitalTwinNotFound", "message": "not found"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"$dtId":     "serra01",
			"$etag":     `W/"1"`,
			"$metadata": map[string]any{"$model": "dtmi:garden:Planter;1", "Moisture": map[string]any{"lastUpdateTime": "2024-05-01T10:00:00Z"}},
			"Moisture":  30.5,
			"Type":      "Tomato",
		})
	})
	c := newTestClient(t, mux)

	twin, err := c.GetTwin(context.Background(), "serra01")
	if err != nil {
		t.Fatal(err)
	}
	want := twinsync.Twin{
		ID:         "serra01",
		ModelID:    "dtmi:garden:Planter;1",
		ETag:       `W/"1"`,
		Properties: map[string]any{"Moisture": 30.5, "Type": "Tomato"},
	}
	if diff := cmp.Diff(want, twin); diff != "" {
		t.Errorf("GetTwin() mismatch (-want +got):\n%s", diff)
	}

	_, err = c.GetTwin(context.Background(), "ghost")
	var nf *twinsync.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "ghost" {
		t.Errorf("GetTwin(ghost) error = %v, want not found", err)
	}
}

func TestClient_IncomingRelationships(t *testing.T) {
	var requests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /digitaltwins/serra01/incomingrelationships", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, map[string]any{
				"value": []map[string]any{{"$relationshipId": "r2", "$sourceId": "B", "$relationshipName": "owns"}},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"value":    []map[string]any{{"$relationshipId": "r1", "$sourceId": "A", "$relationshipName": "contains"}},
			"nextLink": "http://" + r.Host + r.URL.Path + "?api-version=" + APIVersion + "&page=2",
		})
	})
	c := newTestClient(t, mux)

	var got []twinsync.Relationship
	for rel, err := range c.IncomingRelationships(context.Background(), "serra01") {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, rel)
	}
	want := []twinsync.Relationship{
		{ID: "r1", Name: "contains", SourceID: "A", TargetID: "serra01"},
		{ID: "r2", Name: "owns", SourceID: "B", TargetID: "serra01"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("IncomingRelationships() mismatch (-want +got):\n%s", diff)
	}

	// The traversal resolver stops on the first page.
	requests.Store(0)
	parent, err := twinsync.TraversalResolver{Graph: c}.ResolveParent(context.Background(), "serra01", "contains")
	if err != nil {
		t.Fatal(err)
	}
	if parent != "A" || requests.Load() != 1 {
		t.Errorf("ResolveParent() = %q after %d requests, want A after 1", parent, requests.Load())
	}
}

func TestClient_Query(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", func(w http.ResponseWriter, r *http.Request) {
		var body queryRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		switch {
		case body.ContinuationToken == "more":
			writeJSON(w, http.StatusOK, map[string]any{
				"value": []map[string]any{{"Parent": map[string]any{"$dtId": "P2"}}},
			})
		case body.Query != "":
			writeJSON(w, http.StatusOK, map[string]any{
				"value":             []map[string]any{{"Parent": map[string]any{"$dtId": "P1", "$metadata": map[string]any{"$model": "m"}}}},
				"continuationToken": "more",
			})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"code": "BadRequest", "message": "empty query"}})
		}
	})
	c := newTestClient(t, mux)

	var got []twinsync.TwinID
	for twin, err := range c.Query(context.Background(), twinsync.ADTParentQuery("serra01", "contains")) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, twin.ID)
	}
	if diff := cmp.Diff([]twinsync.TwinID{"P1", "P2"}, got); diff != "" {
		t.Errorf("Query() mismatch (-want +got):\n%s", diff)
	}

	parent, err := twinsync.QueryResolver{Graph: c}.ResolveParent(context.Background(), "serra01", "contains")
	if err != nil {
		t.Fatal(err)
	}
	if parent != "P1" {
		t.Errorf("ResolveParent() = %q, want P1", parent)
	}
}

func TestClient_UpdateTwin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /digitaltwins/{id}", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json-patch+json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if r.Header.Get("If-Match") == `W/"stale"` {
			writeJSON(w, http.StatusPreconditionFailed, map[string]any{"error": map[string]any{"code": "PreconditionFailed", "message": "etag mismatch"}})
			return
		}
		b, _ := io.ReadAll(r.Body)
		want := `[{"op":"add","path":"/Moisture","value":30}]`
		if string(b) != want {
			t.Errorf("Body = %s, want %s", b, want)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux)
	patch := twinsync.Patch{twinsync.Add("/Moisture", 30)}

	if err := c.UpdateTwin(context.Background(), "serra01", patch, ""); err != nil {
		t.Fatal(err)
	}

	err := c.UpdateTwin(context.Background(), "serra01", patch, `W/"stale"`)
	var te *twinsync.TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusPreconditionFailed || te.Code != "PreconditionFailed" {
		t.Fatalf("UpdateTwin() error = %v, want a 412 transport error", err)
	}
	if !errors.Is(err, twinsync.ErrPreconditionFailed) {
		t.Errorf("UpdateTwin() error = %v, want it to wrap %v", err, twinsync.ErrPreconditionFailed)
	}
}

func TestCredentials_HTTPClient(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("scope") != Scope {
			t.Errorf("Token request form = %v", r.Form)
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "secret-token", "token_type": "Bearer", "expires_in": 3600})
	}))
	defer tokens.Close()

	var auth atomic.Value
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"$dtId": "serra01"})
	}))
	defer api.Close()

	creds := Credentials{ClientID: "app", ClientSecret: "s3cret", TokenURL: tokens.URL}
	c, err := NewClient(api.URL, creds.HTTPClient(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetTwin(context.Background(), "serra01"); err != nil {
		t.Fatal(err)
	}
	if got, _ := auth.Load().(string); got != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want the client-credentials token", got)
	}
}

func TestClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	srv.Close()

	_, err = twinsync.Reader{Graph: c}.FetchTwin(context.Background(), "serra01")
	if !twinsync.IsTransport(err) {
		t.Errorf("FetchTwin() error = %v, want a transport error", err)
	}
}

func TestNewClient_InvalidEndpoint(t *testing.T) {
	if _, err := NewClient("not a url", nil); err == nil {
		t.Error("NewClient() accepted a relative endpoint")
	}
}
